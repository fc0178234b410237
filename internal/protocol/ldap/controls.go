package ldap

import (
	"bytes"

	"github.com/ldaptoid/ldaptoid/internal/protocol/ldap/ber"
)

// PagedResultsOID is the Simple Paged Results control (RFC 2696).
const PagedResultsOID = "1.2.840.113556.1.4.319"

// PagedResults is the decoded value of a Simple Paged Results control.
type PagedResults struct {
	Size   int
	Cookie []byte
}

// FindPagedResults returns the decoded paged-results control from a
// control list, or nil when absent or malformed.
func FindPagedResults(controls []Control) *PagedResults {
	for _, c := range controls {
		if c.OID != PagedResultsOID {
			continue
		}
		r := bytes.NewReader(c.Value)
		seq, err := ber.ReadTLV(r)
		if err != nil || seq.Tag != ber.ClassUniversal|ber.Constructed|ber.TagSequence {
			return nil
		}
		rr := bytes.NewReader(seq.Value)
		sizeTLV, err := ber.ReadTLV(rr)
		if err != nil || sizeTLV.Tag != ber.ClassUniversal|ber.Primitive|ber.TagInteger {
			return nil
		}
		cookieTLV, err := ber.ReadTLV(rr)
		if err != nil || cookieTLV.Tag != ber.ClassUniversal|ber.Primitive|ber.TagOctetString {
			return nil
		}
		return &PagedResults{Size: ber.DecodeInt(sizeTLV.Value), Cookie: cookieTLV.Value}
	}
	return nil
}

// EncodePagedResultsControl encodes a Controls payload acknowledging the
// paged-results control with the given size and cookie. The server always
// answers size=0 with an empty cookie: the full result fits in one page.
func EncodePagedResultsControl(size int, cookie []byte) []byte {
	var value bytes.Buffer
	value.Write(ber.Integer(size))
	value.Write(ber.OctetString(cookie))
	controlValue := ber.Sequence(value.Bytes())

	var ctl bytes.Buffer
	ctl.Write(ber.String(PagedResultsOID))
	ctl.Write(ber.OctetString(controlValue))
	return ber.Sequence(ctl.Bytes())
}

// HasUnknownCriticalControl reports whether any control outside the
// recognized set is flagged critical. Such requests must be refused with
// unavailableCriticalExtension.
func HasUnknownCriticalControl(controls []Control) bool {
	for _, c := range controls {
		if c.Criticality && c.OID != PagedResultsOID {
			return true
		}
	}
	return false
}
