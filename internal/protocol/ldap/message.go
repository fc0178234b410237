package ldap

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ldaptoid/ldaptoid/internal/protocol/ldap/ber"
)

// ErrIncomplete is returned by Decode when the buffer does not yet hold a
// complete LDAPMessage. The caller keeps the buffer and reads more bytes.
var ErrIncomplete = ber.ErrIncomplete

// DecodeError reports a malformed message. When the message ID could be
// recovered before the failure, ID carries it so the connection can answer
// protocolError on the offending ID before closing.
type DecodeError struct {
	ID     int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ldap: malformed message (id=%d): %s", e.ID, e.Reason)
}

// Request is one decoded protocol operation.
type Request interface {
	isRequest()
}

// BindRequest is a simple-auth bind. SASL binds decode into SASL=true with
// the mechanism preserved; the server refuses them uniformly.
type BindRequest struct {
	Version  int
	DN       string
	Password []byte
	SASL     bool
	SASLMech string
}

// UnbindRequest terminates the connection. It has no response.
type UnbindRequest struct{}

// AbandonRequest names a message ID to abandon. Per RFC 4511 it has no
// response; the server ignores it.
type AbandonRequest struct {
	TargetID int
}

// SearchRequest is a decoded search operation.
type SearchRequest struct {
	BaseDN     string
	Scope      int
	Deref      int
	SizeLimit  int
	TimeLimit  int // seconds
	TypesOnly  bool
	Filter     *Filter
	Attributes []string
}

// UnsupportedRequest covers every recognized-but-unserved operation
// (modify, add, delete, compare, extended, ...). Tag is the application
// tag so the response can use the matching response tag.
type UnsupportedRequest struct {
	Tag byte
}

func (*BindRequest) isRequest()        {}
func (*UnbindRequest) isRequest()      {}
func (*AbandonRequest) isRequest()     {}
func (*SearchRequest) isRequest()      {}
func (*UnsupportedRequest) isRequest() {}

// Control is a decoded LDAP control from the LDAPMessage envelope.
type Control struct {
	OID         string
	Criticality bool
	Value       []byte
}

// Message is one decoded LDAPMessage envelope.
type Message struct {
	ID       int
	Request  Request
	Controls []Control
}

// Decode parses the first complete LDAPMessage in buf. It returns the
// message and the number of bytes consumed. ErrIncomplete is returned
// without consuming anything when buf holds a partial element; a
// *DecodeError is returned for malformed input.
func Decode(buf []byte) (*Message, int, error) {
	total, err := ber.ElementLength(buf)
	if err != nil {
		if errors.Is(err, ber.ErrIncomplete) {
			return nil, 0, ErrIncomplete
		}
		return nil, 0, &DecodeError{Reason: err.Error()}
	}
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}

	r := bytes.NewReader(buf[:total])
	env, err := ber.ReadTLV(r)
	if err != nil {
		return nil, 0, &DecodeError{Reason: err.Error()}
	}
	if env.Tag != ber.ClassUniversal|ber.Constructed|ber.TagSequence {
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("envelope tag 0x%02x is not SEQUENCE", env.Tag)}
	}

	inner := bytes.NewReader(env.Value)
	idTLV, err := ber.ReadTLV(inner)
	if err != nil || idTLV.Tag != ber.ClassUniversal|ber.Primitive|ber.TagInteger {
		return nil, 0, &DecodeError{Reason: "missing message ID"}
	}
	msgID := ber.DecodeInt(idTLV.Value)

	opTLV, err := ber.ReadTLV(inner)
	if err != nil {
		return nil, 0, &DecodeError{ID: msgID, Reason: "missing protocol op"}
	}
	if opTLV.Class() != ber.ClassApplication {
		return nil, 0, &DecodeError{ID: msgID, Reason: fmt.Sprintf("protocol op tag 0x%02x is not APPLICATION class", opTLV.Tag)}
	}

	msg := &Message{ID: msgID}

	// Optional controls: context-specific constructed [0] after the op.
	if inner.Len() > 0 {
		ctlTLV, err := ber.ReadTLV(inner)
		if err == nil && ctlTLV.Class() == ber.ClassContextSpecific && ctlTLV.IsConstructed() && ctlTLV.TagNumber() == 0 {
			controls, err := parseControls(ctlTLV.Value)
			if err != nil {
				return nil, 0, &DecodeError{ID: msgID, Reason: err.Error()}
			}
			msg.Controls = controls
		}
	}

	req, err := decodeRequest(opTLV)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.ID = msgID
			return nil, 0, de
		}
		return nil, 0, &DecodeError{ID: msgID, Reason: err.Error()}
	}
	msg.Request = req
	return msg, total, nil
}

// decodeRequest dispatches on the application tag.
func decodeRequest(op ber.TLV) (Request, error) {
	switch op.TagNumber() {
	case AppBindRequest:
		return decodeBind(op.Value)
	case AppUnbindRequest:
		return &UnbindRequest{}, nil
	case AppAbandonRequest:
		// AbandonRequest is [APPLICATION 16] INTEGER: the value octets
		// are the target message ID.
		return &AbandonRequest{TargetID: ber.DecodeInt(op.Value)}, nil
	case AppSearchRequest:
		return decodeSearch(op.Value)
	default:
		return &UnsupportedRequest{Tag: op.TagNumber()}, nil
	}
}

// decodeBind parses a BindRequest body.
func decodeBind(body []byte) (Request, error) {
	r := bytes.NewReader(body)

	ver, err := ber.ReadTLV(r)
	if err != nil || ver.Tag != ber.ClassUniversal|ber.Primitive|ber.TagInteger {
		return nil, &DecodeError{Reason: "bind: bad version"}
	}

	name, err := ber.ReadTLV(r)
	if err != nil || name.Tag != ber.ClassUniversal|ber.Primitive|ber.TagOctetString {
		return nil, &DecodeError{Reason: "bind: bad name"}
	}

	auth, err := ber.ReadTLV(r)
	if err != nil {
		return nil, &DecodeError{Reason: "bind: missing authentication choice"}
	}

	req := &BindRequest{
		Version: ber.DecodeInt(ver.Value),
		DN:      string(name.Value),
	}

	// The AuthenticationChoice should be context-specific [0] (simple) or
	// [3] (sasl), but some clients emit APPLICATION-class tags here.
	// Accept both classes; on any other tag fall back to treating the raw
	// bytes as a simple password.
	cls := auth.Class()
	switch {
	case (cls == ber.ClassContextSpecific || cls == ber.ClassApplication) && auth.TagNumber() == 3 && auth.IsConstructed():
		req.SASL = true
		rr := bytes.NewReader(auth.Value)
		if mech, err := ber.ReadTLV(rr); err == nil && mech.Tag == ber.ClassUniversal|ber.Primitive|ber.TagOctetString {
			req.SASLMech = string(mech.Value)
		}
	case (cls == ber.ClassContextSpecific || cls == ber.ClassApplication) && auth.TagNumber() == 0:
		req.Password = auth.Value
	default:
		req.Password = auth.Value
	}
	return req, nil
}

// decodeSearch parses a SearchRequest body.
func decodeSearch(body []byte) (Request, error) {
	r := bytes.NewReader(body)

	base, err := ber.ReadTLV(r)
	if err != nil || base.Tag != ber.ClassUniversal|ber.Primitive|ber.TagOctetString {
		return nil, &DecodeError{Reason: "search: bad baseObject"}
	}
	scope, err := ber.ReadTLV(r)
	if err != nil || scope.Tag != ber.ClassUniversal|ber.Primitive|ber.TagEnumerated {
		return nil, &DecodeError{Reason: "search: bad scope"}
	}
	deref, err := ber.ReadTLV(r)
	if err != nil || deref.Tag != ber.ClassUniversal|ber.Primitive|ber.TagEnumerated {
		return nil, &DecodeError{Reason: "search: bad derefAliases"}
	}
	sizeTLV, err := ber.ReadTLV(r)
	if err != nil || sizeTLV.Tag != ber.ClassUniversal|ber.Primitive|ber.TagInteger {
		return nil, &DecodeError{Reason: "search: bad sizeLimit"}
	}
	timeTLV, err := ber.ReadTLV(r)
	if err != nil || timeTLV.Tag != ber.ClassUniversal|ber.Primitive|ber.TagInteger {
		return nil, &DecodeError{Reason: "search: bad timeLimit"}
	}
	typesTLV, err := ber.ReadTLV(r)
	if err != nil || typesTLV.Tag != ber.ClassUniversal|ber.Primitive|ber.TagBoolean {
		return nil, &DecodeError{Reason: "search: bad typesOnly"}
	}
	filterTLV, err := ber.ReadTLV(r)
	if err != nil {
		return nil, &DecodeError{Reason: "search: missing filter"}
	}
	filter, err := parseFilter(filterTLV)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	req := &SearchRequest{
		BaseDN:    string(base.Value),
		Scope:     ber.DecodeInt(scope.Value),
		Deref:     ber.DecodeInt(deref.Value),
		SizeLimit: ber.DecodeInt(sizeTLV.Value),
		TimeLimit: ber.DecodeInt(timeTLV.Value),
		TypesOnly: ber.DecodeBool(typesTLV.Value),
		Filter:    filter,
	}
	if req.SizeLimit < 0 {
		req.SizeLimit = 0
	}
	if req.TimeLimit < 0 {
		req.TimeLimit = 0
	}

	// Attribute selection list.
	if r.Len() > 0 {
		attrTLV, err := ber.ReadTLV(r)
		if err == nil && attrTLV.Tag == ber.ClassUniversal|ber.Constructed|ber.TagSequence {
			rr := bytes.NewReader(attrTLV.Value)
			for rr.Len() > 0 {
				a, err := ber.ReadTLV(rr)
				if err != nil {
					break
				}
				if a.Tag == ber.ClassUniversal|ber.Primitive|ber.TagOctetString {
					req.Attributes = append(req.Attributes, string(a.Value))
				}
			}
		}
	}
	return req, nil
}

// parseControls decodes the Controls sequence contents.
func parseControls(inner []byte) ([]Control, error) {
	var controls []Control
	r := bytes.NewReader(inner)
	for r.Len() > 0 {
		ctl, err := ber.ReadTLV(r)
		if err != nil {
			return nil, fmt.Errorf("controls: %w", err)
		}
		if ctl.Tag != ber.ClassUniversal|ber.Constructed|ber.TagSequence {
			return nil, fmt.Errorf("controls: element tag 0x%02x is not SEQUENCE", ctl.Tag)
		}
		rr := bytes.NewReader(ctl.Value)
		oid, err := ber.ReadTLV(rr)
		if err != nil || oid.Tag != ber.ClassUniversal|ber.Primitive|ber.TagOctetString {
			return nil, fmt.Errorf("controls: missing controlType")
		}
		c := Control{OID: string(oid.Value)}
		for rr.Len() > 0 {
			next, err := ber.ReadTLV(rr)
			if err != nil {
				break
			}
			switch next.Tag {
			case ber.ClassUniversal | ber.Primitive | ber.TagBoolean:
				c.Criticality = ber.DecodeBool(next.Value)
			case ber.ClassUniversal | ber.Primitive | ber.TagOctetString:
				c.Value = next.Value
			}
		}
		controls = append(controls, c)
	}
	return controls, nil
}

// Attribute is one attribute of a SearchResultEntry.
type Attribute struct {
	Name   string
	Values []string
}

// envelope wraps an encoded protocol op (and optional controls) into an
// LDAPMessage.
func envelope(msgID int, op []byte, controls []byte) []byte {
	var seq bytes.Buffer
	seq.Write(ber.Integer(msgID))
	seq.Write(op)
	if controls != nil {
		seq.Write(ber.Context(0, controls, true))
	}
	return ber.Sequence(seq.Bytes())
}

// EncodeResult encodes an LDAPResult-shaped response (BindResponse,
// SearchResultDone, and the *Response twins of unsupported operations).
func EncodeResult(msgID int, appTag byte, code int, matchedDN, diag string) []byte {
	return EncodeResultWithControls(msgID, appTag, code, matchedDN, diag, nil)
}

// EncodeResultWithControls is EncodeResult with a raw encoded Controls
// payload attached to the envelope.
func EncodeResultWithControls(msgID int, appTag byte, code int, matchedDN, diag string, controls []byte) []byte {
	var inner bytes.Buffer
	inner.Write(ber.Enumerated(code))
	inner.Write(ber.String(matchedDN))
	inner.Write(ber.String(diag))
	return envelope(msgID, ber.Application(appTag, inner.Bytes()), controls)
}

// EncodeSearchEntry encodes a SearchResultEntry. When typesOnly is set the
// value sets are emitted empty.
func EncodeSearchEntry(msgID int, dn string, attrs []Attribute, typesOnly bool) []byte {
	var attrList bytes.Buffer
	for _, a := range attrs {
		var seq bytes.Buffer
		seq.Write(ber.String(a.Name))
		var vals bytes.Buffer
		if !typesOnly {
			for _, v := range a.Values {
				vals.Write(ber.String(v))
			}
		}
		seq.Write(ber.Set(vals.Bytes()))
		attrList.Write(ber.Sequence(seq.Bytes()))
	}

	var entry bytes.Buffer
	entry.Write(ber.String(dn))
	entry.Write(ber.Sequence(attrList.Bytes()))
	return envelope(msgID, ber.Application(AppSearchResultEntry, entry.Bytes()), nil)
}

// ResponseTagFor maps a request application tag to the tag of its response
// twin. Any tag not listed, including operations that have no response,
// maps to ExtendedResponse; the connection never answers the latter.
func ResponseTagFor(requestTag byte) byte {
	switch requestTag {
	case AppBindRequest:
		return AppBindResponse
	case AppSearchRequest:
		return AppSearchResultDone
	case AppModifyRequest:
		return AppModifyResponse
	case AppAddRequest:
		return AppAddResponse
	case AppDelRequest:
		return AppDelResponse
	case AppModifyDNRequest:
		return AppModifyDNResponse
	case AppCompareRequest:
		return AppCompareResponse
	case AppExtendedRequest:
		return AppExtendedResponse
	default:
		return AppExtendedResponse
	}
}
