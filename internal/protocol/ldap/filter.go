package ldap

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ldaptoid/ldaptoid/internal/protocol/ldap/ber"
)

// Filter kinds. The numbers follow the context-specific tags of the wire
// encoding (RFC 4511 §4.5.1.7) so parsing is a direct mapping.
type FilterKind int

const (
	FilterAnd FilterKind = iota
	FilterOr
	FilterNot
	FilterEquality
	FilterSubstrings
	FilterGreaterOrEqual
	FilterLessOrEqual
	FilterPresent
	FilterApprox
	FilterExtensible
)

// Filter is a parsed LDAP search filter tree.
//
// And/Or/Not populate Subs; the assertion kinds populate Attr plus Value
// or the substring fields. Extensible filters are parsed far enough to be
// recognized and rejected by the search executor.
type Filter struct {
	Kind FilterKind

	Subs []*Filter

	Attr  string
	Value string

	SubInitial *string
	SubAny     []string
	SubFinal   *string
}

// parseFilter decodes one filter element. Unknown or malformed filter
// choices produce an error; the caller maps it to protocolError.
func parseFilter(tlv ber.TLV) (*Filter, error) {
	if tlv.Class() != ber.ClassContextSpecific {
		return nil, fmt.Errorf("ldap: filter tag 0x%02x is not context-specific", tlv.Tag)
	}

	tag := tlv.TagNumber()
	switch {
	case tag <= 2 && tlv.IsConstructed():
		// and / or / not
		subs, err := parseFilterSet(tlv.Value)
		if err != nil {
			return nil, err
		}
		kind := FilterAnd
		switch tag {
		case 1:
			kind = FilterOr
		case 2:
			kind = FilterNot
			if len(subs) != 1 {
				return nil, fmt.Errorf("ldap: not filter with %d children", len(subs))
			}
		}
		if kind != FilterNot && len(subs) == 0 {
			return nil, fmt.Errorf("ldap: empty %s filter", filterKindName(kind))
		}
		return &Filter{Kind: kind, Subs: subs}, nil

	case tag == 3 || tag == 5 || tag == 6 || tag == 8:
		// equalityMatch / greaterOrEqual / lessOrEqual / approxMatch:
		// AttributeValueAssertion ::= SEQUENCE { attr, value }
		attr, value, err := parseAssertion(tlv.Value)
		if err != nil {
			return nil, err
		}
		kind := FilterEquality
		switch tag {
		case 5:
			kind = FilterGreaterOrEqual
		case 6:
			kind = FilterLessOrEqual
		case 8:
			kind = FilterApprox
		}
		return &Filter{Kind: kind, Attr: attr, Value: value}, nil

	case tag == 4 && tlv.IsConstructed():
		return parseSubstrings(tlv.Value)

	case tag == 7:
		// present: the value is the attribute description itself.
		return &Filter{Kind: FilterPresent, Attr: string(tlv.Value)}, nil

	case tag == 9:
		// extensibleMatch is recognized so the executor can refuse it
		// with unwillingToPerform instead of a decode failure.
		return &Filter{Kind: FilterExtensible}, nil

	default:
		return nil, fmt.Errorf("ldap: unknown filter tag %d", tag)
	}
}

// parseFilterSet decodes the children of an and/or/not filter.
func parseFilterSet(inner []byte) ([]*Filter, error) {
	var subs []*Filter
	r := bytes.NewReader(inner)
	for r.Len() > 0 {
		tlv, err := ber.ReadTLV(r)
		if err != nil {
			return nil, err
		}
		sub, err := parseFilter(tlv)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// parseAssertion decodes an AttributeValueAssertion.
func parseAssertion(inner []byte) (attr, value string, err error) {
	r := bytes.NewReader(inner)
	a, err := ber.ReadTLV(r)
	if err != nil {
		return "", "", err
	}
	v, err := ber.ReadTLV(r)
	if err != nil {
		return "", "", err
	}
	return string(a.Value), string(v.Value), nil
}

// parseSubstrings decodes a SubstringFilter.
func parseSubstrings(inner []byte) (*Filter, error) {
	r := bytes.NewReader(inner)
	attrTLV, err := ber.ReadTLV(r)
	if err != nil {
		return nil, err
	}
	seqTLV, err := ber.ReadTLV(r)
	if err != nil {
		return nil, err
	}
	if seqTLV.Tag != ber.ClassUniversal|ber.Constructed|ber.TagSequence {
		return nil, fmt.Errorf("ldap: substring sequence has tag 0x%02x", seqTLV.Tag)
	}

	f := &Filter{Kind: FilterSubstrings, Attr: string(attrTLV.Value)}
	rr := bytes.NewReader(seqTLV.Value)
	for rr.Len() > 0 {
		ch, err := ber.ReadTLV(rr)
		if err != nil {
			return nil, err
		}
		if ch.Class() != ber.ClassContextSpecific {
			return nil, fmt.Errorf("ldap: substring choice has tag 0x%02x", ch.Tag)
		}
		s := string(ch.Value)
		switch ch.TagNumber() {
		case 0:
			if f.SubInitial != nil {
				return nil, fmt.Errorf("ldap: duplicate initial substring")
			}
			f.SubInitial = &s
		case 1:
			f.SubAny = append(f.SubAny, s)
		case 2:
			if f.SubFinal != nil {
				return nil, fmt.Errorf("ldap: duplicate final substring")
			}
			f.SubFinal = &s
		default:
			return nil, fmt.Errorf("ldap: unknown substring choice %d", ch.TagNumber())
		}
	}
	return f, nil
}

func filterKindName(k FilterKind) string {
	switch k {
	case FilterAnd:
		return "and"
	case FilterOr:
		return "or"
	case FilterNot:
		return "not"
	case FilterEquality:
		return "equality"
	case FilterSubstrings:
		return "substrings"
	case FilterGreaterOrEqual:
		return "greaterOrEqual"
	case FilterLessOrEqual:
		return "lessOrEqual"
	case FilterPresent:
		return "present"
	case FilterApprox:
		return "approx"
	case FilterExtensible:
		return "extensible"
	default:
		return "unknown"
	}
}

// String renders the filter in RFC 4515 text form for logging.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	var b strings.Builder
	f.writeTo(&b)
	return b.String()
}

func (f *Filter) writeTo(b *strings.Builder) {
	b.WriteByte('(')
	switch f.Kind {
	case FilterAnd, FilterOr:
		if f.Kind == FilterAnd {
			b.WriteByte('&')
		} else {
			b.WriteByte('|')
		}
		for _, s := range f.Subs {
			s.writeTo(b)
		}
	case FilterNot:
		b.WriteByte('!')
		f.Subs[0].writeTo(b)
	case FilterEquality:
		fmt.Fprintf(b, "%s=%s", f.Attr, f.Value)
	case FilterGreaterOrEqual:
		fmt.Fprintf(b, "%s>=%s", f.Attr, f.Value)
	case FilterLessOrEqual:
		fmt.Fprintf(b, "%s<=%s", f.Attr, f.Value)
	case FilterApprox:
		fmt.Fprintf(b, "%s~=%s", f.Attr, f.Value)
	case FilterPresent:
		fmt.Fprintf(b, "%s=*", f.Attr)
	case FilterSubstrings:
		b.WriteString(f.Attr)
		b.WriteByte('=')
		if f.SubInitial != nil {
			b.WriteString(*f.SubInitial)
		}
		for _, any := range f.SubAny {
			b.WriteByte('*')
			b.WriteString(any)
		}
		b.WriteByte('*')
		if f.SubFinal != nil {
			b.WriteString(*f.SubFinal)
		}
	case FilterExtensible:
		b.WriteString("extensible")
	}
	b.WriteByte(')')
}
