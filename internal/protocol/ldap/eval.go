package ldap

import "strings"

// Matches evaluates a filter against projected entry attributes. Keys in
// attrs are lowercase attribute names; values keep their original case.
//
// Matching follows the caseIgnore semantics of the default LDAP string
// syntax: equality, substrings and ordering comparisons ignore case.
// Unknown attributes and unknown filter kinds evaluate to false.
func Matches(f *Filter, attrs map[string][]string) bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case FilterAnd:
		for _, s := range f.Subs {
			if !Matches(s, attrs) {
				return false
			}
		}
		return true

	case FilterOr:
		for _, s := range f.Subs {
			if Matches(s, attrs) {
				return true
			}
		}
		return false

	case FilterNot:
		return !Matches(f.Subs[0], attrs)

	case FilterPresent:
		for _, v := range attrs[normalizeAttr(f.Attr)] {
			if v != "" {
				return true
			}
		}
		return false

	case FilterEquality, FilterApprox:
		want := NormalizeAssertion(f.Value)
		for _, v := range attrs[normalizeAttr(f.Attr)] {
			if strings.EqualFold(v, want) {
				return true
			}
		}
		return false

	case FilterGreaterOrEqual:
		want := strings.ToLower(NormalizeAssertion(f.Value))
		for _, v := range attrs[normalizeAttr(f.Attr)] {
			if strings.ToLower(v) >= want {
				return true
			}
		}
		return false

	case FilterLessOrEqual:
		want := strings.ToLower(NormalizeAssertion(f.Value))
		for _, v := range attrs[normalizeAttr(f.Attr)] {
			if strings.ToLower(v) <= want {
				return true
			}
		}
		return false

	case FilterSubstrings:
		vals := attrs[normalizeAttr(f.Attr)]
		if len(vals) == 0 {
			return false
		}
		// Multi-valued attributes are joined with a single space before
		// substring matching.
		haystack := strings.ToLower(strings.Join(vals, " "))
		return matchSubstrings(f, haystack)

	default:
		return false
	}
}

// matchSubstrings checks initial/any/final segments in order.
func matchSubstrings(f *Filter, haystack string) bool {
	i := 0
	if f.SubInitial != nil {
		prefix := strings.ToLower(NormalizeAssertion(*f.SubInitial))
		if !strings.HasPrefix(haystack, prefix) {
			return false
		}
		i = len(prefix)
	}
	for _, seg := range f.SubAny {
		seg = strings.ToLower(NormalizeAssertion(seg))
		idx := strings.Index(haystack[i:], seg)
		if idx < 0 {
			return false
		}
		i += idx + len(seg)
	}
	if f.SubFinal != nil {
		suffix := strings.ToLower(NormalizeAssertion(*f.SubFinal))
		if !strings.HasSuffix(haystack[i:], suffix) {
			return false
		}
	}
	return true
}

// normalizeAttr prepares an attribute description for lookup: framing
// bytes stripped, lowercased, and any attribute options (";binary" etc.)
// removed.
func normalizeAttr(name string) string {
	name = NormalizeAssertion(name)
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}

// NormalizeAssertion strips stray framing bytes that some clients leak
// into attribute descriptions and assertion values (NULs and other
// control octets at either end).
func NormalizeAssertion(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return r < 0x20 || r == 0x7F
	})
}
