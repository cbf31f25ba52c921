package triage

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/match"
)

// Comparator is how a condition compares a report value with its literal.
type Comparator string

const (
	CompareEqual        Comparator = "eq"
	CompareNotEqual     Comparator = "ne"
	CompareContains     Comparator = "contains"
	CompareRegex        Comparator = "regex"
	CompareGlob         Comparator = "glob"
	CompareLess         Comparator = "lt"
	CompareLessEqual    Comparator = "le"
	CompareGreater      Comparator = "gt"
	CompareGreaterEqual Comparator = "ge"
)

var comparatorAliases = map[string]Comparator{
	"eq":           CompareEqual,
	"equal":        CompareEqual,
	"==":           CompareEqual,
	"ne":           CompareNotEqual,
	"notequal":     CompareNotEqual,
	"!=":           CompareNotEqual,
	"contains":     CompareContains,
	"regex":        CompareRegex,
	"glob":         CompareGlob,
	"lt":           CompareLess,
	"lessthan":     CompareLess,
	"<":            CompareLess,
	"le":           CompareLessEqual,
	"lessequal":    CompareLessEqual,
	"<=":           CompareLessEqual,
	"gt":           CompareGreater,
	"greaterthan":  CompareGreater,
	">":            CompareGreater,
	"ge":           CompareGreaterEqual,
	"greaterequal": CompareGreaterEqual,
	">=":           CompareGreaterEqual,
}

// ParseComparator accepts the short names and their long aliases, case
// insensitively.
func ParseComparator(s string) (Comparator, error) {
	c, ok := comparatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidComparator, s)
	}
	return c, nil
}

// Valid reports whether c is one of the known comparators.
func (c Comparator) Valid() bool {
	switch c {
	case CompareEqual, CompareNotEqual, CompareContains, CompareRegex, CompareGlob,
		CompareLess, CompareLessEqual, CompareGreater, CompareGreaterEqual:
		return true
	}
	return false
}

// Apply compares a report value v against the condition literal lit. Values
// that cannot be compared never match.
func (c Comparator) Apply(v, lit string) bool {
	switch c {
	case CompareEqual:
		return v == lit
	case CompareNotEqual:
		return v != lit
	case CompareContains:
		return strings.Contains(v, lit)
	case CompareRegex:
		re := compileCached(lit)
		return re != nil && re.MatchString(v)
	case CompareGlob:
		return match.Match(v, lit)
	case CompareLess, CompareLessEqual, CompareGreater, CompareGreaterEqual:
		cmp, ok := compareOrdered(v, lit)
		if !ok {
			return false
		}
		switch c {
		case CompareLess:
			return cmp < 0
		case CompareLessEqual:
			return cmp <= 0
		case CompareGreater:
			return cmp > 0
		default:
			return cmp >= 0
		}
	}
	return false
}

// compareOrdered compares a and b as dotted version strings when both contain
// a dot (so 1.10 > 1.9), otherwise as numbers, then as versions.
func compareOrdered(a, b string) (int, bool) {
	if strings.Contains(a, ".") && strings.Contains(b, ".") {
		if c, ok := compareVersions(a, b); ok {
			return c, true
		}
	}
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		if math.IsNaN(fa) || math.IsNaN(fb) {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	return compareVersions(a, b)
}

func compareVersions(a, b string) (int, bool) {
	va, okA := parseVersion(a)
	vb, okB := parseVersion(b)
	if !okA || !okB {
		return 0, false
	}
	for i := range max(len(va), len(vb)) {
		var x, y uint64
		if i < len(va) {
			x = va[i]
		}
		if i < len(vb) {
			y = vb[i]
		}
		if x != y {
			if x < y {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, true
}

func parseVersion(s string) ([]uint64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// regexCache holds compiled patterns; invalid patterns are cached as nil.
var regexCache sync.Map

func compileCached(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}
