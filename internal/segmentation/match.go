package segmentation

import (
	"strings"
	"time"
)

// Attributes is an in-memory view of one user, keyed by attribute name.
// Values are string, float64 (or int), bool, time.Time, []string or nil.
type Attributes map[string]any

// Match evaluates a validated tree against attrs using the current time.
func Match(n Node, attrs Attributes) bool {
	return MatchAt(n, attrs, time.Now())
}

// MatchAt evaluates a validated tree against attrs with a fixed clock.
// A comparison against a missing attribute is false, and NOT of such a
// comparison is true, matching the SQL compiled by QueryBuilder.
func MatchAt(n Node, attrs Attributes, now time.Time) bool {
	switch v := n.(type) {
	case *Compare:
		return matchCompare(v, attrs, now)
	case *And:
		for _, c := range v.Children {
			if !MatchAt(c, attrs, now) {
				return false
			}
		}
		return true
	case *Or:
		for _, c := range v.Children {
			if MatchAt(c, attrs, now) {
				return true
			}
		}
		return false
	case *Not:
		return !MatchAt(v.Child, attrs, now)
	}
	return false
}

func matchCompare(c *Compare, attrs Attributes, now time.Time) bool {
	raw, present := attrs[c.Field]
	if !present {
		raw = nil
	}

	switch c.Operator {
	case OpIsNull:
		return raw == nil
	case OpIsNotNull:
		return raw != nil
	case OpIsEmpty:
		s, _ := raw.(string)
		return raw == nil || s == ""
	case OpIsNotEmpty:
		s, _ := raw.(string)
		return s != ""
	}
	if raw == nil {
		return false
	}

	switch c.Operator {
	case OpEquals, OpNotEquals:
		eq, ok := equalValues(raw, c.Value)
		if !ok {
			return false
		}
		return eq == (c.Operator == OpEquals)
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		s, ok := raw.(string)
		needle, nok := c.Value.(string)
		if !ok || !nok {
			return false
		}
		s, needle = strings.ToLower(s), strings.ToLower(needle)
		switch c.Operator {
		case OpContains:
			return strings.Contains(s, needle)
		case OpNotContains:
			return !strings.Contains(s, needle)
		case OpStartsWith:
			return strings.HasPrefix(s, needle)
		default:
			return strings.HasSuffix(s, needle)
		}
	case OpIn:
		s, ok := raw.(string)
		if !ok {
			return false
		}
		for _, v := range c.Values {
			if vs, _ := v.(string); vs == s {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := asFloat(raw)
		b, bok := asFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpBetween:
		a, aok := asFloat(raw)
		if !aok || len(c.Values) != 2 {
			return false
		}
		lo, lok := asFloat(c.Values[0])
		hi, hok := asFloat(c.Values[1])
		return lok && hok && a >= lo && a <= hi
	case OpDateBefore, OpDateAfter:
		t, tok := asTime(raw)
		ref, rok := asTime(c.Value)
		if !tok || !rok {
			return false
		}
		if c.Operator == OpDateBefore {
			return t.Before(ref)
		}
		return t.After(ref)
	case OpInLastDays, OpMoreThanDaysAgo:
		t, tok := asTime(raw)
		days, dok := asDays(c.Value)
		if !tok || !dok {
			return false
		}
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
		if c.Operator == OpInLastDays {
			return !t.Before(cutoff)
		}
		return t.Before(cutoff)
	case OpContainsAny, OpContainsAll, OpNotContainsAny:
		tags, ok := raw.([]string)
		if !ok {
			return false
		}
		have := make(map[string]bool, len(tags))
		for _, t := range tags {
			have[t] = true
		}
		hits := 0
		for _, v := range c.Values {
			if s, _ := v.(string); have[s] {
				hits++
			}
		}
		switch c.Operator {
		case OpContainsAny:
			return hits > 0
		case OpContainsAll:
			return hits == len(c.Values)
		default:
			return hits == 0
		}
	case OpIsTrue, OpIsFalse:
		b, ok := raw.(bool)
		return ok && b == (c.Operator == OpIsTrue)
	}
	return false
}

func equalValues(a, b any) (bool, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return as == bs, ok
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false, false
	}
	return af == bf, true
}
