package segmentation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Predicate selects an audience. A nil Root selects the default audience:
// users with marketing consent, no hard bounce, not unsubscribed and a
// verified address.
type Predicate struct {
	Root Node
}

// DefaultPredicate returns the audience used by campaigns without a segment.
func DefaultPredicate() Predicate { return Predicate{} }

// IsDefault reports whether p is the fixed default audience.
func (p Predicate) IsDefault() bool { return p.Root == nil }

// Hash is a stable cache key for the predicate.
func (p Predicate) Hash() string {
	if p.IsDefault() {
		return "default"
	}
	return HashQuery(p.Root)
}

const (
	recipientFrom = `
FROM users u
JOIN user_email_preferences p ON p.user_id = u.id`

	// Every audience excludes deleted users and suppressed addresses.
	baseWhere = `u.deleted_at IS NULL
  AND u.email <> ''
  AND p.hard_bounced = FALSE
  AND p.unsubscribed = FALSE`

	defaultWhere = `p.marketing_consent = TRUE
  AND p.email_verified = TRUE`
)

// QueryBuilder builds SQL queries from condition trees.
type QueryBuilder struct {
	args       []interface{}
	argCounter int
}

// NewQueryBuilder creates a new QueryBuilder
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{
		args:       make([]interface{}, 0),
		argCounter: 1,
	}
}

func (qb *QueryBuilder) reset() {
	qb.args = make([]interface{}, 0)
	qb.argCounter = 1
}

// nextArg returns the next argument placeholder
func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

// BuildCountQuery builds an exact COUNT query for the predicate.
func (qb *QueryBuilder) BuildCountQuery(p Predicate) (string, []interface{}, error) {
	qb.reset()
	where, err := qb.where(p)
	if err != nil {
		return "", nil, err
	}
	query := "SELECT COUNT(*)" + recipientFrom + "\nWHERE " + where
	return query, qb.args, nil
}

// BuildSelectQuery builds the recipient query ordered by user id. A limit of
// zero returns every match.
func (qb *QueryBuilder) BuildSelectQuery(p Predicate, limit int) (string, []interface{}, error) {
	qb.reset()
	where, err := qb.where(p)
	if err != nil {
		return "", nil, err
	}
	query := "SELECT u.id, u.email" + recipientFrom + "\nWHERE " + where + "\nORDER BY u.id"
	if limit > 0 {
		query += "\nLIMIT " + qb.nextArg(limit)
	}
	return query, qb.args, nil
}

func (qb *QueryBuilder) where(p Predicate) (string, error) {
	conditions := []string{baseWhere}
	if p.IsDefault() {
		conditions = append(conditions, defaultWhere)
	} else {
		cond, err := qb.buildNode(p.Root)
		if err != nil {
			return "", err
		}
		conditions = append(conditions, "("+cond+")")
	}
	return strings.Join(conditions, "\n  AND "), nil
}

func (qb *QueryBuilder) buildNode(n Node) (string, error) {
	switch v := n.(type) {
	case *Compare:
		return qb.buildCompare(v)
	case *And:
		return qb.buildGroup(v.Children, " AND ")
	case *Or:
		return qb.buildGroup(v.Children, " OR ")
	case *Not:
		inner, err := qb.buildNode(v.Child)
		if err != nil {
			return "", err
		}
		// NULL comparisons count as false before negation.
		return "NOT COALESCE((" + inner + "), FALSE)", nil
	case nil:
		return "", fmt.Errorf("nil condition")
	default:
		return "", fmt.Errorf("unsupported condition %T", n)
	}
}

func (qb *QueryBuilder) buildGroup(children []Node, op string) (string, error) {
	if len(children) == 0 {
		return "", fmt.Errorf("empty condition group")
	}
	parts := make([]string, 0, len(children))
	for _, c := range children {
		sql, err := qb.buildNode(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+sql+")")
	}
	return strings.Join(parts, op), nil
}

func (qb *QueryBuilder) buildCompare(c *Compare) (string, error) {
	attr, ok := LookupAttribute(c.Field)
	if !ok {
		return "", fmt.Errorf("unknown attribute %q", c.Field)
	}
	field := attr.Expr

	switch c.Operator {
	// String operators
	case OpEquals, OpNotEquals:
		op := "="
		if c.Operator == OpNotEquals {
			op = "<>"
		}
		if attr.Type == FieldNumber {
			f, ok := asFloat(c.Value)
			if !ok {
				return "", fmt.Errorf("%s: value is not a number", c.Field)
			}
			return fmt.Sprintf("%s %s %s", field, op, qb.nextArg(f)), nil
		}
		return fmt.Sprintf("%s %s %s", field, op, qb.nextArg(fmt.Sprint(c.Value))), nil
	case OpContains:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg("%"+escapeLike(c.Value)+"%")), nil
	case OpNotContains:
		return fmt.Sprintf("%s NOT ILIKE %s", field, qb.nextArg("%"+escapeLike(c.Value)+"%")), nil
	case OpStartsWith:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg(escapeLike(c.Value)+"%")), nil
	case OpEndsWith:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg("%"+escapeLike(c.Value))), nil
	case OpIn:
		return fmt.Sprintf("%s IN (%s)", field, qb.placeholders(c.Values)), nil
	case OpIsEmpty:
		return fmt.Sprintf("(%s IS NULL OR %s = '')", field, field), nil
	case OpIsNotEmpty:
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", field, field), nil

	// Numeric operators
	case OpGt, OpGte, OpLt, OpLte:
		f, ok := asFloat(c.Value)
		if !ok {
			return "", fmt.Errorf("%s: value is not a number", c.Field)
		}
		return fmt.Sprintf("%s %s %s", field, comparison[c.Operator], qb.nextArg(f)), nil
	case OpBetween:
		if len(c.Values) != 2 {
			return "", fmt.Errorf("%s: between requires two values", c.Field)
		}
		lo, lok := asFloat(c.Values[0])
		hi, hok := asFloat(c.Values[1])
		if !lok || !hok {
			return "", fmt.Errorf("%s: range is not numeric", c.Field)
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", field, qb.nextArg(lo), qb.nextArg(hi)), nil

	// Date operators
	case OpDateBefore, OpDateAfter:
		t, ok := asTime(c.Value)
		if !ok {
			return "", fmt.Errorf("%s: value is not a date", c.Field)
		}
		op := "<"
		if c.Operator == OpDateAfter {
			op = ">"
		}
		return fmt.Sprintf("%s %s %s", field, op, qb.nextArg(t)), nil
	case OpInLastDays, OpMoreThanDaysAgo:
		days, ok := asDays(c.Value)
		if !ok {
			return "", fmt.Errorf("%s: value is not a day count", c.Field)
		}
		op := ">="
		if c.Operator == OpMoreThanDaysAgo {
			op = "<"
		}
		return fmt.Sprintf("%s %s NOW() - (%s * INTERVAL '1 day')", field, op, qb.nextArg(days)), nil

	// Tag operators
	case OpContainsAny:
		return fmt.Sprintf("%s && ARRAY[%s]::text[]", field, qb.placeholders(c.Values)), nil
	case OpContainsAll:
		return fmt.Sprintf("%s @> ARRAY[%s]::text[]", field, qb.placeholders(c.Values)), nil
	case OpNotContainsAny:
		return fmt.Sprintf("NOT (%s && ARRAY[%s]::text[])", field, qb.placeholders(c.Values)), nil

	// Boolean operators
	case OpIsTrue:
		return fmt.Sprintf("%s = TRUE", field), nil
	case OpIsFalse:
		return fmt.Sprintf("%s = FALSE", field), nil

	// NULL checks
	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", field), nil
	case OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", field), nil
	}
	return "", fmt.Errorf("unsupported operator: %s", c.Operator)
}

var comparison = map[Operator]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}

func (qb *QueryBuilder) placeholders(values []any) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = qb.nextArg(fmt.Sprint(v))
	}
	return strings.Join(ph, ", ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(v any) string {
	return likeEscaper.Replace(fmt.Sprint(v))
}

// HashQuery generates a deterministic hash of a tree for caching.
func HashQuery(n Node) string {
	data, err := MarshalTree(n)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", n))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
