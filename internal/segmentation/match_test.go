package segmentation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatchAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	user := Attributes{
		"first_name":    "Ada",
		"country":       "US",
		"age":           31.0,
		"is_premium":    false,
		"interests":     []string{"hiking", "jazz"},
		"last_login_at": now.Add(-48 * time.Hour),
		"signup_date":   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	cases := []struct {
		name string
		node Node
		want bool
	}{
		{"equals", &Compare{Field: "country", Operator: OpEquals, Value: "US"}, true},
		{"equals is case sensitive", &Compare{Field: "country", Operator: OpEquals, Value: "us"}, false},
		{"contains ignores case", &Compare{Field: "first_name", Operator: OpContains, Value: "DA"}, true},
		{"in", &Compare{Field: "country", Operator: OpIn, Values: []any{"CA", "US"}}, true},
		{"gte", &Compare{Field: "age", Operator: OpGte, Value: 31.0}, true},
		{"between inclusive", &Compare{Field: "age", Operator: OpBetween, Values: []any{25.0, 31.0}}, true},
		{"numeric string operand", &Compare{Field: "age", Operator: OpLt, Value: "30"}, false},
		{"is_false", &Compare{Field: "is_premium", Operator: OpIsFalse}, true},
		{"in_last_days", &Compare{Field: "last_login_at", Operator: OpInLastDays, Value: 7.0}, true},
		{"more_than_days_ago", &Compare{Field: "last_login_at", Operator: OpMoreThanDaysAgo, Value: 7.0}, false},
		{"date_before", &Compare{Field: "signup_date", Operator: OpDateBefore, Value: "2025-01-01"}, true},
		{"contains_all", &Compare{Field: "interests", Operator: OpContainsAll, Values: []any{"jazz", "chess"}}, false},
		{"not_contains_any", &Compare{Field: "interests", Operator: OpNotContainsAny, Values: []any{"chess"}}, true},
		{"missing attribute compares false", &Compare{Field: "city", Operator: OpNotEquals, Value: "Paris"}, false},
		{"not of missing attribute", &Not{Child: &Compare{Field: "city", Operator: OpEquals, Value: "Paris"}}, true},
		{"is_null on missing", &Compare{Field: "city", Operator: OpIsNull}, true},
		{"is_empty on missing", &Compare{Field: "city", Operator: OpIsEmpty}, true},
		{"and", &And{Children: []Node{
			&Compare{Field: "country", Operator: OpEquals, Value: "US"},
			&Compare{Field: "age", Operator: OpGt, Value: 40.0},
		}}, false},
		{"or", &Or{Children: []Node{
			&Compare{Field: "country", Operator: OpEquals, Value: "FR"},
			&Compare{Field: "interests", Operator: OpContainsAny, Values: []any{"jazz"}},
		}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchAt(tc.node, user, now))
		})
	}
}
