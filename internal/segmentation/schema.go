package segmentation

import "sort"

// Category groups attributes for operator tooling.
type Category string

const (
	CategoryDemographic Category = "demographic"
	CategoryBehavioral  Category = "behavioral"
	CategoryEngagement  Category = "engagement"
	CategoryPreference  Category = "preference"
)

// Attribute is one user attribute a condition may reference. Expr is the SQL
// expression over the users table (alias u) and preferences table (alias p).
type Attribute struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Category Category  `json:"category"`
	Expr     string    `json:"-"`
}

var attributes = map[string]Attribute{
	"first_name": {"first_name", FieldString, CategoryDemographic, "u.first_name"},
	"last_name":  {"last_name", FieldString, CategoryDemographic, "u.last_name"},
	"gender":     {"gender", FieldString, CategoryDemographic, "u.gender"},
	"age":        {"age", FieldNumber, CategoryDemographic, "DATE_PART('year', AGE(u.birth_date))"},
	"birth_date": {"birth_date", FieldDate, CategoryDemographic, "u.birth_date"},
	"country":    {"country", FieldString, CategoryDemographic, "u.country"},
	"city":       {"city", FieldString, CategoryDemographic, "u.city"},
	"language":   {"language", FieldString, CategoryDemographic, "u.language"},

	"signup_date":       {"signup_date", FieldDate, CategoryBehavioral, "u.created_at"},
	"last_login_at":     {"last_login_at", FieldDate, CategoryBehavioral, "u.last_login_at"},
	"profile_completed": {"profile_completed", FieldBoolean, CategoryBehavioral, "u.profile_completed"},
	"is_premium":        {"is_premium", FieldBoolean, CategoryBehavioral, "u.is_premium"},
	"match_count":       {"match_count", FieldNumber, CategoryBehavioral, "u.match_count"},
	"like_count":        {"like_count", FieldNumber, CategoryBehavioral, "u.like_count"},
	"interests":         {"interests", FieldTags, CategoryBehavioral, "u.interests"},

	"emails_opened_30d": {"emails_opened_30d", FieldNumber, CategoryEngagement,
		"(SELECT COUNT(*) FROM delivery_records dr WHERE dr.user_id = u.id AND dr.first_opened_at >= NOW() - INTERVAL '30 days')"},
	"emails_clicked_30d": {"emails_clicked_30d", FieldNumber, CategoryEngagement,
		"(SELECT COUNT(*) FROM delivery_records dr WHERE dr.user_id = u.id AND dr.first_clicked_at >= NOW() - INTERVAL '30 days')"},
	"last_email_open_at": {"last_email_open_at", FieldDate, CategoryEngagement,
		"(SELECT MAX(dr.last_opened_at) FROM delivery_records dr WHERE dr.user_id = u.id)"},
	"last_email_click_at": {"last_email_click_at", FieldDate, CategoryEngagement,
		"(SELECT MAX(dr.last_clicked_at) FROM delivery_records dr WHERE dr.user_id = u.id)"},

	"marketing_consent": {"marketing_consent", FieldBoolean, CategoryPreference, "p.marketing_consent"},
	"email_verified":    {"email_verified", FieldBoolean, CategoryPreference, "p.email_verified"},
}

// LookupAttribute returns the attribute named name.
func LookupAttribute(name string) (Attribute, bool) {
	a, ok := attributes[name]
	return a, ok
}

// AttributeList returns every known attribute sorted by name.
func AttributeList() []Attribute {
	out := make([]Attribute, 0, len(attributes))
	for _, a := range attributes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
