package segmentation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// MaxDepth bounds how deeply groups may nest.
const MaxDepth = 8

const rootPath = "conditions"

// ErrInvalidConditions matches any validation error produced by this package.
var ErrInvalidConditions = errors.New("invalid segment conditions")

// FieldError is one structural problem in a condition tree.
type FieldError struct {
	Path    string `json:"path"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Path, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Is lets errors.Is(err, ErrInvalidConditions) match any field error.
func (e *FieldError) Is(target error) bool { return target == ErrInvalidConditions }

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []FieldError

func (v *ValidationErrors) add(path, field, msg string) {
	*v = append(*v, FieldError{Path: path, Field: field, Message: msg})
}

// Err folds the problems into a single error, or nil when there are none.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	var result *multierror.Error
	for i := range v {
		fe := v[i]
		result = multierror.Append(result, &fe)
	}
	result.ErrorFormat = formatProblems
	return result
}

func formatProblems(es []error) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d condition problem(s): %s", len(es), strings.Join(parts, "; "))
}

// Problems extracts the field errors carried by err.
func Problems(err error) ValidationErrors {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		var out ValidationErrors
		for _, e := range merr.Errors {
			var fe *FieldError
			if errors.As(e, &fe) {
				out = append(out, *fe)
			}
		}
		return out
	}
	var fe *FieldError
	if errors.As(err, &fe) {
		return ValidationErrors{*fe}
	}
	return nil
}

// Validate checks a tree against the attribute schema and returns every
// problem found.
func Validate(n Node) ValidationErrors {
	var errs ValidationErrors
	validateNode(n, rootPath, 1, &errs)
	return errs
}

func validateNode(n Node, path string, depth int, errs *ValidationErrors) {
	if depth > MaxDepth {
		errs.add(path, "", fmt.Sprintf("conditions nest deeper than %d levels", MaxDepth))
		return
	}
	switch v := n.(type) {
	case nil:
		errs.add(path, "", "condition is missing")
	case *Compare:
		validateCompare(v, path, errs)
	case *And:
		validateGroup(v.Children, "and", path, depth, errs)
	case *Or:
		validateGroup(v.Children, "or", path, depth, errs)
	case *Not:
		if v.Child == nil {
			errs.add(path, "", "not must have exactly one child")
			return
		}
		validateNode(v.Child, path+".child", depth+1, errs)
	default:
		errs.add(path, "", fmt.Sprintf("unsupported condition %T", n))
	}
}

func validateGroup(children []Node, kind, path string, depth int, errs *ValidationErrors) {
	if len(children) == 0 {
		errs.add(path, "", kind+" group must contain at least one condition")
		return
	}
	for i, c := range children {
		validateNode(c, childPath(path, i), depth+1, errs)
	}
}

func validateCompare(c *Compare, path string, errs *ValidationErrors) {
	attr, attrOK := LookupAttribute(c.Field)
	if c.Field == "" {
		errs.add(path, "", "field is required")
	} else if !attrOK {
		errs.add(path, c.Field, fmt.Sprintf("unknown attribute %q", c.Field))
	}
	md, opOK := LookupOperator(c.Operator)
	if c.Operator == "" {
		errs.add(path, c.Field, "operator is required")
	} else if !opOK {
		errs.add(path, c.Field, fmt.Sprintf("unknown operator %q", c.Operator))
	}
	if !attrOK || !opOK {
		return
	}
	if !md.AppliesTo(attr.Type) {
		errs.add(path, c.Field, fmt.Sprintf("operator %q cannot be applied to %s attribute", c.Operator, attr.Type))
		return
	}

	switch md.Shape {
	case ValueNone:
	case ValueSingle:
		if isBlank(c.Value) {
			errs.add(path, c.Field, "value is required")
			return
		}
		if msg := checkOperand(attr.Type, c.Value); msg != "" {
			errs.add(path, c.Field, msg)
		}
	case ValueDays:
		if _, ok := asDays(c.Value); !ok {
			errs.add(path, c.Field, "value must be a positive whole number of days")
		}
	case ValuePair:
		if len(c.Values) != 2 {
			errs.add(path, c.Field, fmt.Sprintf("operator %q requires exactly two values", c.Operator))
			return
		}
		for _, v := range c.Values {
			if msg := checkOperand(attr.Type, v); msg != "" {
				errs.add(path, c.Field, msg)
			}
		}
		lo, _ := asFloat(c.Values[0])
		hi, _ := asFloat(c.Values[1])
		if lo > hi {
			errs.add(path, c.Field, "range lower bound exceeds upper bound")
		}
	case ValueList:
		if len(c.Values) == 0 {
			errs.add(path, c.Field, fmt.Sprintf("operator %q requires at least one value", c.Operator))
			return
		}
		for i, v := range c.Values {
			if _, ok := v.(string); !ok || isBlank(v) {
				errs.add(path, c.Field, fmt.Sprintf("values[%d] must be a non-empty string", i))
			}
		}
	}
}

func checkOperand(t FieldType, v any) string {
	switch t {
	case FieldNumber:
		if _, ok := asFloat(v); !ok {
			return fmt.Sprintf("value %v is not a number", v)
		}
	case FieldDate:
		if _, ok := asTime(v); !ok {
			return fmt.Sprintf("value %v is not a date (YYYY-MM-DD or RFC 3339)", v)
		}
	case FieldString:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("value %v is not a string", v)
		}
	}
	return ""
}

func childPath(path string, i int) string {
	return fmt.Sprintf("%s.children[%d]", path, i)
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, !math.IsNaN(f) && !math.IsInf(f, 0)
		}
	}
	return 0, false
}

func asDays(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok || f < 1 || f != math.Trunc(f) || f > 36500 {
		return 0, false
	}
	return int(f), true
}

var dateLayouts = []string{time.RFC3339, "2006-01-02"}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
