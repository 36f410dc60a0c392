// Package mailing renders campaign content with the Liquid template language,
// rewrites links for open and click tracking, and loads stored templates.
package mailing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// ErrMissingMergeField is returned by strict rendering when content references
// a merge field the recipient does not have.
var ErrMissingMergeField = errors.New("missing merge field")

// MissingFieldsError lists every unresolved merge field in one render.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingMergeField, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Is(target error) bool { return target == ErrMissingMergeField }

// TemplateEngine renders Liquid content strictly: a referenced variable that
// is absent from the merge fields fails the render instead of printing blank.
// A variable piped through the default filter may be absent.
type TemplateEngine struct {
	engine *liquid.Engine
	cache  sync.Map // content hash -> *liquid.Template
}

var (
	varPattern    = regexp.MustCompile(`\{\{-?\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*([^}]*)-?\}\}`)
	assignPattern = regexp.MustCompile(`\{%-?\s*(?:assign|capture)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	forPattern    = regexp.MustCompile(`\{%-?\s*for\s+([a-zA-Z_][a-zA-Z0-9_]*)\s+in\b`)
	defaultFilter = regexp.MustCompile(`\|\s*default\b`)
)

// NewTemplateEngine creates an engine with the custom filters registered.
func NewTemplateEngine() *TemplateEngine {
	te := &TemplateEngine{engine: liquid.NewEngine()}
	te.registerFilters()
	return te
}

func (te *TemplateEngine) registerFilters() {
	// {{ first_name | default: "Friend" }}
	te.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s, ok := value.(string); ok && s == "" {
			return defaultVal
		}
		return value
	})

	te.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	te.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	te.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	te.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ count | number_with_delimiter }}
	te.engine.RegisterFilter("number_with_delimiter", func(value interface{}) string {
		var n int64
		switch v := value.(type) {
		case int:
			n = int64(v)
		case int64:
			n = v
		case float64:
			n = int64(v)
		case string:
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return v
			}
			n = parsed
		default:
			return fmt.Sprintf("%v", value)
		}

		str := strconv.FormatInt(n, 10)
		neg := n < 0
		if neg {
			str = str[1:]
		}
		var b strings.Builder
		for i, c := range str {
			if i > 0 && (len(str)-i)%3 == 0 {
				b.WriteRune(',')
			}
			b.WriteRune(c)
		}
		if neg {
			return "-" + b.String()
		}
		return b.String()
	})
}

// Parse compiles content and returns any syntax error.
func (te *TemplateEngine) Parse(content string) error {
	_, err := te.template(content)
	return err
}

// Render processes content with the given merge fields.
func (te *TemplateEngine) Render(content string, fields map[string]interface{}) (string, error) {
	if missing := MissingFields(content, fields); len(missing) > 0 {
		return "", &MissingFieldsError{Fields: missing}
	}
	tpl, err := te.template(content)
	if err != nil {
		return "", err
	}
	out, err := tpl.RenderString(fields)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func (te *TemplateEngine) template(content string) (*liquid.Template, error) {
	sum := sha256.Sum256([]byte(content))
	key := hex.EncodeToString(sum[:])
	if cached, ok := te.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := te.engine.ParseString(content)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	te.cache.Store(key, tpl)
	return tpl, nil
}

// MissingFields returns the sorted merge fields content needs that fields
// lacks. Names bound inside the template and variables with a default filter
// are ignored.
func MissingFields(content string, fields map[string]interface{}) []string {
	bound := make(map[string]bool)
	for _, m := range assignPattern.FindAllStringSubmatch(content, -1) {
		bound[m[1]] = true
	}
	for _, m := range forPattern.FindAllStringSubmatch(content, -1) {
		bound[m[1]] = true
	}

	seen := make(map[string]bool)
	var missing []string
	for _, m := range varPattern.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if seen[name] || defaultFilter.MatchString(m[2]) {
			continue
		}
		seen[name] = true
		root := strings.SplitN(name, ".", 2)[0]
		if bound[root] || isLiquidKeyword(root) {
			continue
		}
		if !fieldExists(name, fields) {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func fieldExists(path string, fields map[string]interface{}) bool {
	var current interface{} = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		v, ok := m[part]
		if !ok {
			return false
		}
		current = v
	}
	return true
}

func isLiquidKeyword(name string) bool {
	switch strings.ToLower(name) {
	case "forloop", "tablerowloop", "empty", "blank", "true", "false", "nil", "null":
		return true
	}
	return false
}
