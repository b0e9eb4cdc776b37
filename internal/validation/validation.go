// Package validation checks mutation payloads against per-entity rule tables
// before they reach the network or the offline queue.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/kimhsiao/offlinesync/internal/errors"
)

// Rules describes the checks applied to one entity type. Checks run in field
// declaration order below; when several fail for one field the last one wins.
type Rules struct {
	Required  []string
	Format    map[string]*regexp.Regexp
	MinLength map[string]int
	MaxLength map[string]int
	Min       map[string]float64
	Max       map[string]float64
	Custom    map[string]func(value interface{}) bool
}

// Result is the outcome of a validation.
type Result struct {
	IsValid bool              `json:"is_valid"`
	Errors  map[string]string `json:"errors"`
}

// Err converts a failed result into a VALIDATION_ERROR. Returns nil when valid.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	fields := make([]string, 0, len(r.Errors))
	for f := range r.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, r.Errors[f])
	}
	return errors.New(errors.ErrValidation, "validation failed: "+strings.Join(msgs, "; "))
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[\d\s-]{10,15}$`)
	urlPattern   = regexp.MustCompile(`^(https?://)?([\da-z.-]+)\.([a-z.]{2,6})([/\w .-]*)*/?$`)
)

// EmailPattern, PhonePattern and URLPattern are shared building blocks for rule tables.
func EmailPattern() *regexp.Regexp { return emailPattern }
func PhonePattern() *regexp.Regexp { return phonePattern }
func URLPattern() *regexp.Regexp   { return urlPattern }

// DefaultRules returns the built-in entity rule table.
func DefaultRules() map[string]Rules {
	return map[string]Rules{
		"profile": {
			Required:  []string{"id", "userId", "firstName", "lastName", "email"},
			Format:    map[string]*regexp.Regexp{"email": emailPattern, "phone": phonePattern},
			MaxLength: map[string]int{"firstName": 50, "lastName": 50, "bio": 500, "title": 100},
		},
		"application": {
			Required:  []string{"id", "userId", "jobId"},
			MaxLength: map[string]int{"coverLetter": 5000},
		},
		"jobAlert": {
			Required:  []string{"id", "userId", "keywords"},
			MaxLength: map[string]int{"keywords": 200},
		},
		"resume": {
			Required:  []string{"id", "userId", "title"},
			MaxLength: map[string]int{"title": 100},
		},
	}
}

// Validator holds a rule table. It is safe for concurrent use.
type Validator struct {
	mu    sync.RWMutex
	rules map[string]Rules
}

// NewValidator creates a validator. A nil table selects DefaultRules.
func NewValidator(rules map[string]Rules) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Validator{rules: rules}
}

// SetRules replaces the rules for one entity type.
func (v *Validator) SetRules(entityType string, r Rules) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[entityType] = r
}

// Validate checks payload against the rules of entityType. Entity types
// without rules always pass.
func (v *Validator) Validate(entityType string, payload map[string]interface{}) Result {
	v.mu.RLock()
	r, ok := v.rules[entityType]
	v.mu.RUnlock()
	if !ok {
		return Result{IsValid: true, Errors: map[string]string{}}
	}
	return Check(payload, r)
}

// Check applies a single rule set to payload.
func Check(payload map[string]interface{}, r Rules) Result {
	errs := make(map[string]string)

	for _, field := range r.Required {
		if isBlank(payload[field]) {
			errs[field] = fmt.Sprintf("%s is required", field)
		}
	}

	for field, re := range r.Format {
		if v := payload[field]; !isBlank(v) && !re.MatchString(stringify(v)) {
			errs[field] = fmt.Sprintf("%s has invalid format", field)
		}
	}

	for field, n := range r.MinLength {
		if v := payload[field]; !isBlank(v) && utf8.RuneCountInString(stringify(v)) < n {
			errs[field] = fmt.Sprintf("%s must be at least %d characters", field, n)
		}
	}

	for field, n := range r.MaxLength {
		if v := payload[field]; !isBlank(v) && utf8.RuneCountInString(stringify(v)) > n {
			errs[field] = fmt.Sprintf("%s must be at most %d characters", field, n)
		}
	}

	for field, min := range r.Min {
		if num, ok := number(payload[field]); ok && num < min {
			errs[field] = fmt.Sprintf("%s must be at least %s", field, formatNumber(min))
		}
	}

	for field, max := range r.Max {
		if num, ok := number(payload[field]); ok && num > max {
			errs[field] = fmt.Sprintf("%s must be at most %s", field, formatNumber(max))
		}
	}

	for field, fn := range r.Custom {
		if v, present := payload[field]; present && v != nil && !fn(v) {
			errs[field] = fmt.Sprintf("%s is invalid", field)
		}
	}

	return Result{IsValid: len(errs) == 0, Errors: errs}
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatNumber(t)
	default:
		return fmt.Sprint(t)
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// number coerces numeric values and numeric strings. Blank and non-numeric
// values are skipped by the bound checks.
func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
