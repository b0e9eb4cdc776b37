package validation

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/errors"
)

func validProfile() map[string]interface{} {
	return map[string]interface{}{
		"id":        "p1",
		"userId":    "u1",
		"firstName": "Ada",
		"lastName":  "Lovelace",
		"email":     "ada@example.com",
	}
}

func TestValidate_profile(t *testing.T) {
	v := NewValidator(nil)

	t.Run("valid", func(t *testing.T) {
		res := v.Validate("profile", validProfile())
		assert.True(t, res.IsValid)
		assert.Empty(t, res.Errors)
		assert.NoError(t, res.Err())
	})

	t.Run("missing and blank required fields", func(t *testing.T) {
		p := validProfile()
		delete(p, "email")
		p["firstName"] = ""
		p["lastName"] = nil

		res := v.Validate("profile", p)
		assert.False(t, res.IsValid)
		assert.Equal(t, map[string]string{
			"email":     "email is required",
			"firstName": "firstName is required",
			"lastName":  "lastName is required",
		}, res.Errors)
	})

	t.Run("bad formats", func(t *testing.T) {
		p := validProfile()
		p["email"] = "not-an-email"
		p["phone"] = "12"

		res := v.Validate("profile", p)
		assert.Equal(t, "email has invalid format", res.Errors["email"])
		assert.Equal(t, "phone has invalid format", res.Errors["phone"])
	})

	t.Run("optional format field may be blank", func(t *testing.T) {
		p := validProfile()
		p["phone"] = ""
		assert.True(t, v.Validate("profile", p).IsValid)
	})

	t.Run("max length counts characters", func(t *testing.T) {
		p := validProfile()
		p["firstName"] = strings.Repeat("é", 50)
		assert.True(t, v.Validate("profile", p).IsValid)

		p["bio"] = strings.Repeat("x", 501)
		res := v.Validate("profile", p)
		assert.Equal(t, "bio must be at most 500 characters", res.Errors["bio"])
	})
}

func TestValidate_otherEntities(t *testing.T) {
	v := NewValidator(nil)

	res := v.Validate("application", map[string]interface{}{"id": "a1", "userId": "u1"})
	assert.Equal(t, map[string]string{"jobId": "jobId is required"}, res.Errors)

	res = v.Validate("jobAlert", map[string]interface{}{
		"id": "j1", "userId": "u1", "keywords": strings.Repeat("k", 201),
	})
	assert.Equal(t, "keywords must be at most 200 characters", res.Errors["keywords"])

	res = v.Validate("resume", map[string]interface{}{"id": "r1", "userId": "u1", "title": "CV"})
	assert.True(t, res.IsValid)
}

func TestValidate_unknownEntityPasses(t *testing.T) {
	res := NewValidator(nil).Validate("savedJob", map[string]interface{}{})
	assert.True(t, res.IsValid)
	assert.NotNil(t, res.Errors)
}

func TestCheck_ruleKinds(t *testing.T) {
	rules := Rules{
		MinLength: map[string]int{"password": 8},
		Min:       map[string]float64{"salary": 1000},
		Max:       map[string]float64{"rating": 5},
		Custom: map[string]func(interface{}) bool{
			"tags": func(v interface{}) bool {
				list, ok := v.([]interface{})
				return ok && len(list) > 0
			},
		},
	}

	res := Check(map[string]interface{}{
		"password": "short",
		"salary":   "999.5",
		"rating":   float64(6),
		"tags":     []interface{}{},
	}, rules)

	assert.False(t, res.IsValid)
	assert.Equal(t, map[string]string{
		"password": "password must be at least 8 characters",
		"salary":   "salary must be at least 1000",
		"rating":   "rating must be at most 5",
		"tags":     "tags is invalid",
	}, res.Errors)

	res = Check(map[string]interface{}{
		"password": "long enough",
		"salary":   1000,
		"rating":   "n/a",
	}, rules)
	assert.True(t, res.IsValid, "non-numeric values skip bound checks: %v", res.Errors)
}

func TestCheck_laterRuleOverwritesEarlier(t *testing.T) {
	rules := Rules{
		Format:    map[string]*regexp.Regexp{"code": regexp.MustCompile(`^[A-Z]+$`)},
		MaxLength: map[string]int{"code": 3},
	}
	res := Check(map[string]interface{}{"code": "abcdef"}, rules)
	assert.Equal(t, "code must be at most 3 characters", res.Errors["code"])
}

func TestSetRules(t *testing.T) {
	v := NewValidator(map[string]Rules{})
	assert.True(t, v.Validate("profile", map[string]interface{}{}).IsValid)

	v.SetRules("profile", Rules{Required: []string{"id"}})
	assert.False(t, v.Validate("profile", map[string]interface{}{}).IsValid)
}

func TestResult_Err(t *testing.T) {
	res := Result{Errors: map[string]string{
		"b": "b is required",
		"a": "a has invalid format",
	}}

	err := res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Contains(t, err.Error(), "a has invalid format; b is required")
}

func TestPatterns(t *testing.T) {
	assert.True(t, EmailPattern().MatchString("a@b.co"))
	assert.True(t, PhonePattern().MatchString("+1 555-123-4567"))
	assert.True(t, URLPattern().MatchString("https://example.com/path"))
	assert.False(t, URLPattern().MatchString("not a url"))
}
