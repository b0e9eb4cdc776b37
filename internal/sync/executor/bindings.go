package executor

import (
	"strconv"
	"strings"
	"sync"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// Binding declares how one operation maps onto an entity for conflict checks.
type Binding struct {
	EntityType string

	// ServerPath is the dot path of the returned entity in the response data,
	// e.g. "update_users.returning.0". Empty disables conflict checks.
	ServerPath string

	// Fields maps variable names to server field names. Variables not listed
	// keep their own name. Nil means identity.
	Fields map[string]string
}

// ExtractServer returns the server copy of the entity from response data.
func (b Binding) ExtractServer(data map[string]interface{}) (map[string]interface{}, bool) {
	if b.ServerPath == "" || data == nil {
		return nil, false
	}
	v, ok := Lookup(data, b.ServerPath)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]interface{})
	return obj, ok
}

// ClientPayload renames variables into server field names.
func (b Binding) ClientPayload(vars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		if field, ok := b.Fields[k]; ok {
			out[field] = v
			continue
		}
		out[k] = v
	}
	return out
}

// CorrectiveVariables maps a resolved payload back onto the operation's
// variables. Only fields the original call sent are carried over, because
// the operation accepts nothing else.
func (b Binding) CorrectiveVariables(vars, resolved map[string]interface{}) map[string]interface{} {
	out := models.CloneMap(vars)
	if out == nil {
		out = map[string]interface{}{}
	}
	for k := range vars {
		field := k
		if f, ok := b.Fields[k]; ok {
			field = f
		}
		if v, ok := resolved[field]; ok {
			out[k] = v
		}
	}
	return out
}

// Lookup walks a dot path through nested maps and arrays. Numeric segments index arrays.
func Lookup(data map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// Registry maps operation names to bindings. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register adds or replaces the binding for an operation.
func (r *Registry) Register(operationName string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[operationName] = b
}

// Lookup returns the binding for an operation.
func (r *Registry) Lookup(operationName string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[operationName]
	return b, ok
}

// EntityType returns the bound entity type, or models.UnknownEntityType.
func (r *Registry) EntityType(operationName string) string {
	if b, ok := r.Lookup(operationName); ok && b.EntityType != "" {
		return b.EntityType
	}
	return models.UnknownEntityType
}

// Operations returns the registered operation names.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry returns bindings for the job board mutations.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("UpdateUserProfile", Binding{
		EntityType: "profile",
		ServerPath: "update_users.returning.0",
		Fields:     map[string]string{"avatarUrl": "avatar_url"},
	})
	r.Register("UpdateProfile", Binding{
		EntityType: "profile",
		ServerPath: "update_profiles.returning.0",
		Fields:     map[string]string{"avatarUrl": "avatar"},
	})
	r.Register("UpdateResume", Binding{EntityType: "resume"})
	r.Register("UpdateApplicationStatus", Binding{
		EntityType: "application",
		ServerPath: "update_applications_by_pk",
	})
	r.Register("DeleteApplication", Binding{EntityType: "application"})
	r.Register("ApplyForJob", Binding{
		EntityType: "application",
		ServerPath: "insert_applications_one",
		Fields:     map[string]string{"jobId": "job_id", "resumeUrl": "resume_url"},
	})
	r.Register("SaveJob", Binding{
		EntityType: "savedJob",
		ServerPath: "insert_saved_jobs_one",
		Fields:     map[string]string{"jobId": "job_id"},
	})
	r.Register("UnsaveJob", Binding{EntityType: "savedJob"})
	r.Register("CreateJobAlert", Binding{
		EntityType: "jobAlert",
		ServerPath: "insert_job_alerts_one",
		Fields:     map[string]string{"jobType": "job_type"},
	})
	r.Register("DeleteJobAlert", Binding{EntityType: "jobAlert"})
	r.Register("UpdateNotificationPreferences", Binding{EntityType: "notificationPreference"})
	return r
}
