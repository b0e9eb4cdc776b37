// Package conflict detects field-level divergence between a client payload and
// the server's copy of the same entity, and resolves it per entity-type policy.
//
// Everything here is pure: no I/O, no logging, no shared mutable state
// beyond the policy table fixed at construction.
package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// Strategy defines how conflicts are resolved.
type Strategy string

const (
	StrategyClientWins Strategy = "client_wins"
	StrategyServerWins Strategy = "server_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// ParseStrategy accepts either the lower-case form or the upper-case
// constant name (e.g. "CLIENT_WINS").
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyClientWins, StrategyServerWins, StrategyMerge, StrategyManual:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// PriorityFields lists fields that always come from one side during a merge.
// Server fields are applied first, then client fields, so client wins on overlap.
type PriorityFields struct {
	Client []string `json:"client,omitempty" yaml:"client,omitempty"`
	Server []string `json:"server,omitempty" yaml:"server,omitempty"`
}

// Policy is the conflict configuration for one entity type.
type Policy struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	// MergeFields, when non-nil, restricts a merge to these client fields;
	// everything else comes from the server.
	MergeFields    []string        `json:"merge_fields,omitempty" yaml:"merge_fields,omitempty"`
	PriorityFields *PriorityFields `json:"priority_fields,omitempty" yaml:"priority_fields,omitempty"`
}

// DefaultPolicies returns the policy table for the job board entity types.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"profile": {
			Strategy: StrategyMerge,
			PriorityFields: &PriorityFields{
				Client: []string{"bio", "skills", "title", "avatar"},
				Server: []string{"email", "phone", "verified"},
			},
		},
		"application": {
			Strategy: StrategyMerge,
			PriorityFields: &PriorityFields{
				Client: []string{"coverLetter", "answers"},
				Server: []string{"status", "reviewedAt", "feedback"},
			},
		},
		"jobAlert": {Strategy: StrategyClientWins},
		"savedJob": {Strategy: StrategyClientWins},
		"resume": {
			Strategy: StrategyMerge,
			PriorityFields: &PriorityFields{
				Client: []string{"content", "sections"},
				Server: []string{"lastUpdated", "version"},
			},
		},
	}
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Strategy Strategy
	// Data is the resolved payload. Nil when Manual is set.
	Data map[string]interface{}
	// Manual means no automatic decision was made; both versions are attached
	// and the caller must obtain an external decision.
	Manual        bool
	ClientVersion map[string]interface{}
	ServerVersion map[string]interface{}
}

// Payload returns the resolved object, or for manual conflicts the tagged
// marker {conflict: true, clientVersion, serverVersion}.
func (r *Resolution) Payload() map[string]interface{} {
	if !r.Manual {
		return r.Data
	}
	return map[string]interface{}{
		"conflict":      true,
		"clientVersion": r.ClientVersion,
		"serverVersion": r.ServerVersion,
	}
}

// Resolver resolves conflicts with a fixed per-entity-type policy table.
type Resolver struct {
	policies map[string]Policy
}

// NewResolver creates a Resolver. A nil table selects DefaultPolicies.
func NewResolver(policies map[string]Policy) *Resolver {
	if policies == nil {
		policies = DefaultPolicies()
	}
	table := make(map[string]Policy, len(policies))
	for k, v := range policies {
		table[k] = v
	}
	return &Resolver{policies: table}
}

// Policy returns the configured policy for an entity type.
func (r *Resolver) Policy(entityType string) (Policy, bool) {
	p, ok := r.policies[entityType]
	return p, ok
}

// Policies returns a copy of the policy table.
func (r *Resolver) Policies() map[string]Policy {
	out := make(map[string]Policy, len(r.policies))
	for k, v := range r.policies {
		out[k] = v
	}
	return out
}

// Resolve merges client and server data. The override, when non-nil, takes
// precedence over the table; unknown entity types default to server wins.
func (r *Resolver) Resolve(entityType string, client, server map[string]interface{}, override *Policy) *Resolution {
	policy := Policy{Strategy: StrategyServerWins}
	if override != nil {
		policy = *override
	} else if p, ok := r.policies[entityType]; ok {
		policy = p
	}

	switch policy.Strategy {
	case StrategyClientWins:
		return &Resolution{Strategy: StrategyClientWins, Data: overlay(server, client)}
	case StrategyMerge:
		return &Resolution{Strategy: StrategyMerge, Data: merge(client, server, policy)}
	case StrategyManual:
		return &Resolution{
			Strategy:      StrategyManual,
			Manual:        true,
			ClientVersion: models.CloneMap(client),
			ServerVersion: models.CloneMap(server),
		}
	default:
		return &Resolution{Strategy: StrategyServerWins, Data: overlay(client, server)}
	}
}

// overlay returns {...base, ...top}.
func overlay(base, top map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

func merge(client, server map[string]interface{}, policy Policy) map[string]interface{} {
	if policy.MergeFields != nil {
		result := overlay(nil, server)
		for _, field := range policy.MergeFields {
			if v, ok := client[field]; ok {
				result[field] = v
			}
		}
		return result
	}

	merged := overlay(client, server)
	if pf := policy.PriorityFields; pf != nil {
		for _, field := range pf.Server {
			if v, ok := server[field]; ok {
				merged[field] = v
			}
		}
		for _, field := range pf.Client {
			if v, ok := client[field]; ok {
				merged[field] = v
			}
		}
	}
	return merged
}

// HasConflict reports whether some key of client is also present in server
// with a structurally different value.
func HasConflict(client, server map[string]interface{}) bool {
	for key, cv := range client {
		if sv, ok := server[key]; ok && !Equal(cv, sv) {
			return true
		}
	}
	return false
}

// ConflictingFields returns every key that HasConflict would trip on. The
// keys are sorted, since map iteration order is undefined.
func ConflictingFields(client, server map[string]interface{}) []string {
	var fields []string
	for key, cv := range client {
		if sv, ok := server[key]; ok && !Equal(cv, sv) {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	return fields
}

// Equal compares two JSON-shaped values by their decoded structure, so object
// key order and int/float representation don't matter.
func Equal(a, b interface{}) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
