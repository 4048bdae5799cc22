// Package domain defines the entity model and contracts shared by every
// polystore component: classification levels, compartments, security
// contexts, polyinstantiated records, the error taxonomy, the audit trail,
// and the abstract storage collaborator.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ClassificationLevel is a totally ordered security tier. Ordering by rank is
// the sole basis of "sufficient clearance" checks.
type ClassificationLevel int

const (
	LevelPublic ClassificationLevel = iota
	LevelInternal
	LevelRestricted
	LevelConfidential
	LevelSecret
	LevelTopSecret
)

var levelNames = map[ClassificationLevel]string{
	LevelPublic:       "public",
	LevelInternal:     "internal",
	LevelRestricted:   "restricted",
	LevelConfidential: "confidential",
	LevelSecret:       "secret",
	LevelTopSecret:    "top_secret",
}

// Rank returns the ordinal position of the level.
func (l ClassificationLevel) Rank() int { return int(l) }

func (l ClassificationLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether the level is one of the defined tiers.
func (l ClassificationLevel) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// MarshalText encodes the level as its lowercase label.
func (l ClassificationLevel) MarshalText() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown classification level %d", int(l))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a lowercase level label.
func (l *ClassificationLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseClassificationLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseClassificationLevel resolves a label to its level.
func ParseClassificationLevel(name string) (ClassificationLevel, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for level, label := range levelNames {
		if label == needle {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown classification level %q", name)
}

// Compartment is an opaque access label. Compartment checks are subset
// matches, orthogonal to the classification ordering.
type Compartment string

// CompartmentSet is a canonical (sorted, deduplicated) set of compartments.
type CompartmentSet []Compartment

// NewCompartmentSet builds a canonical set from the given labels.
func NewCompartmentSet(labels ...Compartment) CompartmentSet {
	seen := make(map[Compartment]struct{}, len(labels))
	out := make(CompartmentSet, 0, len(labels))
	for _, label := range labels {
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether the set holds the given compartment.
func (s CompartmentSet) Contains(c Compartment) bool {
	for _, have := range s {
		if have == c {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every compartment in s is present in other.
func (s CompartmentSet) SubsetOf(other CompartmentSet) bool {
	for _, need := range s {
		if !other.Contains(need) {
			return false
		}
	}
	return true
}

// Equal reports whether both canonical sets hold the same compartments.
func (s CompartmentSet) Equal(other CompartmentSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Canonical renders the set as a stable key fragment ("A+B+C", "-" if empty).
func (s CompartmentSet) Canonical() string {
	if len(s) == 0 {
		return "-"
	}
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = string(c)
	}
	return strings.Join(parts, "+")
}

// Clone returns an independent copy of the set.
func (s CompartmentSet) Clone() CompartmentSet {
	return append(CompartmentSet(nil), s...)
}

// Role names a duty position mapped to allowed levels and permissions by the
// MAC policy.
type Role string

// AuthProof is the authentication evidence carried by a security context.
// The token itself stays with the authenticator; only its identity and the
// factors used are recorded here.
type AuthProof struct {
	TokenID  string    `json:"token_id"`
	MFA      bool      `json:"mfa"`
	IssuedAt time.Time `json:"issued_at"`
}

// SecurityContext is an immutable snapshot of a subject's clearance. It is
// created on authentication and never mutated; refresh issues a new value.
type SecurityContext struct {
	SubjectID    string              `json:"subject_id"`
	Clearance    ClassificationLevel `json:"clearance"`
	Compartments CompartmentSet      `json:"compartments"`
	Roles        []Role              `json:"roles"`
	AuthProof    AuthProof           `json:"auth_proof"`
	IssuedAt     time.Time           `json:"issued_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
}

// Expired reports whether the context is no longer valid at the given time.
func (c SecurityContext) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// HasRole reports whether the context carries the given role.
func (c SecurityContext) HasRole(role Role) bool {
	for _, have := range c.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// LogicalEntity is the stable identity shared by all classified instances of
// one record.
type LogicalEntity struct {
	LogicalID  string `json:"logical_id"`
	EntityType string `json:"entity_type"`
}

// Instance is one polyinstantiation row: the view of a logical entity at a
// single (classification, compartments) pair. At most one instance exists per
// (logical_id, classification, compartments) triple; writes upsert on it.
type Instance struct {
	InstanceID     string              `json:"instance_id"`
	LogicalID      string              `json:"logical_id"`
	EntityType     string              `json:"entity_type"`
	Classification ClassificationLevel `json:"classification"`
	Compartments   CompartmentSet      `json:"compartments"`
	Data           map[string]any      `json:"data"`
	Version        int64               `json:"version"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Key returns the canonical storage key for the instance's uniqueness triple.
func (i Instance) Key() string {
	return InstanceKey(i.LogicalID, i.Classification, i.Compartments)
}

// InstanceKey builds the storage key for a (logical, level, compartments)
// triple.
func InstanceKey(logicalID string, level ClassificationLevel, compartments CompartmentSet) string {
	return fmt.Sprintf("%s|%s|%s", logicalID, level, compartments.Canonical())
}

// Clone returns a deep copy of the instance.
func (i Instance) Clone() Instance {
	cp := i
	cp.Compartments = i.Compartments.Clone()
	if i.Data != nil {
		cp.Data = make(map[string]any, len(i.Data))
		for k, v := range i.Data {
			cp.Data[k] = v
		}
	}
	return cp
}

// Validate checks the structural invariants of the instance.
func (i Instance) Validate() error {
	if strings.TrimSpace(i.LogicalID) == "" {
		return ValidationError{Field: "logical_id", Message: "required"}
	}
	if !i.Classification.Valid() {
		return ValidationError{Field: "classification", Message: fmt.Sprintf("unknown level %d", int(i.Classification))}
	}
	return nil
}

// MergedView is the classification-appropriate merge of the instances a
// subject may read. It is computed on every read and never persisted.
type MergedView struct {
	LogicalID      string              `json:"logical_id"`
	EntityType     string              `json:"entity_type"`
	InstanceID     string              `json:"instance_id"`
	Classification ClassificationLevel `json:"classification"`
	Data           map[string]any      `json:"data"`
	UpdatedAt      time.Time           `json:"updated_at"`
	SourceCount    int                 `json:"source_count"`
}
