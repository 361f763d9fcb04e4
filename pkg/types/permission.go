package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Actions is a set of permission flags.
type Actions uint8

// Action flags.
const (
	ActionRead Actions = 1 << iota
	ActionInsert
	ActionUpdate
	ActionDelete

	ActionNone Actions = 0
	ActionAll          = ActionRead | ActionInsert | ActionUpdate | ActionDelete
)

var actionNames = []struct {
	flag Actions
	name string
}{
	{ActionRead, "read"},
	{ActionInsert, "insert"},
	{ActionUpdate, "update"},
	{ActionDelete, "delete"},
}

// Has reports whether every flag in want is set.
func (a Actions) Has(want Actions) bool {
	return a&want == want
}

// String renders the flags as a comma separated list, or "none".
func (a Actions) String() string {
	var parts []string
	for _, an := range actionNames {
		if a.Has(an.flag) {
			parts = append(parts, an.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseActions parses a comma separated list such as "read,update". The
// words "all" and "none" are accepted.
func ParseActions(s string) (Actions, error) {
	var out Actions
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		switch p {
		case "", "none":
			continue
		case "all":
			out |= ActionAll
			continue
		}
		found := false
		for _, an := range actionNames {
			if an.name == p {
				out |= an.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown action %q: %w", p, ErrValidation)
		}
	}
	return out, nil
}

// Subject is the caller an authorization decision is made for. It is
// passed explicitly to every operation that needs authorization.
type Subject struct {
	UserID string
	Roles  []string
	system bool
}

// User returns a subject for a user with the given roles.
func User(id string, roles ...string) Subject {
	return Subject{UserID: id, Roles: roles}
}

// System returns the maintenance subject that bypasses resolution.
func System() Subject {
	return Subject{UserID: "system", system: true}
}

// IsSystem reports whether s is the System sentinel.
func (s Subject) IsSystem() bool {
	return s.system
}

// Key is a stable cache key for the subject.
func (s Subject) Key() string {
	if s.system {
		return "\x00system"
	}
	roles := append([]string(nil), s.Roles...)
	sort.Strings(roles)
	return s.UserID + "|" + strings.Join(roles, ",")
}

// HasRole reports whether s carries role.
func (s Subject) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SubjectKind identifies who a grant applies to.
type SubjectKind string

// Grant subject kinds.
const (
	SubjectUser     SubjectKind = "user"
	SubjectRole     SubjectKind = "role"
	SubjectEveryone SubjectKind = "everyone"
)

// TargetKind identifies what a grant applies to.
type TargetKind string

// Grant target kinds.
const (
	TargetObject TargetKind = "object"
	TargetScheme TargetKind = "scheme"
	TargetGlobal TargetKind = "global"
)

// Grant is one permission row. A grant with no action flags is an explicit
// deny at its precedence level.
type Grant struct {
	GrantID     string      `json:"grant_id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	SubjectID   string      `json:"subject_id,omitempty"`
	TargetKind  TargetKind  `json:"target_kind"`
	TargetID    string      `json:"target_id,omitempty"`
	Actions     Actions     `json:"actions"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Validate checks kind/id combinations.
func (g Grant) Validate() error {
	switch g.SubjectKind {
	case SubjectUser, SubjectRole:
		if g.SubjectID == "" {
			return Invalid("grant", "%s grant needs a subject id", g.SubjectKind)
		}
	case SubjectEveryone:
	default:
		return Invalid("grant", "unknown subject kind %q", g.SubjectKind)
	}
	switch g.TargetKind {
	case TargetObject, TargetScheme:
		if g.TargetID == "" {
			return Invalid("grant", "%s grant needs a target id", g.TargetKind)
		}
	case TargetGlobal:
	default:
		return Invalid("grant", "unknown target kind %q", g.TargetKind)
	}
	return nil
}

// AppliesTo reports whether the grant's subject matches s.
func (g Grant) AppliesTo(s Subject) bool {
	switch g.SubjectKind {
	case SubjectUser:
		return g.SubjectID == s.UserID
	case SubjectRole:
		return s.HasRole(g.SubjectID)
	case SubjectEveryone:
		return true
	}
	return false
}
