package model

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityKind names one of the tenant-database entities that can be
// addressed from outside its table (refs, admin tooling, reports).
type EntityKind string

const (
	KindRole        EntityKind = "role"
	KindPolicy      EntityKind = "policy"
	KindUser        EntityKind = "user"
	KindCourse      EntityKind = "course"
	KindEnrolment   EntityKind = "enrolment"
	KindReport      EntityKind = "report"
	KindLeaderboard EntityKind = "leaderboard_entry"
)

var entityKinds = []EntityKind{
	KindRole, KindPolicy, KindUser, KindCourse, KindEnrolment, KindReport, KindLeaderboard,
}

func EntityKinds() []EntityKind {
	out := make([]EntityKind, len(entityKinds))
	copy(out, entityKinds)
	return out
}

func ParseEntityKind(s string) (EntityKind, error) {
	for _, k := range entityKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// New returns a zero value of the entity behind k, ready to be loaded.
func (k EntityKind) New() interface{} {
	switch k {
	case KindRole:
		return &Role{}
	case KindPolicy:
		return &Policy{}
	case KindUser:
		return &User{}
	case KindCourse:
		return &Course{}
	case KindEnrolment:
		return &Enrolment{}
	case KindReport:
		return &Report{}
	case KindLeaderboard:
		return &LeaderboardEntry{}
	default:
		return nil
	}
}

// TenantModels lists every table of a tenant database in creation order.
func TenantModels() []interface{} {
	return []interface{}{
		&Role{},
		&PolicyCategory{},
		&Policy{},
		&RolePermission{},
		&User{},
		&Course{},
		&Enrolment{},
		&Report{},
		&LeaderboardEntry{},
	}
}

// Ref is a tenant-qualified object reference, rendered "db:kind:id".
type Ref struct {
	DBName string
	Kind   EntityKind
	ID     uint64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s:%d", r.DBName, r.Kind, r.ID)
}

func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" {
		return Ref{}, fmt.Errorf("malformed ref %q", s)
	}
	kind, err := ParseEntityKind(parts[1])
	if err != nil {
		return Ref{}, fmt.Errorf("malformed ref %q: %w", s, err)
	}
	id, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil || id == 0 {
		return Ref{}, fmt.Errorf("malformed ref %q: bad id", s)
	}
	return Ref{DBName: parts[0], Kind: kind, ID: id}, nil
}
