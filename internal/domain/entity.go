package domain

type EntityKind string

const (
	EntityUser    EntityKind = "user"
	EntityGroup   EntityKind = "group"
	EntityChannel EntityKind = "channel"
	EntityOther   EntityKind = "other"
)

// Entity is a platform object resolved through one identity's connection. IDs are
// only meaningful to the connection that resolved them.
type Entity struct {
	ID       string
	Handle   string
	Kind     EntityKind
	Activity Activity
}

// CanHoldMembers reports whether targets can be invited into the entity.
func (e Entity) CanHoldMembers() bool {
	return e.Kind == EntityGroup || e.Kind == EntityChannel
}

type Membership string

const (
	MembershipMember    Membership = "member"
	MembershipNotMember Membership = "not_member"
)
