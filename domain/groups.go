package domain

import "time"

type MembershipState int

const (
	MembershipNone MembershipState = iota
	MembershipInvited
	MembershipRequested
	MembershipMember
)

func (s MembershipState) String() string {
	switch s {
	case MembershipInvited:
		return "INVITED"
	case MembershipRequested:
		return "REQUESTED"
	case MembershipMember:
		return "MEMBER"
	}
	return "NONE"
}

type GroupMembership struct {
	GroupID   int64
	UserID    int64
	Accepted  bool
	CreatedAt time.Time
}

type GroupInvitation struct {
	GroupID   int64
	InviterID int64
	InviteeID int64
	APID      string
	CreatedAt time.Time
}
