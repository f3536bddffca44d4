// Package models provides data model definitions for the sync core.
package models

import (
	"fmt"
	"strings"
)

// EntityKind names a synchronized collection. The set is closed: every kind
// maps to a local table, a remote endpoint and a payload schema, and the
// switches below must list all of them.
type EntityKind string

const (
	KindMembers      EntityKind = "members"
	KindMeetings     EntityKind = "meetings"
	KindDuesPayments EntityKind = "dues_payments"
)

// Kinds returns every known entity kind.
func Kinds() []EntityKind {
	return []EntityKind{KindMembers, KindMeetings, KindDuesPayments}
}

// ParseEntityKind converts a string into a known EntityKind.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(strings.ToLower(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Validate returns an error when k is not a known kind.
func (k EntityKind) Validate() error {
	switch k {
	case KindMembers, KindMeetings, KindDuesPayments:
		return nil
	default:
		return fmt.Errorf("unknown entity kind %q", string(k))
	}
}

// Table returns the local table holding records of this kind.
func (k EntityKind) Table() string {
	switch k {
	case KindMembers:
		return "members"
	case KindMeetings:
		return "meetings"
	case KindDuesPayments:
		return "dues_payments"
	default:
		return ""
	}
}

// Endpoint returns the remote collection path, e.g. /api/members.
func (k EntityKind) Endpoint() string {
	switch k {
	case KindMembers:
		return "/api/members"
	case KindMeetings:
		return "/api/meetings"
	case KindDuesPayments:
		return "/api/dues"
	default:
		return ""
	}
}

// DefaultPriority is the priority writes of the kind are queued with.
func (k EntityKind) DefaultPriority() Priority {
	switch k {
	case KindDuesPayments:
		return PriorityCritical
	case KindMembers:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// NewPayload returns an empty payload value for the kind.
func (k EntityKind) NewPayload() (Payload, error) {
	switch k {
	case KindMembers:
		return &Member{}, nil
	case KindMeetings:
		return &Meeting{}, nil
	case KindDuesPayments:
		return &DuesPayment{}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", string(k))
	}
}

// RecordFromRow builds the typed record of the kind from a local table row.
func (k EntityKind) RecordFromRow(row map[string]interface{}) (Payload, error) {
	switch k {
	case KindMembers:
		return MemberFromRow(row), nil
	case KindMeetings:
		return MeetingFromRow(row), nil
	case KindDuesPayments:
		return DuesPaymentFromRow(row), nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", string(k))
	}
}

// RowSynced reports the synced flag of a local table row.
func RowSynced(row map[string]interface{}) bool {
	return rowBool(row, "synced")
}

func (k EntityKind) String() string {
	return string(k)
}
