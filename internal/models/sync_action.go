// Package models provides data model definitions for the sync core.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ActionType is the kind of mutation a SyncAction carries.
type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionUpdate ActionType = "UPDATE"
	ActionDelete ActionType = "DELETE"
)

// ParseActionType converts a case-insensitive name into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	switch a := ActionType(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action type %q", s)
	}
}

// Priority orders the drain: lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// DefaultMaxRetry is the retry budget after which an action stops being pending.
const DefaultMaxRetry = 3

// SyncAction is a queued, durable mutation awaiting remote application.
type SyncAction struct {
	ID            int64      `db:"id" json:"id"`
	ActionType    ActionType `db:"action_type" json:"action_type"`
	EntityKind    EntityKind `db:"entity_kind" json:"entity_kind"`
	RecordID      string     `db:"record_id" json:"record_id"`
	Payload       []byte     `db:"payload" json:"payload"`
	Priority      Priority   `db:"priority" json:"priority"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
	LastError     string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	LastAttemptAt *time.Time `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
}

// TableName returns the table name for SyncAction.
func (SyncAction) TableName() string {
	return "sync_queue"
}

// Exhausted reports whether the action has used up its retry budget.
func (a *SyncAction) Exhausted(maxRetry int) bool {
	return a.RetryCount >= maxRetry
}

// DecodePayload decodes the action's payload into the typed schema of its kind.
func (a *SyncAction) DecodePayload() (Payload, error) {
	return DecodePayload(a.EntityKind, a.Payload)
}
