package models

import "encoding/json"

// ConflictStrategy selects how a detected UPDATE conflict is reconciled.
type ConflictStrategy string

const (
	StrategyServerWins ConflictStrategy = "server_wins"
	StrategyClientWins ConflictStrategy = "client_wins"
	StrategyMerge      ConflictStrategy = "merge"
	StrategyManual     ConflictStrategy = "manual"
)

// ParseConflictStrategy validates a strategy name.
func ParseConflictStrategy(s string) (ConflictStrategy, bool) {
	switch c := ConflictStrategy(s); c {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManual:
		return c, true
	default:
		return "", false
	}
}

// ConflictResolution is the ephemeral outcome of a detected divergence
// between the client's base state and the server's current state.
type ConflictResolution struct {
	ActionID     int64            `json:"action_id"`
	EntityKind   EntityKind       `json:"entity_kind"`
	RecordID     string           `json:"record_id"`
	Strategy     ConflictStrategy `json:"strategy"`
	ServerData   json.RawMessage  `json:"server_data"`
	ClientData   json.RawMessage  `json:"client_data"`
	ResolvedData json.RawMessage  `json:"resolved_data,omitempty"`
}

// Resolution is an operator's answer to a manual conflict.
type Resolution struct {
	Strategy ConflictStrategy `json:"strategy"`
	// Data replaces the client payload when Strategy is merge.
	Data json.RawMessage `json:"data,omitempty"`
}
