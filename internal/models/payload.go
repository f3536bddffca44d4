package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// PayloadVersion is the current payload schema version written to the queue.
const PayloadVersion = 1

// Payload is the typed snapshot of a record carried by a SyncAction and
// returned by the server.
type Payload interface {
	Kind() EntityKind
	RecordID() string
	SetRecordID(id string)

	// BaseUpdatedAt is the server timestamp the client last observed.
	BaseUpdatedAt() time.Time
	// Rebase moves the observed server timestamp.
	Rebase(t time.Time)

	// Columns returns the domain columns plus created_at/updated_at
	// (unix milliseconds) for the local table.
	Columns() map[string]interface{}
}

type envelope struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// EncodePayload serializes p inside a versioned envelope.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(envelope{Version: PayloadVersion, Data: data})
}

// DecodePayload parses a versioned envelope written by EncodePayload.
// A bare JSON object without an envelope is read as version 1 data.
func DecodePayload(kind EntityKind, raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload envelope: %w", err)
	}
	data := []byte(env.Data)
	switch {
	case env.Version == 0 && len(data) == 0:
		data = raw
	case env.Version > PayloadVersion:
		return nil, fmt.Errorf("payload version %d is newer than supported version %d", env.Version, PayloadVersion)
	}
	return DecodeRecord(kind, data)
}

// DecodeRecord parses a plain JSON record of the given kind, as returned by
// the remote API.
func DecodeRecord(kind EntityKind, data []byte) (Payload, error) {
	p, err := kind.NewPayload()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, fmt.Errorf("empty %s record", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s record: %w", kind, err)
	}
	return p, nil
}

// StampPrecision is the resolution at which updated_at is stored locally.
const StampPrecision = time.Millisecond

// ToMillis converts t to unix milliseconds; the zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to UTC time; 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func rowString(row map[string]interface{}, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func rowInt(row map[string]interface{}, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func rowBool(row map[string]interface{}, key string) bool {
	return rowInt(row, key) != 0
}
