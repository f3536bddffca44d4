// Package models tests for entity kinds, actions and payload envelopes.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKind_exhaustive(t *testing.T) {
	for _, k := range Kinds() {
		t.Run(string(k), func(t *testing.T) {
			require.NoError(t, k.Validate())
			assert.NotEmpty(t, k.Table())
			assert.NotEmpty(t, k.Endpoint())
			assert.LessOrEqual(t, k.DefaultPriority(), PriorityLow)

			p, err := k.NewPayload()
			require.NoError(t, err)
			assert.Equal(t, k, p.Kind())
			assert.Contains(t, p.Columns(), "updated_at")

			p.SetRecordID("r-1")
			p.Rebase(time.UnixMilli(1700000000000).UTC())
			back, err := k.RecordFromRow(p.Columns())
			require.NoError(t, err)
			assert.Equal(t, p.Columns(), back.Columns())
		})
	}
}

func TestParseEntityKind(t *testing.T) {
	k, err := ParseEntityKind(" Members ")
	require.NoError(t, err)
	assert.Equal(t, KindMembers, k)

	_, err = ParseEntityKind("widgets")
	assert.Error(t, err)
}

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, KindDuesPayments.DefaultPriority())
	assert.Equal(t, PriorityHigh, KindMembers.DefaultPriority())
	assert.Equal(t, PriorityNormal, KindMeetings.DefaultPriority())
}

func TestParseActionType(t *testing.T) {
	a, err := ParseActionType("update")
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, a)

	_, err = ParseActionType("upsert")
	assert.Error(t, err)
}

// TestEncodeDecodePayload verifies the envelope carries the schema version.
func TestEncodeDecodePayload(t *testing.T) {
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := EncodePayload(&Member{ID: "m-1", Name: "Ada", UpdatedAt: updated})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, "1", string(env["v"]))

	p, err := DecodePayload(KindMembers, raw)
	require.NoError(t, err)
	m := p.(*Member)
	assert.Equal(t, "Ada", m.Name)
	assert.True(t, updated.Equal(m.BaseUpdatedAt()))
}

func TestDecodePayload_bareObject(t *testing.T) {
	p, err := DecodePayload(KindMeetings, []byte(`{"id":"mt-1","title":"AGM"}`))
	require.NoError(t, err)
	assert.Equal(t, "AGM", p.(*Meeting).Title)
}

func TestDecodePayload_futureVersion(t *testing.T) {
	_, err := DecodePayload(KindMembers, []byte(`{"v":9,"data":{"id":"m-1"}}`))
	assert.Error(t, err)
}

func TestDecodeRecord_empty(t *testing.T) {
	_, err := DecodeRecord(KindMembers, []byte("null"))
	assert.Error(t, err)
	_, err = DecodeRecord(EntityKind("widgets"), []byte(`{}`))
	assert.Error(t, err)
}

func TestMemberFromRow(t *testing.T) {
	row := map[string]interface{}{
		"id":         "m-1",
		"name":       "Ada",
		"email":      []byte("ada@example.org"),
		"synced":     int64(1),
		"created_at": int64(1700000000000),
		"updated_at": int64(1700000001000),
	}
	m := MemberFromRow(row)
	assert.Equal(t, "ada@example.org", m.Email)
	assert.True(t, m.Synced)
	assert.Equal(t, int64(1700000001000), ToMillis(m.UpdatedAt))
}

func TestMillisRoundTrip_zero(t *testing.T) {
	assert.Equal(t, int64(0), ToMillis(time.Time{}))
	assert.True(t, FromMillis(0).IsZero())
}

func TestSyncAction_Exhausted(t *testing.T) {
	a := &SyncAction{RetryCount: 2}
	assert.False(t, a.Exhausted(DefaultMaxRetry))
	a.RetryCount = 3
	assert.True(t, a.Exhausted(DefaultMaxRetry))
}

func TestParseConflictStrategy(t *testing.T) {
	s, ok := ParseConflictStrategy("merge")
	assert.True(t, ok)
	assert.Equal(t, StrategyMerge, s)
	_, ok = ParseConflictStrategy("coin_flip")
	assert.False(t, ok)
}
