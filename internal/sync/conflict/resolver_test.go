// Package conflict provides unit tests for conflict resolution.
package conflict

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/syncore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t1 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func action() *models.SyncAction {
	return &models.SyncAction{ID: 7, ActionType: models.ActionUpdate, EntityKind: models.KindMembers, RecordID: "m-1"}
}

func TestDetectConflict(t *testing.T) {
	client := &models.Member{ID: "m-1", UpdatedAt: t1}

	assert.True(t, DetectConflict(client, &models.Member{ID: "m-1", UpdatedAt: t2}))
	assert.False(t, DetectConflict(client, &models.Member{ID: "m-1", UpdatedAt: t1}), "equal timestamps are not a conflict")
	assert.False(t, DetectConflict(client, &models.Member{ID: "m-1", UpdatedAt: t1.Add(-time.Minute)}))
	assert.False(t, DetectConflict(nil, client))
}

func TestDetectConflict_storePrecision(t *testing.T) {
	// The cached base only keeps milliseconds.
	client := &models.Member{ID: "m-1", UpdatedAt: t1}

	assert.False(t, DetectConflict(client, &models.Member{ID: "m-1", UpdatedAt: t1.Add(123456 * time.Nanosecond)}))
	assert.True(t, DetectConflict(client, &models.Member{ID: "m-1", UpdatedAt: t1.Add(time.Millisecond + 500*time.Microsecond)}))
}

func TestResolve_noConflict(t *testing.T) {
	r := NewResolver(nil)
	client := &models.Member{ID: "m-1", Name: "Ada", UpdatedAt: t1}

	d, err := r.Resolve(action(), client, &models.Member{ID: "m-1", UpdatedAt: t1})
	require.NoError(t, err)
	assert.False(t, d.Conflict)
	assert.Same(t, client, d.Push)
	assert.Nil(t, d.Resolution)
	assert.False(t, d.Suspended())
}

// TestResolve_mergeMembers verifies client contact fields survive while the
// server's role and status win.
func TestResolve_mergeMembers(t *testing.T) {
	r := NewResolver(nil)
	client := &models.Member{ID: "m-1", Name: "Ada L.", Email: "ada@new.org", Role: "member", Status: "active", UpdatedAt: t1}
	server := &models.Member{ID: "m-1", Name: "Ada", Email: "ada@old.org", Phone: "555", Role: "treasurer", Status: "suspended", UpdatedAt: t2}

	d, err := r.Resolve(action(), client, server)
	require.NoError(t, err)
	require.True(t, d.Conflict)
	assert.Equal(t, models.StrategyMerge, d.Strategy)

	merged := d.Push.(*models.Member)
	assert.Equal(t, "Ada L.", merged.Name)
	assert.Equal(t, "ada@new.org", merged.Email)
	assert.Equal(t, "555", merged.Phone)
	assert.Equal(t, "treasurer", merged.Role)
	assert.Equal(t, "suspended", merged.Status)
	assert.True(t, t2.Equal(merged.UpdatedAt))

	require.NotNil(t, d.Resolution)
	assert.Equal(t, int64(7), d.Resolution.ActionID)
	var resolved models.Member
	require.NoError(t, json.Unmarshal(d.Resolution.ResolvedData, &resolved))
	assert.Equal(t, "Ada L.", resolved.Name)
}

func TestResolve_serverWins(t *testing.T) {
	r := NewResolver(nil)
	client := &models.Meeting{ID: "mt-1", Title: "Local", UpdatedAt: t1}
	server := &models.Meeting{ID: "mt-1", Title: "Server", UpdatedAt: t2}

	d, err := r.Resolve(action(), client, server)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyServerWins, d.Strategy)
	assert.Nil(t, d.Push)
	assert.Same(t, server, d.Adopt)
}

// TestResolve_manual verifies manual conflicts push nothing and carry both
// copies for external resolution.
func TestResolve_manual(t *testing.T) {
	r := NewResolver(nil)
	client := &models.DuesPayment{ID: "d-1", AmountCents: 1000, UpdatedAt: t1}
	server := &models.DuesPayment{ID: "d-1", AmountCents: 1500, UpdatedAt: t2}

	d, err := r.Resolve(action(), client, server)
	require.NoError(t, err)
	assert.True(t, d.Suspended())
	assert.Nil(t, d.Push)
	assert.Nil(t, d.Adopt)
	require.NotNil(t, d.Resolution)
	assert.Equal(t, models.StrategyManual, d.Resolution.Strategy)
	assert.Contains(t, string(d.Resolution.ServerData), "1500")
	assert.Contains(t, string(d.Resolution.ClientData), "1000")
	assert.Empty(t, d.Resolution.ResolvedData)
}

func TestResolve_clientWinsOverride(t *testing.T) {
	r := NewResolver(map[models.EntityKind]models.ConflictStrategy{models.KindMeetings: models.StrategyClientWins})
	assert.Equal(t, models.StrategyClientWins, r.StrategyFor(models.KindMeetings))
	assert.Equal(t, models.StrategyMerge, r.StrategyFor(models.KindMembers))

	client := &models.Meeting{ID: "mt-1", Title: "Local", UpdatedAt: t1}
	d, err := r.Resolve(action(), client, &models.Meeting{ID: "mt-1", Title: "Server", UpdatedAt: t2})
	require.NoError(t, err)
	assert.Equal(t, "Local", d.Push.(*models.Meeting).Title)
	assert.True(t, t2.Equal(d.Push.BaseUpdatedAt()), "pushed record is rebased onto the server copy")
	assert.Contains(t, string(d.Resolution.ClientData), t1.Format(time.RFC3339))
}

func TestSetStrategies(t *testing.T) {
	r := NewResolver(map[models.EntityKind]models.ConflictStrategy{models.KindMeetings: models.StrategyClientWins})

	r.SetStrategies(map[models.EntityKind]models.ConflictStrategy{models.KindMembers: models.StrategyManual})
	assert.Equal(t, models.StrategyManual, r.StrategyFor(models.KindMembers))
	assert.Equal(t, models.StrategyServerWins, r.StrategyFor(models.KindMeetings), "earlier overrides are dropped")

	r.SetStrategies(nil)
	assert.Equal(t, DefaultStrategies(), r.Strategies())
}

func TestResolve_invalid(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(action(), nil, &models.Member{})
	assert.True(t, errors.Is(err, ErrInvalidConflict))

	_, err = r.Resolve(action(), &models.Member{}, &models.Meeting{})
	assert.True(t, IsConflictError(err))
}

func TestApplyResolution(t *testing.T) {
	r := NewResolver(nil)
	client := &models.DuesPayment{ID: "d-1", AmountCents: 1000, UpdatedAt: t1}
	server := &models.DuesPayment{ID: "d-1", AmountCents: 1500, UpdatedAt: t2}

	d, err := r.ApplyResolution(action(), models.Resolution{Strategy: models.StrategyClientWins}, client, server)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), d.Push.(*models.DuesPayment).AmountCents)

	d, err = r.ApplyResolution(action(), models.Resolution{
		Strategy: models.StrategyMerge,
		Data:     json.RawMessage(`{"id":"ignored","amount_cents":1250,"currency":"EUR"}`),
	}, client, server)
	require.NoError(t, err)
	merged := d.Push.(*models.DuesPayment)
	assert.Equal(t, int64(1250), merged.AmountCents)
	assert.Equal(t, "d-1", merged.ID)

	_, err = r.ApplyResolution(action(), models.Resolution{Strategy: models.StrategyManual}, client, server)
	assert.ErrorIs(t, err, ErrManualResolution)

	_, err = r.ApplyResolution(action(), models.Resolution{Strategy: "coin_flip"}, client, server)
	assert.True(t, IsConflictError(err))

	_, err = r.ApplyResolution(action(), models.Resolution{Strategy: models.StrategyMerge, Data: json.RawMessage(`null`)}, client, server)
	assert.True(t, IsConflictError(err))
}

func TestConflictError(t *testing.T) {
	inner := errors.New("bad json")
	err := &ConflictError{Message: "invalid resolution data", Err: inner}
	assert.Equal(t, "invalid resolution data: bad json", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.False(t, IsConflictError(inner))
}
