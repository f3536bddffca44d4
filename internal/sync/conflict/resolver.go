// Package conflict detects and resolves divergence between a queued UPDATE
// and the server's current copy of the record.
package conflict

import (
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
)

// MergeFunc produces the record to PUT from the client and server copies.
type MergeFunc func(client, server models.Payload) (models.Payload, error)

// DefaultStrategies is the strategy table used when no override is configured.
func DefaultStrategies() map[models.EntityKind]models.ConflictStrategy {
	return map[models.EntityKind]models.ConflictStrategy{
		models.KindMembers:      models.StrategyMerge,
		models.KindMeetings:     models.StrategyServerWins,
		models.KindDuesPayments: models.StrategyManual,
	}
}

// Resolver selects a resolution per entity kind. It never touches the
// queue or the store; the engine acts on the returned Decision.
type Resolver struct {
	mu         sync.RWMutex
	strategies map[models.EntityKind]models.ConflictStrategy
	merges     map[models.EntityKind]MergeFunc
}

// NewResolver creates a Resolver from the default table with overrides
// applied on top.
func NewResolver(overrides map[models.EntityKind]models.ConflictStrategy) *Resolver {
	strategies := DefaultStrategies()
	for kind, s := range overrides {
		strategies[kind] = s
	}
	return &Resolver{
		strategies: strategies,
		merges: map[models.EntityKind]MergeFunc{
			models.KindMembers:      mergeMembers,
			models.KindMeetings:     mergeMeetings,
			models.KindDuesPayments: mergeDuesPayments,
		},
	}
}

// StrategyFor returns the configured strategy, server_wins when unset.
func (r *Resolver) StrategyFor(kind models.EntityKind) models.ConflictStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[kind]; ok {
		return s
	}
	return models.StrategyServerWins
}

// Strategies returns a copy of the strategy table.
func (r *Resolver) Strategies() map[models.EntityKind]models.ConflictStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.EntityKind]models.ConflictStrategy, len(r.strategies))
	for k, v := range r.strategies {
		out[k] = v
	}
	return out
}

// SetStrategies replaces the table with the defaults plus overrides.
// Decisions already returned are unaffected.
func (r *Resolver) SetStrategies(overrides map[models.EntityKind]models.ConflictStrategy) {
	strategies := DefaultStrategies()
	for kind, s := range overrides {
		strategies[kind] = s
	}
	r.mu.Lock()
	r.strategies = strategies
	r.mu.Unlock()
	logging.Info("Conflict strategies updated", map[string]interface{}{"overrides": len(overrides)})
}

// Decision is the resolver's answer for one UPDATE.
type Decision struct {
	// Conflict reports whether the server diverged from the client's base.
	Conflict bool
	Strategy models.ConflictStrategy
	// Push is the record to PUT; nil when nothing should be sent.
	Push models.Payload
	// Adopt is the server record to write locally for server_wins.
	Adopt models.Payload
	// Resolution describes the conflict; nil when there is none.
	Resolution *models.ConflictResolution
}

// Suspended reports whether the action must stay queued for manual review.
func (d *Decision) Suspended() bool {
	return d.Conflict && d.Strategy == models.StrategyManual
}

// DetectConflict reports whether the server copy is newer than the
// timestamp the client last observed. Equal timestamps are not a conflict.
// Both sides are compared at the local store's precision, since the
// client's base was read back from it.
func DetectConflict(client, server models.Payload) bool {
	if client == nil || server == nil {
		return false
	}
	serverAt := server.BaseUpdatedAt().Truncate(models.StampPrecision)
	return serverAt.After(client.BaseUpdatedAt().Truncate(models.StampPrecision))
}

// Resolve decides how to apply action, whose decoded payload is client,
// given the server's current copy.
func (r *Resolver) Resolve(action *models.SyncAction, client, server models.Payload) (*Decision, error) {
	if client == nil || server == nil {
		return nil, ErrInvalidConflict
	}
	if client.Kind() != server.Kind() {
		return nil, ErrKindMismatch
	}

	if !DetectConflict(client, server) {
		return &Decision{Push: client}, nil
	}

	strategy := r.StrategyFor(client.Kind())
	logging.Warn("Sync conflict detected", map[string]interface{}{
		"action_id":         action.ID,
		"entity_kind":       string(client.Kind()),
		"record_id":         client.RecordID(),
		"client_updated_at": client.BaseUpdatedAt().UnixMilli(),
		"server_updated_at": server.BaseUpdatedAt().UnixMilli(),
		"strategy":          string(strategy),
	})

	return r.decide(action, strategy, client, server, nil)
}

// ApplyResolution turns an operator's answer to a manual conflict into a
// Decision. For merge, res.Data replaces the kind's merge function when set.
func (r *Resolver) ApplyResolution(action *models.SyncAction, res models.Resolution, client, server models.Payload) (*Decision, error) {
	if client == nil || server == nil {
		return nil, ErrInvalidConflict
	}
	if client.Kind() != server.Kind() {
		return nil, ErrKindMismatch
	}
	if res.Strategy == models.StrategyManual {
		return nil, ErrManualResolution
	}
	if _, ok := models.ParseConflictStrategy(string(res.Strategy)); !ok {
		return nil, &ConflictError{Message: "unknown resolution strategy " + string(res.Strategy)}
	}

	var data models.Payload
	if res.Strategy == models.StrategyMerge && len(res.Data) > 0 {
		p, err := models.DecodeRecord(client.Kind(), res.Data)
		if err != nil {
			return nil, &ConflictError{Message: "invalid resolution data", Err: err}
		}
		data = p
	}

	logging.Info("Applying conflict resolution", map[string]interface{}{
		"action_id":   action.ID,
		"entity_kind": string(client.Kind()),
		"record_id":   client.RecordID(),
		"strategy":    string(res.Strategy),
	})
	return r.decide(action, res.Strategy, client, server, data)
}

func (r *Resolver) decide(action *models.SyncAction, strategy models.ConflictStrategy, client, server, merged models.Payload) (*Decision, error) {
	res, err := newResolution(action, strategy, client, server)
	if err != nil {
		return nil, err
	}
	d := &Decision{Conflict: true, Strategy: strategy, Resolution: res}

	switch strategy {
	case models.StrategyServerWins:
		d.Adopt = server
	case models.StrategyClientWins:
		d.Push = client
	case models.StrategyMerge:
		if merged == nil {
			merge, ok := r.merges[client.Kind()]
			if !ok {
				return nil, ErrMergeNotSupported
			}
			if merged, err = merge(client, server); err != nil {
				return nil, &ConflictError{Message: "merge failed", Err: err}
			}
		}
		merged.SetRecordID(client.RecordID())
		d.Push = merged
	case models.StrategyManual:
	default:
		return nil, &ConflictError{Message: "unknown strategy " + string(strategy)}
	}

	var resolved models.Payload
	switch {
	case d.Push != nil:
		// The pushed record now builds on the server state it replaces.
		d.Push.Rebase(server.BaseUpdatedAt())
		resolved = d.Push
	case d.Adopt != nil:
		resolved = d.Adopt
	}
	if resolved != nil {
		if res.ResolvedData, err = json.Marshal(resolved); err != nil {
			return nil, &ConflictError{Message: "failed to encode resolved data", Err: err}
		}
	}
	return d, nil
}

func newResolution(action *models.SyncAction, strategy models.ConflictStrategy, client, server models.Payload) (*models.ConflictResolution, error) {
	serverData, err := json.Marshal(server)
	if err != nil {
		return nil, &ConflictError{Message: "failed to encode server data", Err: err}
	}
	clientData, err := json.Marshal(client)
	if err != nil {
		return nil, &ConflictError{Message: "failed to encode client data", Err: err}
	}
	return &models.ConflictResolution{
		ActionID:   action.ID,
		EntityKind: client.Kind(),
		RecordID:   client.RecordID(),
		Strategy:   strategy,
		ServerData: serverData,
		ClientData: clientData,
	}, nil
}

// mergeMembers keeps the client's contact details and the server's
// membership role and status.
func mergeMembers(client, server models.Payload) (models.Payload, error) {
	c, s, err := pair[*models.Member](client, server)
	if err != nil {
		return nil, err
	}
	out := *s
	out.Name = preferNonEmpty(c.Name, s.Name)
	out.Email = preferNonEmpty(c.Email, s.Email)
	out.Phone = preferNonEmpty(c.Phone, s.Phone)
	out.Notes = preferNonEmpty(c.Notes, s.Notes)
	return &out, nil
}

// mergeMeetings keeps the client's descriptive fields and the server's
// schedule.
func mergeMeetings(client, server models.Payload) (models.Payload, error) {
	c, s, err := pair[*models.Meeting](client, server)
	if err != nil {
		return nil, err
	}
	out := *s
	out.Title = preferNonEmpty(c.Title, s.Title)
	out.Location = preferNonEmpty(c.Location, s.Location)
	out.Notes = preferNonEmpty(c.Notes, s.Notes)
	return &out, nil
}

// mergeDuesPayments keeps the server's ledger fields; only a missing
// currency is filled from the client.
func mergeDuesPayments(client, server models.Payload) (models.Payload, error) {
	c, s, err := pair[*models.DuesPayment](client, server)
	if err != nil {
		return nil, err
	}
	out := *s
	out.Currency = preferNonEmpty(s.Currency, c.Currency)
	if out.PaidAt.IsZero() {
		out.PaidAt = c.PaidAt
	}
	return &out, nil
}

func pair[T models.Payload](client, server models.Payload) (T, T, error) {
	c, ok1 := client.(T)
	s, ok2 := server.(T)
	if !ok1 || !ok2 {
		var zero T
		return zero, zero, ErrKindMismatch
	}
	return c, s, nil
}

func preferNonEmpty(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// Errors
var (
	ErrInvalidConflict   = &ConflictError{Message: "invalid conflict: client and server records are required"}
	ErrKindMismatch      = &ConflictError{Message: "entity kind mismatch"}
	ErrMergeNotSupported = &ConflictError{Message: "merge not supported"}
	ErrManualResolution  = &ConflictError{Message: "a resolution must choose server_wins, client_wins or merge"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return stderrors.As(err, &ce)
}
