// Package queue provides the durable sync queue for offline mutations.
// Actions are rows of the sync_queue table and survive restarts.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/syncore/internal/clock"
	"github.com/kimhsiao/syncore/internal/db"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
)

const table = "sync_queue"

// Options configures a SyncQueue.
type Options struct {
	// MaxRetry is the retry budget; defaults to models.DefaultMaxRetry.
	MaxRetry int
	Clock    clock.Clock
}

// Stats summarizes the queue contents.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// SyncQueue manages pending sync actions stored in the local database.
type SyncQueue struct {
	store    *db.Store
	maxRetry int
	clock    clock.Clock

	mu       sync.RWMutex
	notifier func()
}

// NewSyncQueue creates a new SyncQueue over store.
func NewSyncQueue(store *db.Store, opts Options) *SyncQueue {
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = models.DefaultMaxRetry
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &SyncQueue{store: store, maxRetry: opts.MaxRetry, clock: opts.Clock}
}

// MaxRetry returns the retry budget.
func (q *SyncQueue) MaxRetry() int {
	return q.maxRetry
}

// SetNotifier registers a hook invoked after an action is enqueued outside a
// caller-managed transaction. The hook must not block.
func (q *SyncQueue) SetNotifier(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifier = fn
}

// Notify invokes the enqueue hook. Callers of EnqueueTx use it once their
// transaction has committed.
func (q *SyncQueue) Notify() {
	q.mu.RLock()
	fn := q.notifier
	q.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Enqueue stores a new action with retry_count 0. The entity kind and
// record id come from the payload. It never touches the network.
func (q *SyncQueue) Enqueue(ctx context.Context, actionType models.ActionType, payload models.Payload, priority models.Priority) (*models.SyncAction, error) {
	action, err := q.EnqueueTx(ctx, q.store, actionType, payload, priority)
	if err != nil {
		return nil, err
	}
	q.Notify()
	return action, nil
}

// EnqueueTx stores a new action using ex, typically an open transaction
// that also carries the optimistic record write.
func (q *SyncQueue) EnqueueTx(ctx context.Context, ex db.Executor, actionType models.ActionType, payload models.Payload, priority models.Priority) (*models.SyncAction, error) {
	if _, err := models.ParseActionType(string(actionType)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid action type", err)
	}
	if payload == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "payload is required")
	}
	if err := payload.Kind().Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid entity kind", err)
	}
	if payload.RecordID() == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record id is required")
	}
	if priority < models.PriorityCritical {
		priority = models.PriorityNormal
	}

	raw, err := models.EncodePayload(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode payload", err)
	}

	action := &models.SyncAction{
		ActionType: actionType,
		EntityKind: payload.Kind(),
		RecordID:   payload.RecordID(),
		Payload:    raw,
		Priority:   priority,
		CreatedAt:  q.clock.Now().UTC().Truncate(time.Millisecond),
	}
	id, err := ex.Insert(ctx, table, actionRow(action))
	if err != nil {
		return nil, err
	}
	action.ID = id

	logging.Debug("Enqueued sync action", map[string]interface{}{
		"action_id":   id,
		"action_type": string(actionType),
		"entity_kind": string(action.EntityKind),
		"record_id":   action.RecordID,
		"priority":    int(priority),
	})
	return action, nil
}

// PendingCount counts actions whose retry budget is not exhausted.
func (q *SyncQueue) PendingCount(ctx context.Context) (int, error) {
	return q.store.Count(ctx, table, q.pending())
}

// DrainOrder returns the pending actions by priority ascending, then by
// creation time ascending. The row id breaks creation-time ties so
// insertion order holds within a millisecond.
func (q *SyncQueue) DrainOrder(ctx context.Context) ([]*models.SyncAction, error) {
	return q.selectActions(ctx, q.store, db.Query{
		Where:   q.pending(),
		OrderBy: []db.Order{db.Asc("priority"), db.Asc("created_at"), db.Asc("id")},
	})
}

// Get returns one action by id, pending or not.
func (q *SyncQueue) Get(ctx context.Context, id int64) (*models.SyncAction, error) {
	actions, err := q.selectActions(ctx, q.store, db.Query{Where: db.Eq("id", id), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "sync action %d not found", id)
	}
	return actions[0], nil
}

// MarkFailed records a failed attempt: retry_count is incremented and the
// cause stored. The updated action is returned; callers check Exhausted.
func (q *SyncQueue) MarkFailed(ctx context.Context, id int64, cause error) (*models.SyncAction, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := q.clock.Now().UTC()

	var updated *models.SyncAction
	err := q.store.RunTransaction(ctx, func(tx db.Executor) error {
		actions, err := q.selectActions(ctx, tx, db.Query{Where: db.Eq("id", id), Limit: 1})
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			return apperrors.Newf(apperrors.ErrNotFound, "sync action %d not found", id)
		}
		updated = actions[0]
		updated.RetryCount++
		updated.LastError = msg
		updated.LastAttemptAt = &now
		_, err = tx.Update(ctx, table, db.Row{
			"retry_count":     updated.RetryCount,
			"last_error":      msg,
			"last_attempt_at": now,
		}, db.Eq("id", id))
		return err
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"action_id":   id,
		"retry_count": updated.RetryCount,
		"max_retry":   q.maxRetry,
	}
	if updated.Exhausted(q.maxRetry) {
		logging.ErrorWithCode("Sync action failed permanently", string(apperrors.ErrSyncPermanent), cause, fields)
	} else {
		logging.Warn(fmt.Sprintf("Sync action failed, retry %d/%d: %s", updated.RetryCount, q.maxRetry, msg), fields)
	}
	return updated, nil
}

// Remove deletes an action after its confirmed remote application.
func (q *SyncQueue) Remove(ctx context.Context, id int64) error {
	return q.RemoveTx(ctx, q.store, id)
}

// RemoveTx deletes an action using ex.
func (q *SyncQueue) RemoveTx(ctx context.Context, ex db.Executor, id int64) error {
	_, err := ex.Delete(ctx, table, db.Eq("id", id))
	return err
}

// ListFailed returns the permanently failed actions, oldest first.
func (q *SyncQueue) ListFailed(ctx context.Context) ([]*models.SyncAction, error) {
	return q.selectActions(ctx, q.store, db.Query{
		Where:   q.failed(),
		OrderBy: []db.Order{db.Asc("created_at"), db.Asc("id")},
	})
}

// RetryFailed gives permanently failed actions a fresh retry budget. Each
// one is replaced by a new action with the same content and creation time,
// so retry_count never decreases on an existing row. With no ids every
// failed action is retried. It returns the new actions.
func (q *SyncQueue) RetryFailed(ctx context.Context, ids ...int64) ([]*models.SyncAction, error) {
	where := q.failed()
	if len(ids) > 0 {
		args := make([]interface{}, len(ids))
		marks := ""
		for i, id := range ids {
			args[i] = id
			if i > 0 {
				marks += ", "
			}
			marks += "?"
		}
		where = db.And(where, db.Where("id IN ("+marks+")", args...))
	}

	var fresh []*models.SyncAction
	err := q.store.RunTransaction(ctx, func(tx db.Executor) error {
		failed, err := q.selectActions(ctx, tx, db.Query{Where: where, OrderBy: []db.Order{db.Asc("id")}})
		if err != nil {
			return err
		}
		for _, old := range failed {
			a := *old
			a.ID = 0
			a.RetryCount = 0
			a.LastError = ""
			a.LastAttemptAt = nil
			id, err := tx.Insert(ctx, table, actionRow(&a))
			if err != nil {
				return err
			}
			if _, err := tx.Delete(ctx, table, db.Eq("id", old.ID)); err != nil {
				return err
			}
			a.ID = id
			fresh = append(fresh, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(fresh) > 0 {
		logging.Info(fmt.Sprintf("Re-queued %d failed sync actions", len(fresh)))
		q.Notify()
	}
	return fresh, nil
}

// PurgeFailed deletes permanently failed actions created before the
// retention window and returns how many were removed.
func (q *SyncQueue) PurgeFailed(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.clock.Now().Add(-retention)
	n, err := q.store.Delete(ctx, table, db.And(q.failed(), db.Where("created_at < ?", cutoff.UnixMilli())))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Purged failed sync actions", map[string]interface{}{"removed": n, "retention": retention.String()})
	}
	return n, nil
}

// RebaseUpdatesTx moves the observed server timestamp of every other queued
// UPDATE for the record to serverUpdatedAt. It runs after an earlier
// action for the record succeeded, so the later ones are not mistaken for
// conflicts with the client's own write.
func (q *SyncQueue) RebaseUpdatesTx(ctx context.Context, ex db.Executor, kind models.EntityKind, recordID string, skipID int64, serverUpdatedAt time.Time) error {
	return q.rewritePayloadsTx(ctx, ex, kind, recordID, skipID, func(a *models.SyncAction, p models.Payload) (db.Row, error) {
		if a.ActionType != models.ActionUpdate {
			return nil, nil
		}
		p.Rebase(serverUpdatedAt)
		return db.Row{}, nil
	})
}

// ReassignRecordIDTx rewrites queued actions for oldID to newID after the
// server assigned its own id to a created record.
func (q *SyncQueue) ReassignRecordIDTx(ctx context.Context, ex db.Executor, kind models.EntityKind, oldID, newID string) error {
	return q.rewritePayloadsTx(ctx, ex, kind, oldID, 0, func(_ *models.SyncAction, p models.Payload) (db.Row, error) {
		p.SetRecordID(newID)
		return db.Row{"record_id": newID}, nil
	})
}

// rewritePayloadsTx applies fn to the decoded payload of every action for
// the record except skipID. A nil row from fn leaves the action untouched.
func (q *SyncQueue) rewritePayloadsTx(ctx context.Context, ex db.Executor, kind models.EntityKind, recordID string, skipID int64,
	fn func(*models.SyncAction, models.Payload) (db.Row, error)) error {
	actions, err := q.selectActions(ctx, ex, db.Query{
		Where: db.And(db.Eq("entity_kind", string(kind)), db.Eq("record_id", recordID), db.Where("id <> ?", skipID)),
	})
	if err != nil {
		return err
	}
	for _, a := range actions {
		p, err := a.DecodePayload()
		if err != nil {
			logging.Warn("Skipping undecodable queued payload", map[string]interface{}{"action_id": a.ID, "error": err.Error()})
			continue
		}
		row, err := fn(a, p)
		if err != nil {
			return err
		}
		if row == nil {
			continue
		}
		raw, err := models.EncodePayload(p)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode payload", err)
		}
		row["payload"] = string(raw)
		if _, err := ex.Update(ctx, table, row, db.Eq("id", a.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns queue statistics.
func (q *SyncQueue) Stats(ctx context.Context) (Stats, error) {
	total, err := q.store.Count(ctx, table, db.Predicate{})
	if err != nil {
		return Stats{}, err
	}
	failed, err := q.store.Count(ctx, table, q.failed())
	if err != nil {
		return Stats{}, err
	}
	return Stats{Total: total, Pending: total - failed, Failed: failed}, nil
}

func (q *SyncQueue) pending() db.Predicate {
	return db.Where("retry_count < ?", q.maxRetry)
}

func (q *SyncQueue) failed() db.Predicate {
	return db.Where("retry_count >= ?", q.maxRetry)
}

func (q *SyncQueue) selectActions(ctx context.Context, ex db.Executor, query db.Query) ([]*models.SyncAction, error) {
	rows, err := ex.Select(ctx, table, query)
	if err != nil {
		return nil, err
	}
	actions := make([]*models.SyncAction, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, actionFromRow(row))
	}
	return actions, nil
}

func actionRow(a *models.SyncAction) db.Row {
	row := db.Row{
		"action_type": string(a.ActionType),
		"entity_kind": string(a.EntityKind),
		"record_id":   a.RecordID,
		"payload":     string(a.Payload),
		"priority":    int(a.Priority),
		"retry_count": a.RetryCount,
		"created_at":  a.CreatedAt,
	}
	if a.LastError != "" {
		row["last_error"] = a.LastError
	}
	if a.LastAttemptAt != nil {
		row["last_attempt_at"] = *a.LastAttemptAt
	}
	return row
}

func actionFromRow(row db.Row) *models.SyncAction {
	a := &models.SyncAction{
		ID:         asInt(row["id"]),
		ActionType: models.ActionType(asString(row["action_type"])),
		EntityKind: models.EntityKind(asString(row["entity_kind"])),
		RecordID:   asString(row["record_id"]),
		Payload:    []byte(asString(row["payload"])),
		Priority:   models.Priority(asInt(row["priority"])),
		RetryCount: int(asInt(row["retry_count"])),
		LastError:  asString(row["last_error"]),
		CreatedAt:  models.FromMillis(asInt(row["created_at"])),
	}
	if ms := asInt(row["last_attempt_at"]); ms != 0 {
		t := models.FromMillis(ms)
		a.LastAttemptAt = &t
	}
	return a
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}

func asInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}
