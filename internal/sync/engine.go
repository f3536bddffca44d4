// Package sync drains the sync queue against the remote backend.
package sync

import (
	"context"
	"fmt"
	"math"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/syncore/internal/clock"
	"github.com/kimhsiao/syncore/internal/db"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/sync/conflict"
	"github.com/kimhsiao/syncore/internal/sync/queue"
	"github.com/kimhsiao/syncore/internal/telemetry"
	"github.com/kimhsiao/syncore/internal/uuid"
)

// MessageRejected is the result message for a trigger that arrives while a
// cycle is running or while offline.
const MessageRejected = "Sync already in progress or offline"

// State is the engine's position in its Idle/Syncing state machine.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// Remote is the subset of the backend API the engine needs.
type Remote interface {
	Create(ctx context.Context, p models.Payload, idempotencyKey string) (models.Payload, error)
	Update(ctx context.Context, p models.Payload, idempotencyKey string) (models.Payload, error)
	Get(ctx context.Context, kind models.EntityKind, id string) (models.Payload, error)
	Delete(ctx context.Context, kind models.EntityKind, id string, idempotencyKey string) error
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// Progress is published after every processed action.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Conflicts  int `json:"conflicts"`
	Percentage int `json:"percentage"`
}

// SyncResult summarizes one cycle. Success means the engine ran, even if
// individual actions failed.
type SyncResult struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Conflicts  int       `json:"conflicts"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// RetryAfter is the backoff before a scheduled retry of failed
	// actions; zero when nothing is waiting for one.
	RetryAfter time.Duration `json:"-"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	State         State `json:"state"`
	Online        bool  `json:"online"`
	Pending       int   `json:"pending"`
	Failed        int   `json:"failed"`
	OpenConflicts int   `json:"open_conflicts"`
	// Progress is the latest progress of the running or last cycle.
	Progress   *Progress   `json:"progress,omitempty"`
	LastSyncAt *time.Time  `json:"last_sync_at,omitempty"`
	LastResult *SyncResult `json:"last_result,omitempty"`
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// BatchSize is the number of actions processed between pauses.
	BatchSize int
	// BatchPause is the pause between batches.
	BatchPause time.Duration
	// Backoff maps a retry count to the delay before a scheduled retry.
	Backoff queue.Backoff
	Clock   clock.Clock
	Metrics *telemetry.Metrics
}

// Engine orchestrates queue draining. At most one cycle runs at a time.
type Engine struct {
	store    *db.Store
	queue    *queue.SyncQueue
	remote   Remote
	resolver *conflict.Resolver
	network  Connectivity

	batchSize  int
	batchPause time.Duration
	backoff    queue.Backoff
	clock      clock.Clock
	metrics    *telemetry.Metrics

	progress  *bus[Progress]
	conflicts *bus[models.ConflictResolution]

	mu            stdsync.Mutex
	state         State
	lastSyncAt    *time.Time
	lastResult    *SyncResult
	lastProgress  *Progress
	openConflicts map[int64]models.ConflictResolution
	trigger       func(reason string)
}

// NewEngine creates a new Engine and hooks it to the queue's enqueue
// notifications.
func NewEngine(store *db.Store, q *queue.SyncQueue, remote Remote, resolver *conflict.Resolver, network Connectivity, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = queue.StepBackoff(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if resolver == nil {
		resolver = conflict.NewResolver(nil)
	}

	e := &Engine{
		store:         store,
		queue:         q,
		remote:        remote,
		resolver:      resolver,
		network:       network,
		batchSize:     cfg.BatchSize,
		batchPause:    cfg.BatchPause,
		backoff:       cfg.Backoff,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		progress:      newBus[Progress]("progress"),
		conflicts:     newBus[models.ConflictResolution]("conflict"),
		state:         StateIdle,
		openConflicts: make(map[int64]models.ConflictResolution),
	}
	q.SetNotifier(e.onEnqueue)
	return e
}

// SetTrigger installs the hook used to request a (debounced) cycle.
func (e *Engine) SetTrigger(fn func(reason string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trigger = fn
}

// RequestSync asks the installed trigger for a cycle. Without a trigger it
// does nothing.
func (e *Engine) RequestSync(reason string) {
	e.mu.Lock()
	fn := e.trigger
	e.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (e *Engine) onEnqueue() {
	if e.isOnline() && e.State() == StateIdle {
		e.RequestSync("enqueue")
	}
}

// QueueAction enqueues a mutation. It works offline; when online and idle
// it requests a debounced cycle instead of running one.
func (e *Engine) QueueAction(ctx context.Context, actionType models.ActionType, payload models.Payload, priority models.Priority) (*models.SyncAction, error) {
	return e.queue.Enqueue(ctx, actionType, payload, priority)
}

// PendingCount counts actions within their retry budget.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the engine status including queue counts.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:         e.state,
		Online:        e.isOnline(),
		Pending:       stats.Pending,
		Failed:        stats.Failed,
		OpenConflicts: len(e.openConflicts),
		LastSyncAt:    e.lastSyncAt,
		LastResult:    e.lastResult,
		Progress:      e.lastProgress,
	}, nil
}

// AddProgressListener registers fn for progress events.
func (e *Engine) AddProgressListener(fn func(Progress)) ListenerID {
	return e.progress.subscribe(fn)
}

// RemoveProgressListener unregisters a progress listener.
func (e *Engine) RemoveProgressListener(id ListenerID) bool {
	return e.progress.unsubscribe(id)
}

// AddConflictListener registers fn for conflict events.
func (e *Engine) AddConflictListener(fn func(models.ConflictResolution)) ListenerID {
	return e.conflicts.subscribe(fn)
}

// RemoveConflictListener unregisters a conflict listener.
func (e *Engine) RemoveConflictListener(id ListenerID) bool {
	return e.conflicts.unsubscribe(id)
}

// OpenConflicts returns the manual conflicts awaiting resolution.
func (e *Engine) OpenConflicts() []models.ConflictResolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ConflictResolution, 0, len(e.openConflicts))
	for _, c := range e.openConflicts {
		out = append(out, c)
	}
	return out
}

// Close stops listener delivery.
func (e *Engine) Close() {
	e.progress.close()
	e.conflicts.close()
}

// StartBackgroundSync runs a cycle unless one is already running or the
// network is down, in which case it returns a rejected result.
func (e *Engine) StartBackgroundSync(ctx context.Context) (*SyncResult, error) {
	if !e.isOnline() || !e.begin() {
		e.metrics.ObserveCycle(telemetry.OutcomeRejected, 0)
		return &SyncResult{Success: false, Message: MessageRejected, Errors: []string{MessageRejected}}, nil
	}
	defer e.end()
	return e.runCycle(ctx)
}

// ForceSync runs a cycle now. It fails with SYNC_OFFLINE when offline and
// SYNC_IN_PROGRESS when a cycle is running.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	if !e.isOnline() {
		return nil, apperrors.New(apperrors.ErrSyncOffline, "cannot sync while offline")
	}
	if !e.begin() {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	defer e.end()
	return e.runCycle(ctx)
}

// Cleanup purges permanently failed actions older than retention.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := e.queue.PurgeFailed(ctx, retention)
	if err != nil {
		return 0, err
	}
	e.refreshDepth(ctx)
	return n, nil
}

// RetryFailed re-queues permanently failed actions; all of them when no
// ids are given.
func (e *Engine) RetryFailed(ctx context.Context, ids ...int64) ([]*models.SyncAction, error) {
	fresh, err := e.queue.RetryFailed(ctx, ids...)
	if err != nil {
		return nil, err
	}
	e.refreshDepth(ctx)
	return fresh, nil
}

// ListFailed returns the permanently failed actions.
func (e *Engine) ListFailed(ctx context.Context) ([]*models.SyncAction, error) {
	return e.queue.ListFailed(ctx)
}

// isOnline reports whether a cycle can reach the backend. An engine
// without a remote is permanently offline.
func (e *Engine) isOnline() bool {
	return e.remote != nil && (e.network == nil || e.network.IsOnline())
}

func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSyncing {
		return false
	}
	e.state = StateSyncing
	return true
}

func (e *Engine) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomePermanent
	outcomeSuspended
	outcomeAborted
)

func (o outcome) metric() string {
	switch o {
	case outcomeSynced:
		return telemetry.ResultSynced
	case outcomeFailed:
		return telemetry.ResultFailed
	case outcomePermanent:
		return telemetry.ResultPermanent
	case outcomeSuspended:
		return telemetry.ResultConflict
	default:
		return telemetry.ResultAborted
	}
}

// actionResult is what processing one action produced.
type actionResult struct {
	outcome  outcome
	err      error
	conflict *models.ConflictResolution
	retries  int
}

func (e *Engine) runCycle(ctx context.Context) (*SyncResult, error) {
	started := e.clock.Now()
	result := &SyncResult{Success: true, StartedAt: started}

	actions, err := e.queue.DrainOrder(ctx)
	if err != nil {
		return e.finish(ctx, result, err)
	}
	actions = e.withoutSuspended(actions)

	logging.Info("Sync cycle started", map[string]interface{}{"actions": len(actions)})

	progress := Progress{Total: len(actions)}
	progress.Percentage = percentage(progress)
	e.publishProgress(progress)

	var detected []models.ConflictResolution
	minRetry := 0
	aborted := false

	for start := 0; start < len(actions) && !aborted; start += e.batchSize {
		if start > 0 && e.batchPause > 0 {
			if err := e.clock.Sleep(ctx, e.batchPause); err != nil {
				result.Errors = append(result.Errors, "cycle interrupted: "+err.Error())
				break
			}
		}
		end := start + e.batchSize
		if end > len(actions) {
			end = len(actions)
		}

		for _, snap := range actions[start:end] {
			// Earlier actions in this cycle may have rebased or re-keyed
			// this one, so work from the stored row.
			a, err := e.queue.Get(ctx, snap.ID)
			if apperrors.Is(err, apperrors.ErrNotFound) {
				progress.Total--
				continue
			}
			if err != nil {
				return e.finish(ctx, result, err)
			}

			res, err := e.process(ctx, a)
			if err != nil {
				return e.finish(ctx, result, err)
			}
			e.metrics.ObserveAction(string(a.ActionType), string(a.EntityKind), res.outcome.metric())
			if res.conflict != nil {
				detected = append(detected, *res.conflict)
				e.metrics.ObserveConflict(string(a.EntityKind), string(res.conflict.Strategy))
			}

			switch res.outcome {
			case outcomeSynced:
				progress.Completed++
				result.Synced++
			case outcomeSuspended:
				progress.Conflicts++
			case outcomeFailed, outcomePermanent:
				progress.Failed++
				result.Failed++
				result.Errors = append(result.Errors, actionError(a, res))
				if res.outcome == outcomeFailed && (minRetry == 0 || res.retries < minRetry) {
					minRetry = res.retries
				}
			case outcomeAborted:
				result.Errors = append(result.Errors, actionError(a, res))
				aborted = true
			}
			if aborted {
				break
			}
			progress.Percentage = percentage(progress)
			e.publishProgress(progress)
		}
	}

	result.Conflicts = len(detected)
	for _, c := range detected {
		e.conflicts.publish(c)
	}
	if minRetry > 0 {
		result.RetryAfter = e.backoff(minRetry)
	}
	if aborted {
		result.Message = "authentication failed; remaining actions deferred"
	}
	return e.finish(ctx, result, nil)
}

func (e *Engine) finish(ctx context.Context, result *SyncResult, err error) (*SyncResult, error) {
	result.FinishedAt = e.clock.Now()
	duration := result.FinishedAt.Sub(result.StartedAt)

	outcome := telemetry.OutcomeCompleted
	switch {
	case err != nil:
		outcome = telemetry.OutcomeError
		result.Success = false
		result.Message = err.Error()
		logging.ErrorWithCode("Sync cycle aborted by storage error", string(apperrors.CodeOf(err)), err)
	case result.Failed > 0:
		outcome = telemetry.OutcomePartialFailure
	}
	e.metrics.ObserveCycle(outcome, duration)

	e.mu.Lock()
	finished := result.FinishedAt
	e.lastSyncAt = &finished
	e.lastResult = result
	e.mu.Unlock()
	e.refreshDepth(ctx)

	if err == nil {
		logging.Info("Sync cycle finished", map[string]interface{}{
			"outcome":     outcome,
			"synced":      result.Synced,
			"failed":      result.Failed,
			"conflicts":   result.Conflicts,
			"duration_ms": duration.Milliseconds(),
		})
	}
	return result, err
}

func (e *Engine) publishProgress(p Progress) {
	e.mu.Lock()
	e.lastProgress = &p
	e.mu.Unlock()
	e.progress.publish(p)
}

func (e *Engine) refreshDepth(ctx context.Context) {
	if stats, err := e.queue.Stats(ctx); err == nil {
		e.metrics.SetQueueDepth(stats.Pending, stats.Failed)
	}
}

// withoutSuspended drops actions held for manual conflict resolution.
func (e *Engine) withoutSuspended(actions []*models.SyncAction) []*models.SyncAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.openConflicts) == 0 {
		return actions
	}
	out := actions[:0]
	for _, a := range actions {
		if _, held := e.openConflicts[a.ID]; !held {
			out = append(out, a)
		}
	}
	return out
}

// process applies one action. The returned error is reserved for storage
// failures, which abort the cycle; remote failures are reported through
// the actionResult.
func (e *Engine) process(ctx context.Context, a *models.SyncAction) (actionResult, error) {
	p, err := a.DecodePayload()
	if err != nil {
		return e.fail(ctx, a, apperrors.Wrap(apperrors.ErrValidation, "undecodable payload", err))
	}

	var remoteErr error
	var res actionResult
	switch a.ActionType {
	case models.ActionCreate:
		remoteErr, err = e.handleCreate(ctx, a, p)
	case models.ActionUpdate:
		res, remoteErr, err = e.handleUpdate(ctx, a, p)
	case models.ActionDelete:
		remoteErr, err = e.handleDelete(ctx, a, p)
	default:
		remoteErr = apperrors.Newf(apperrors.ErrValidation, "unknown action type %q", a.ActionType)
	}
	if err != nil {
		return actionResult{}, err
	}
	if remoteErr != nil {
		return e.fail(ctx, a, remoteErr)
	}
	return res, nil
}

// fail records a failed attempt. An authentication failure leaves the
// retry budget untouched and aborts the cycle.
func (e *Engine) fail(ctx context.Context, a *models.SyncAction, cause error) (actionResult, error) {
	if apperrors.Is(cause, apperrors.ErrSyncAuthFailed) {
		logging.ErrorWithCode("Remote rejected credentials", string(apperrors.ErrSyncAuthFailed), cause,
			map[string]interface{}{"action_id": a.ID})
		return actionResult{outcome: outcomeAborted, err: cause}, nil
	}

	updated, err := e.queue.MarkFailed(ctx, a.ID, cause)
	if err != nil {
		return actionResult{}, err
	}
	if updated.Exhausted(e.queue.MaxRetry()) {
		return actionResult{
			outcome: outcomePermanent,
			err:     apperrors.Wrap(apperrors.ErrSyncPermanent, "retry budget exhausted", cause),
			retries: updated.RetryCount,
		}, nil
	}
	return actionResult{outcome: outcomeFailed, err: cause, retries: updated.RetryCount}, nil
}

func (e *Engine) handleCreate(ctx context.Context, a *models.SyncAction, p models.Payload) (remoteErr, err error) {
	server, remoteErr := e.remote.Create(ctx, p, idempotencyKey(a))
	if remoteErr != nil {
		return remoteErr, nil
	}

	err = e.store.RunTransaction(ctx, func(tx db.Executor) error {
		recordID := a.RecordID
		if newID := server.RecordID(); newID != "" && newID != recordID {
			if err := e.reassignTx(ctx, tx, a.EntityKind, recordID, newID); err != nil {
				return err
			}
			logging.Info("Reconciled server-assigned id", map[string]interface{}{
				"entity_kind": string(a.EntityKind),
				"local_id":    recordID,
				"server_id":   newID,
			})
			recordID = newID
		}
		return e.completeTx(ctx, tx, a, recordID, server)
	})
	return nil, err
}

func (e *Engine) handleUpdate(ctx context.Context, a *models.SyncAction, client models.Payload) (actionResult, error, error) {
	server, remoteErr := e.remote.Get(ctx, a.EntityKind, a.RecordID)
	if remoteErr != nil {
		return actionResult{}, remoteErr, nil
	}

	decision, err := e.resolver.Resolve(a, client, server)
	if err != nil {
		return actionResult{}, apperrors.Wrap(apperrors.ErrSyncConflict, "conflict resolution failed", err), nil
	}

	if decision.Suspended() {
		e.mu.Lock()
		e.openConflicts[a.ID] = *decision.Resolution
		e.mu.Unlock()
		return actionResult{outcome: outcomeSuspended, conflict: decision.Resolution}, nil, nil
	}

	remoteErr, err = e.applyDecision(ctx, a, decision, server)
	if err != nil || remoteErr != nil {
		return actionResult{}, remoteErr, err
	}
	return actionResult{outcome: outcomeSynced, conflict: decision.Resolution}, nil, nil
}

// applyDecision adopts the server copy or pushes the decided record, then
// completes the action.
func (e *Engine) applyDecision(ctx context.Context, a *models.SyncAction, d *conflict.Decision, server models.Payload) (remoteErr, err error) {
	result := server
	if d.Adopt == nil {
		if d.Push == nil {
			return apperrors.New(apperrors.ErrSyncConflict, "resolution produced nothing to apply"), nil
		}
		if result, remoteErr = e.remote.Update(ctx, d.Push, idempotencyKey(a)); remoteErr != nil {
			return remoteErr, nil
		}
	}
	return nil, e.store.RunTransaction(ctx, func(tx db.Executor) error {
		return e.completeTx(ctx, tx, a, a.RecordID, result)
	})
}

func (e *Engine) handleDelete(ctx context.Context, a *models.SyncAction, _ models.Payload) (remoteErr, err error) {
	remoteErr = e.remote.Delete(ctx, a.EntityKind, a.RecordID, idempotencyKey(a))
	if remoteErr != nil && !apperrors.Is(remoteErr, apperrors.ErrNotFound) {
		return remoteErr, nil
	}

	return nil, e.store.RunTransaction(ctx, func(tx db.Executor) error {
		if _, err := tx.Delete(ctx, a.EntityKind.Table(), db.Eq("id", a.RecordID)); err != nil {
			return err
		}
		return e.queue.RemoveTx(ctx, tx, a.ID)
	})
}

// completeTx removes a successful action and reconciles the local record.
// The server copy replaces the local row only when no later action for the
// record is still queued, so an in-flight local edit is never clobbered;
// those later UPDATEs are rebased onto the server timestamp instead.
func (e *Engine) completeTx(ctx context.Context, tx db.Executor, a *models.SyncAction, recordID string, server models.Payload) error {
	if err := e.queue.RemoveTx(ctx, tx, a.ID); err != nil {
		return err
	}

	more, err := tx.Exists(ctx, "sync_queue", db.And(
		db.Eq("entity_kind", string(a.EntityKind)),
		db.Eq("record_id", recordID),
	))
	if err != nil {
		return err
	}
	if more {
		if server != nil && !server.BaseUpdatedAt().IsZero() {
			return e.queue.RebaseUpdatesTx(ctx, tx, a.EntityKind, recordID, a.ID, server.BaseUpdatedAt())
		}
		return nil
	}

	if server == nil {
		_, err := tx.Update(ctx, a.EntityKind.Table(), db.Row{"synced": true}, db.Eq("id", recordID))
		return err
	}
	row := db.Row(server.Columns())
	row["id"] = recordID
	row["synced"] = true
	return tx.Upsert(ctx, a.EntityKind.Table(), row, "id")
}

// reassignTx moves the local record and its queued actions from oldID to
// the server-assigned newID. When a refresh already cached newID, the
// local copy under oldID is dropped and completeTx writes the server copy.
func (e *Engine) reassignTx(ctx context.Context, tx db.Executor, kind models.EntityKind, oldID, newID string) error {
	cached, err := tx.Exists(ctx, kind.Table(), db.Eq("id", newID))
	if err != nil {
		return err
	}
	if cached {
		if _, err := tx.Delete(ctx, kind.Table(), db.Eq("id", oldID)); err != nil {
			return err
		}
	} else if _, err := tx.Update(ctx, kind.Table(), db.Row{"id": newID}, db.Eq("id", oldID)); err != nil {
		return err
	}
	return e.queue.ReassignRecordIDTx(ctx, tx, kind, oldID, newID)
}

// ResolveConflict applies an operator's resolution to a suspended manual
// conflict. It needs the network and cannot run during a cycle.
func (e *Engine) ResolveConflict(ctx context.Context, actionID int64, res models.Resolution) (*models.ConflictResolution, error) {
	e.mu.Lock()
	_, open := e.openConflicts[actionID]
	e.mu.Unlock()
	if !open {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no open conflict for action %d", actionID)
	}
	if !e.isOnline() {
		return nil, apperrors.New(apperrors.ErrSyncOffline, "cannot resolve conflicts while offline")
	}
	if !e.begin() {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	defer e.end()

	a, err := e.queue.Get(ctx, actionID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		e.dropConflict(actionID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	client, err := a.DecodePayload()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "undecodable payload", err)
	}
	server, err := e.remote.Get(ctx, a.EntityKind, a.RecordID)
	if err != nil {
		return nil, err
	}

	decision, err := e.resolver.ApplyResolution(a, res, client, server)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid resolution", err)
	}
	remoteErr, err := e.applyDecision(ctx, a, decision, server)
	if err != nil {
		return nil, err
	}
	if remoteErr != nil {
		return nil, remoteErr
	}

	e.dropConflict(actionID)
	e.refreshDepth(ctx)
	return decision.Resolution, nil
}

func (e *Engine) dropConflict(actionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.openConflicts, actionID)
}

// idempotencyKey is stable for an action across retries, including an
// operator retry, which keeps the kind, record id, type and creation time.
func idempotencyKey(a *models.SyncAction) string {
	return uuid.IdempotencyKey(string(a.EntityKind), a.RecordID, string(a.ActionType),
		strconv.FormatInt(a.CreatedAt.UnixMilli(), 10))
}

func percentage(p Progress) int {
	if p.Total == 0 {
		return 100
	}
	return int(math.Round(float64(p.Completed+p.Failed+p.Conflicts) / float64(p.Total) * 100))
}

func actionError(a *models.SyncAction, res actionResult) string {
	return fmt.Sprintf("%s %s/%s (action %d): %v", a.ActionType, a.EntityKind, a.RecordID, a.ID, res.err)
}
