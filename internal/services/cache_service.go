// Package services provides cache-first reads and optimistic writes for the
// synchronized entity kinds.
package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/syncore/internal/clock"
	"github.com/kimhsiao/syncore/internal/db"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/sync/queue"
	"github.com/kimhsiao/syncore/internal/uuid"
)

// Fetcher reads server copies.
type Fetcher interface {
	List(ctx context.Context, kind models.EntityKind) ([]models.Payload, error)
	Get(ctx context.Context, kind models.EntityKind, id string) (models.Payload, error)
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// CacheConfig holds configuration for a CacheService.
type CacheConfig struct {
	// Priority of the actions enqueued by writes.
	Priority models.Priority

	// RefreshTimeout bounds a background refresh.
	RefreshTimeout time.Duration

	Clock clock.Clock
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Priority:       models.PriorityNormal,
		RefreshTimeout: 30 * time.Second,
	}
}

// Record is a cached record with its sync state.
type Record struct {
	models.Payload
	Synced bool
}

// MarshalJSON writes the record fields plus "synced".
func (r Record) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["synced"] = r.Synced
	return json.Marshal(fields)
}

// CacheService serves one entity kind from the local store and keeps it
// fresh from the remote.
type CacheService struct {
	kind    models.EntityKind
	store   *db.Store
	queue   *queue.SyncQueue
	remote  Fetcher
	network Connectivity
	config  *CacheConfig
	clock   clock.Clock

	group singleflight.Group
	wg    sync.WaitGroup

	// Event callback for refresh completion
	onRefreshed func(kind models.EntityKind, updated int, err error)
	mu          sync.RWMutex
}

// NewCacheService creates a CacheService. A nil network is treated as
// always online.
func NewCacheService(kind models.EntityKind, store *db.Store, q *queue.SyncQueue, remote Fetcher, network Connectivity, config *CacheConfig) *CacheService {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultCacheConfig().RefreshTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &CacheService{
		kind:    kind,
		store:   store,
		queue:   q,
		remote:  remote,
		network: network,
		config:  config,
		clock:   clk,
	}
}

// Kind returns the entity kind served.
func (s *CacheService) Kind() models.EntityKind {
	return s.kind
}

// SetOnRefreshed sets the callback invoked after each remote refresh.
func (s *CacheService) SetOnRefreshed(fn func(kind models.EntityKind, updated int, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefreshed = fn
}

// List returns the cached records. With a warm cache it returns at once
// and refreshes in the background; with an empty cache it fetches from the
// remote first.
func (s *CacheService) List(ctx context.Context) ([]Record, error) {
	records, err := s.listLocal(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		s.refreshAsync()
		return records, nil
	}

	if _, err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.listLocal(ctx)
}

// Get returns one record, from the cache when present.
func (s *CacheService) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := s.getLocal(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		s.refreshAsync()
		return rec, nil
	}

	if !s.online() {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s is not cached", s.kind, id)
	}
	server, err := s.remote.Get(ctx, s.kind, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.apply(ctx, []models.Payload{server}); err != nil {
		return nil, err
	}
	rec, err = s.getLocal(ctx, s.store, server.RecordID())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// A queued local change owns the record.
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", s.kind, id)
	}
	return rec, nil
}

// Create writes p locally with synced=false and enqueues a CREATE. An empty
// id is filled with a new UUID.
func (s *CacheService) Create(ctx context.Context, p models.Payload) (*Record, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	if p.RecordID() == "" {
		p.SetRecordID(uuid.New())
	}

	row := db.Row(p.Columns())
	row["synced"] = false
	if row["created_at"] == int64(0) {
		row["created_at"] = s.clock.Now().UnixMilli()
	}

	err := s.store.RunTransaction(ctx, func(tx db.Executor) error {
		if _, err := tx.Insert(ctx, s.kind.Table(), row); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(ctx, tx, models.ActionCreate, p, s.config.Priority)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.queue.Notify()
	return s.mustGetLocal(ctx, p.RecordID())
}

// Update writes p locally with synced=false and enqueues an UPDATE based on
// the server timestamp the cache last held for the record.
func (s *CacheService) Update(ctx context.Context, p models.Payload) (*Record, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	if p.RecordID() == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record id is required")
	}

	err := s.store.RunTransaction(ctx, func(tx db.Executor) error {
		current, err := s.getLocal(ctx, tx, p.RecordID())
		if err != nil {
			return err
		}
		if current == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", s.kind, p.RecordID())
		}
		p.Rebase(current.BaseUpdatedAt())

		row := db.Row(p.Columns())
		row["synced"] = false
		row["created_at"] = current.Columns()["created_at"]
		if _, err := tx.Update(ctx, s.kind.Table(), row, db.Eq("id", p.RecordID())); err != nil {
			return err
		}
		_, err = s.queue.EnqueueTx(ctx, tx, models.ActionUpdate, p, s.config.Priority)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.queue.Notify()
	return s.mustGetLocal(ctx, p.RecordID())
}

// Delete removes the record locally and enqueues a DELETE.
func (s *CacheService) Delete(ctx context.Context, id string) error {
	err := s.store.RunTransaction(ctx, func(tx db.Executor) error {
		current, err := s.getLocal(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", s.kind, id)
		}
		if _, err := tx.Delete(ctx, s.kind.Table(), db.Eq("id", id)); err != nil {
			return err
		}
		_, err = s.queue.EnqueueTx(ctx, tx, models.ActionDelete, current.Payload, s.config.Priority)
		return err
	})
	if err != nil {
		return err
	}
	s.queue.Notify()
	return nil
}

// Wait blocks until background refreshes have finished.
func (s *CacheService) Wait() {
	s.wg.Wait()
}

func (s *CacheService) refreshAsync() {
	if !s.online() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.RefreshTimeout)
		defer cancel()
		if _, err := s.refresh(ctx); err != nil {
			logging.Warn("Background refresh failed", map[string]interface{}{
				"entity_kind": string(s.kind),
				"error":       err.Error(),
			})
		}
	}()
}

// refresh fetches the collection once per concurrent burst of callers.
func (s *CacheService) refresh(ctx context.Context) (int, error) {
	if !s.online() {
		return 0, apperrors.New(apperrors.ErrSyncOffline, "cannot fetch while offline")
	}
	v, err, _ := s.group.Do(string(s.kind), func() (interface{}, error) {
		records, err := s.remote.List(ctx, s.kind)
		if err != nil {
			return 0, err
		}
		return s.apply(ctx, records)
	})

	s.mu.RLock()
	fn := s.onRefreshed
	s.mu.RUnlock()
	updated, _ := v.(int)
	if fn != nil {
		fn(s.kind, updated, err)
	}
	return updated, err
}

// apply writes server records into the cache. Records with a local change
// in flight are left alone: an unsynced row, or any queued action for the
// record (which also covers a pending local delete).
func (s *CacheService) apply(ctx context.Context, records []models.Payload) (int, error) {
	updated := 0
	err := s.store.RunTransaction(ctx, func(tx db.Executor) error {
		for _, p := range records {
			if p == nil || p.RecordID() == "" {
				continue
			}
			queued, err := tx.Exists(ctx, "sync_queue", db.And(
				db.Eq("entity_kind", string(s.kind)),
				db.Eq("record_id", p.RecordID()),
			))
			if err != nil {
				return err
			}
			if queued {
				continue
			}
			dirty, err := tx.Exists(ctx, s.kind.Table(), db.And(
				db.Eq("id", p.RecordID()),
				db.Eq("synced", false),
			))
			if err != nil {
				return err
			}
			if dirty {
				continue
			}

			row := db.Row(p.Columns())
			row["synced"] = true
			if err := tx.Upsert(ctx, s.kind.Table(), row, "id"); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logging.Debug("Cache refreshed", map[string]interface{}{
		"entity_kind": string(s.kind),
		"received":    len(records),
		"updated":     updated,
	})
	return updated, nil
}

func (s *CacheService) listLocal(ctx context.Context) ([]Record, error) {
	rows, err := s.store.Select(ctx, s.kind.Table(), db.Query{OrderBy: []db.Order{db.Asc("id")}})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		p, err := s.kind.RecordFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{Payload: p, Synced: models.RowSynced(row)})
	}
	return out, nil
}

func (s *CacheService) getLocal(ctx context.Context, ex db.Executor, id string) (*Record, error) {
	rows, err := ex.Select(ctx, s.kind.Table(), db.Query{Where: db.Eq("id", id), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	p, err := s.kind.RecordFromRow(rows[0])
	if err != nil {
		return nil, err
	}
	return &Record{Payload: p, Synced: models.RowSynced(rows[0])}, nil
}

func (s *CacheService) mustGetLocal(ctx context.Context, id string) (*Record, error) {
	rec, err := s.getLocal(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", s.kind, id)
	}
	return rec, nil
}

func (s *CacheService) check(p models.Payload) error {
	if p == nil {
		return apperrors.New(apperrors.ErrInvalid, "record is required")
	}
	if p.Kind() != s.kind {
		return apperrors.Newf(apperrors.ErrInvalid, "expected a %s record, got %s", s.kind, p.Kind())
	}
	return nil
}

func (s *CacheService) online() bool {
	return s.network == nil || s.network.IsOnline()
}
