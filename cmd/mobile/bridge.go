// Package main is the shared library the mobile apps link against
// (libsyncore.so on Android, Syncore.framework on iOS). Every call takes
// the handle returned by SyncInit and results cross the boundary as JSON.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kimhsiao/syncore/internal/config"
	"github.com/kimhsiao/syncore/internal/db"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/network"
	syncpkg "github.com/kimhsiao/syncore/internal/sync"
	"github.com/kimhsiao/syncore/internal/sync/conflict"
	"github.com/kimhsiao/syncore/internal/sync/queue"
	"github.com/kimhsiao/syncore/internal/sync/remote"
	"github.com/kimhsiao/syncore/internal/sync/scheduler"
	"github.com/kimhsiao/syncore/internal/uuid"
)

// instance is one opened sync core.
type instance struct {
	cfg       *config.Config
	database  *db.DB
	monitor   *network.Monitor
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	cancel    context.CancelFunc
	logCloser io.Closer
}

var (
	registryMu sync.Mutex
	instances  = make(map[int64]*instance)
	nextHandle int64

	lastErrMu sync.RWMutex
	lastErr   string
)

func setLastError(err error) {
	lastErrMu.Lock()
	defer lastErrMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = err.Error()
}

func getLastError() string {
	lastErrMu.RLock()
	defer lastErrMu.RUnlock()
	return lastErr
}

// openHandle opens the core described by the config file at configPath.
// A non-empty dataDir overrides data_dir. The monitor starts offline until
// the platform reports connectivity.
func openHandle(configPath, dataDir string) (int64, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return 0, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	in := &instance{cfg: cfg}
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w := logging.NewRotatingWriter(logging.RotationConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   true,
		})
		in.logCloser = w
		out = w
	}
	logging.Set(logging.New(out, cfg.LogLevel()))

	var rem syncpkg.Remote
	if cfg.Remote.BaseURL != "" {
		client, err := remote.NewClient(remote.Config{
			BaseURL:   cfg.Remote.BaseURL,
			Timeout:   cfg.Remote.Timeout,
			Token:     cfg.Remote.Token,
			UserAgent: "syncore-mobile",
		})
		if err != nil {
			return 0, err
		}
		rem = client
	}
	strategies, err := cfg.ConflictStrategies()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInvalid, "invalid conflict strategies", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	database, err := db.Open(ctx, db.Options{DataDir: cfg.DataDir})
	if err != nil {
		cancel()
		return 0, err
	}
	store := db.NewStore(database)
	q := queue.NewSyncQueue(store, queue.Options{MaxRetry: cfg.Sync.MaxRetry})

	in.database = database
	in.cancel = cancel
	in.monitor = network.NewMonitor(q, network.Config{ReconnectDebounce: cfg.Network.ReconnectDebounce})
	in.engine = syncpkg.NewEngine(store, q, rem, conflict.NewResolver(strategies), in.monitor, syncpkg.Config{
		BatchSize:  cfg.Sync.BatchSize,
		BatchPause: cfg.Sync.BatchPause,
		Backoff:    cfg.Backoff(),
	})
	in.scheduler = scheduler.NewScheduler(in.engine, in.monitor, &scheduler.SchedulerConfig{
		Debounce:     cfg.Sync.Debounce,
		SyncInterval: cfg.Sync.Interval,
	})
	in.monitor.SetTrigger(func(reason string) { in.scheduler.TriggerSync(reason) })
	in.scheduler.Start(ctx)

	registryMu.Lock()
	nextHandle++
	h := nextHandle
	instances[h] = in
	registryMu.Unlock()

	logging.Info("Sync core opened", map[string]interface{}{"handle": h, "data_dir": cfg.DataDir})
	return h, nil
}

func lookup(h int64) (*instance, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	in, ok := instances[h]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "unknown handle %d", h)
	}
	return in, nil
}

func closeHandle(h int64) error {
	registryMu.Lock()
	in, ok := instances[h]
	delete(instances, h)
	registryMu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "unknown handle %d", h)
	}

	in.scheduler.Stop()
	in.cancel()
	in.engine.Close()
	in.monitor.Close()
	err := in.database.Close()
	if in.logCloser != nil {
		_ = in.logCloser.Close()
	}
	return err
}

// queueAction enqueues a mutation. A negative priority selects the kind's
// default; a CREATE without an id gets a new one, and an app-supplied CREATE
// id must be a v4 UUID.
func (in *instance) queueAction(kind, action, data string, priority int) ([]byte, error) {
	k, err := models.ParseEntityKind(kind)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid kind", err)
	}
	at, err := models.ParseActionType(action)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid action type", err)
	}
	payload, err := models.DecodeRecord(k, []byte(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record", err)
	}
	if payload.RecordID() == "" {
		if at != models.ActionCreate {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "%s needs a record id", at)
		}
		payload.SetRecordID(uuid.New())
	} else if at == models.ActionCreate {
		if err := uuid.Validate(payload.RecordID()); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record id", err)
		}
	}
	p := k.DefaultPriority()
	if priority >= 0 {
		if priority > int(models.PriorityLow) {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "priority %d out of range", priority)
		}
		p = models.Priority(priority)
	}

	queued, err := in.engine.QueueAction(context.Background(), at, payload, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queued)
}

func (in *instance) forceSync() ([]byte, error) {
	result, err := in.scheduler.SyncNow(context.Background())
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

type statusResponse struct {
	syncpkg.Status
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
}

func (in *instance) status() ([]byte, error) {
	st, err := in.engine.Status(context.Background())
	if err != nil {
		return nil, err
	}
	return json.Marshal(statusResponse{Status: st, Scheduler: in.scheduler.GetStatus()})
}

func (in *instance) pendingCount() (int, error) {
	return in.engine.PendingCount(context.Background())
}

func (in *instance) setOnline(online bool) {
	in.monitor.SetOnline(online)
}

func (in *instance) setForeground(foreground bool) error {
	return in.monitor.SetForeground(context.Background(), foreground)
}

// cleanup purges failed actions older than retention; zero or less uses
// sync.failed_retention.
func (in *instance) cleanup(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = in.cfg.Sync.FailedRetention
	}
	return in.engine.Cleanup(context.Background(), retention)
}

func main() {}
