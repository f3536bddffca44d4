package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/syncore/internal/models"
)

// SyncEngineInterface is the engine surface used by the control server,
// the scheduler and the mobile bindings. It allows for mocking in tests.
type SyncEngineInterface interface {
	// QueueAction enqueues a mutation for background delivery.
	QueueAction(ctx context.Context, actionType models.ActionType, payload models.Payload, priority models.Priority) (*models.SyncAction, error)

	// StartBackgroundSync runs a cycle unless one is running or the
	// network is down; the rejection is reported in the result.
	StartBackgroundSync(ctx context.Context) (*SyncResult, error)

	// ForceSync runs a cycle now or fails with an explicit error.
	ForceSync(ctx context.Context) (*SyncResult, error)

	// SetTrigger installs the hook RequestSync forwards to.
	SetTrigger(fn func(reason string))
	RequestSync(reason string)

	PendingCount(ctx context.Context) (int, error)
	Status(ctx context.Context) (Status, error)

	AddProgressListener(fn func(Progress)) ListenerID
	RemoveProgressListener(id ListenerID) bool
	AddConflictListener(fn func(models.ConflictResolution)) ListenerID
	RemoveConflictListener(id ListenerID) bool

	OpenConflicts() []models.ConflictResolution
	ResolveConflict(ctx context.Context, actionID int64, res models.Resolution) (*models.ConflictResolution, error)

	ListFailed(ctx context.Context) ([]*models.SyncAction, error)
	RetryFailed(ctx context.Context, ids ...int64) ([]*models.SyncAction, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

var _ SyncEngineInterface = (*Engine)(nil)
