package patientflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueNumberAllocator hands out per-condition queue positions. Every value
// returned for a condition is strictly greater than all earlier ones.
type QueueNumberAllocator interface {
	NextQueueNumber(ctx context.Context, condition string) (int, error)
}

// Repository is the patient record store.
//
// Reads and writes issued with a context obtained inside WithinTx belong to
// that transaction; reads lock the returned records until it ends. Create and
// Update persist the CreatedAt and UpdatedAt values they are given and only
// stamp the wall clock when those are zero. All methods return errors
// wrapping ErrNotFound or ErrTransient where those apply.
type Repository interface {
	QueueNumberAllocator

	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListByStage(ctx context.Context, stage Stage) ([]*Patient, error)
	// ListByConditionSeverity returns the records of one condition and
	// severity group that are in stage, ordered by queue number.
	ListByConditionSeverity(ctx context.Context, condition string, sev Severity, stage Stage) ([]*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error

	// MarkDischarged records a tombstone for id so its identity stays retired.
	MarkDischarged(ctx context.Context, id uuid.UUID, at time.Time) error
	IsDischarged(ctx context.Context, id uuid.UUID) (bool, error)

	// WithinTx runs fn as one atomic unit. Either every write made through
	// the context passed to fn becomes visible, or none does.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

func stampCreate(p *Patient) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
}

func stampUpdate(p *Patient) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
}
