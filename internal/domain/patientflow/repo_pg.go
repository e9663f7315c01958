package patientflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KristersR123/HospitalKiosk-sub000/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) Repository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// lockClause makes reads inside a transaction hold row locks until commit.
func lockClause(ctx context.Context) string {
	if db.TxFromContext(ctx) != nil {
		return ` FOR UPDATE`
	}
	return ""
}

const patientCols = `id, full_name, date_of_birth, gender, phone, condition, severity, status,
	queue_number, triage_time, base_wait_time, initial_wait_time, estimated_wait_time,
	accepted_time, created_at, updated_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var sev *int
	var stage string
	err := row.Scan(&p.ID, &p.FullName, &p.DateOfBirth, &p.Gender, &p.Phone, &p.Condition, &sev, &stage,
		&p.QueueNumber, &p.TriageTime, &p.BaseWaitTime, &p.InitialWaitTime, &p.EstimatedWaitTime,
		&p.AcceptedTime, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sev != nil {
		p.Severity = Severity(*sev)
	}
	p.Stage = Stage(stage)
	return &p, nil
}

func severityArg(s Severity) interface{} {
	if !s.Valid() {
		return nil
	}
	return int(s)
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	stampCreate(p)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, full_name, date_of_birth, gender, phone, condition, severity, status,
			queue_number, triage_time, base_wait_time, initial_wait_time, estimated_wait_time,
			accepted_time, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		p.ID, p.FullName, p.DateOfBirth, p.Gender, p.Phone, p.Condition, severityArg(p.Severity), string(p.Stage),
		p.QueueNumber, p.TriageTime, p.BaseWaitTime, p.InitialWaitTime, p.EstimatedWaitTime,
		p.AcceptedTime, p.CreatedAt, p.UpdatedAt)
	return classify(err)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1`+lockClause(ctx), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, classify(err)
	}
	return p, nil
}

func (r *patientRepoPG) ListByStage(ctx context.Context, stage Stage) ([]*Patient, error) {
	return r.list(ctx, `SELECT `+patientCols+` FROM patient WHERE status = $1
		ORDER BY condition, severity, queue_number`+lockClause(ctx), string(stage))
}

// ListByConditionSeverity filters on stage in SQL so a locking read inside a
// transaction only holds rows of that stage.
func (r *patientRepoPG) ListByConditionSeverity(ctx context.Context, condition string, sev Severity, stage Stage) ([]*Patient, error) {
	return r.list(ctx, `SELECT `+patientCols+` FROM patient WHERE condition = $1 AND severity = $2 AND status = $3
		ORDER BY queue_number`+lockClause(ctx), condition, int(sev), string(stage))
}

func (r *patientRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, classify(err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return items, nil
}

// Update writes every mutable column of p in a single statement.
func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	stampUpdate(p)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET full_name=$2, date_of_birth=$3, gender=$4, phone=$5, condition=$6,
			severity=$7, status=$8, queue_number=$9, triage_time=$10, base_wait_time=$11,
			initial_wait_time=$12, estimated_wait_time=$13, accepted_time=$14, updated_at=$15
		WHERE id = $1`,
		p.ID, p.FullName, p.DateOfBirth, p.Gender, p.Phone, p.Condition,
		severityArg(p.Severity), string(p.Stage), p.QueueNumber, p.TriageTime, p.BaseWaitTime,
		p.InitialWaitTime, p.EstimatedWaitTime, p.AcceptedTime, p.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	return nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// NextQueueNumber bumps the per-condition counter row. The upsert takes a
// row lock, so concurrent callers for one condition are serialized.
func (r *patientRepoPG) NextQueueNumber(ctx context.Context, condition string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO queue_counter (condition, last_number) VALUES ($1, 1)
		ON CONFLICT (condition) DO UPDATE SET last_number = queue_counter.last_number + 1
		RETURNING last_number`, condition).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *patientRepoPG) MarkDischarged(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO discharged_patient (id, discharged_at) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, id, at)
	return classify(err)
}

func (r *patientRepoPG) IsDischarged(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM discharged_patient WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, classify(err)
	}
	return exists, nil
}

func (r *patientRepoPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return classify(db.InTx(ctx, r.pool, fn))
}

// classify maps driver failures onto the package error taxonomy. Errors that
// already carry a domain sentinel pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrNotFound, ErrInvalidState, ErrValidation, ErrTransient} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) ||
		pgconn.SafeToRetry(err) || errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && isRetryableSQLState(pgErr.Code) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// isRetryableSQLState covers serialization failures, deadlocks and the
// connection-exception class.
func isRetryableSQLState(code string) bool {
	switch code {
	case "40001", "40P01", "57P01", "57P03":
		return true
	}
	return len(code) == 5 && code[:2] == "08"
}
