package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/history"
	"github.com/reservehq/holdflow/core"
	"github.com/reservehq/holdflow/reservation"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewInMemoryBackend(opts ...backend.BackendOption) backend.Backend {
	// A unique shared-cache name keeps the migration connection and later
	// pool connections on the same database while isolating instances.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	b, err := newSqliteBackend(dsn, opts...)
	if err != nil {
		panic(err)
	}

	b.db.SetMaxOpenConns(1)

	return b
}

func NewSqliteBackend(path string, opts ...backend.BackendOption) (backend.Backend, error) {
	return newSqliteBackend(fmt.Sprintf("file:%v?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path), opts...)
}

func newSqliteBackend(dsn string, opts ...backend.BackendOption) (*sqliteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	b := &sqliteBackend{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}

	if err := b.migrate(); err != nil {
		return nil, err
	}

	return b, nil
}

type sqliteBackend struct {
	db      *sql.DB
	options backend.Options
}

var _ backend.Backend = (*sqliteBackend)(nil)

func (sb *sqliteBackend) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	dbDriver, err := sqlitemigrate.WithInstance(sb.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

func (sb *sqliteBackend) Options() *backend.Options {
	return &sb.options
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}

func (sb *sqliteBackend) CreateInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	res, err := sb.db.ExecContext(
		ctx,
		"INSERT OR IGNORE INTO instances (id, workflow_name, input, state, created_at) VALUES (?, ?, ?, ?, ?)",
		instance.InstanceID,
		instance.WorkflowName,
		instance.Input,
		int(core.InstanceStateRunning),
		instance.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting workflow instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrInstanceAlreadyExists
	}

	return nil
}

func (sb *sqliteBackend) GetInstance(ctx context.Context, instanceID string) (*backend.InstanceInfo, error) {
	row := sb.db.QueryRowContext(
		ctx,
		"SELECT id, workflow_name, input, state, created_at FROM instances WHERE id = ?",
		instanceID,
	)

	var instance core.WorkflowInstance
	var state int
	var createdAt int64
	if err := row.Scan(&instance.InstanceID, &instance.WorkflowName, &instance.Input, &state, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("reading workflow instance: %w", err)
	}

	instance.CreatedAt = time.Unix(0, createdAt).UTC()

	return &backend.InstanceInfo{
		Instance: &instance,
		State:    core.InstanceState(state),
	}, nil
}

func (sb *sqliteBackend) SetInstanceState(ctx context.Context, instanceID string, state core.InstanceState) error {
	res, err := sb.db.ExecContext(
		ctx,
		"UPDATE instances SET state = ? WHERE id = ?",
		int(state),
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("updating instance state: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrInstanceNotFound
	}

	return nil
}

func (sb *sqliteBackend) AppendStepRecord(ctx context.Context, instanceID string, record *history.StepRecord) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances WHERE id = ?", instanceID).Scan(&exists); err != nil {
		return fmt.Errorf("checking instance: %w", err)
	}

	if exists == 0 {
		return backend.ErrInstanceNotFound
	}

	res, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO step_records
			(instance_id, sequence_index, id, kind, name, result, completed_at, deadline, resumed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID,
		record.SequenceIndex,
		record.ID,
		int(record.Kind),
		record.Name,
		[]byte(record.Result),
		nanosOrNil(record.CompletedAt),
		nanosOrNil(record.Deadline),
		nanosPtrOrNil(record.ResumedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting step record: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return fmt.Errorf("appending record at index %d: %w", record.SequenceIndex, backend.ErrSequenceOccupied)
	}

	return tx.Commit()
}

func (sb *sqliteBackend) GetHistory(ctx context.Context, instanceID string) ([]*history.StepRecord, error) {
	var exists int
	if err := sb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances WHERE id = ?", instanceID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking instance: %w", err)
	}

	if exists == 0 {
		return nil, backend.ErrInstanceNotFound
	}

	rows, err := sb.db.QueryContext(
		ctx,
		`SELECT id, sequence_index, kind, name, result, completed_at, deadline, resumed_at
			FROM step_records WHERE instance_id = ? ORDER BY sequence_index`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	var records []*history.StepRecord
	for rows.Next() {
		var rec history.StepRecord
		var kind int
		var result []byte
		var completedAt, deadline, resumedAt sql.NullInt64

		if err := rows.Scan(&rec.ID, &rec.SequenceIndex, &kind, &rec.Name, &result, &completedAt, &deadline, &resumedAt); err != nil {
			return nil, fmt.Errorf("scanning step record: %w", err)
		}

		rec.Kind = history.RecordKind(kind)
		rec.Result = result
		if completedAt.Valid {
			rec.CompletedAt = time.Unix(0, completedAt.Int64).UTC()
		}
		if deadline.Valid {
			rec.Deadline = time.Unix(0, deadline.Int64).UTC()
		}
		if resumedAt.Valid {
			t := time.Unix(0, resumedAt.Int64).UTC()
			rec.ResumedAt = &t
		}

		records = append(records, &rec)
	}

	return records, rows.Err()
}

func (sb *sqliteBackend) MarkWaitResumed(ctx context.Context, instanceID string, seqIndex int64, resumedAt time.Time) error {
	res, err := sb.db.ExecContext(
		ctx,
		`UPDATE step_records SET resumed_at = ?
			WHERE instance_id = ? AND sequence_index = ? AND kind = ? AND resumed_at IS NULL`,
		resumedAt.UnixNano(),
		instanceID,
		seqIndex,
		int(history.RecordKind_Wait),
	)
	if err != nil {
		return fmt.Errorf("marking wait resumed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		// Either already resumed, which is fine, or no wait at that index.
		var count int
		if err := sb.db.QueryRowContext(
			ctx,
			"SELECT COUNT(*) FROM step_records WHERE instance_id = ? AND sequence_index = ? AND kind = ?",
			instanceID, seqIndex, int(history.RecordKind_Wait),
		).Scan(&count); err != nil {
			return err
		}

		if count == 0 {
			return fmt.Errorf("no wait record at index %d", seqIndex)
		}
	}

	return nil
}

func (sb *sqliteBackend) ListSuspendedInstances(ctx context.Context) ([]*backend.SuspendedInstance, error) {
	rows, err := sb.db.QueryContext(
		ctx,
		`SELECT i.id, MIN(r.deadline)
			FROM instances i
			JOIN step_records r ON r.instance_id = i.id
			WHERE i.state = ? AND r.kind = ? AND r.resumed_at IS NULL
			GROUP BY i.id`,
		int(core.InstanceStateSuspended),
		int(history.RecordKind_Wait),
	)
	if err != nil {
		return nil, fmt.Errorf("listing suspended instances: %w", err)
	}
	defer rows.Close()

	var suspended []*backend.SuspendedInstance
	for rows.Next() {
		var si backend.SuspendedInstance
		var deadline int64

		if err := rows.Scan(&si.InstanceID, &deadline); err != nil {
			return nil, fmt.Errorf("scanning suspended instance: %w", err)
		}

		si.ResumeAt = time.Unix(0, deadline).UTC()
		suspended = append(suspended, &si)
	}

	return suspended, rows.Err()
}

func (sb *sqliteBackend) GetReservation(ctx context.Context, reservationID string) (*reservation.Reservation, error) {
	row := sb.db.QueryRowContext(
		ctx,
		`SELECT id, seat_id, user_id, status, created_at, expires_at, confirmed_at, expired_at, version
			FROM reservations WHERE id = ?`,
		reservationID,
	)

	return scanReservation(row)
}

func (sb *sqliteBackend) PutReservation(ctx context.Context, r *reservation.Reservation, expectedVersion int64) error {
	if expectedVersion == 0 {
		res, err := sb.db.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO reservations
				(id, seat_id, user_id, status, created_at, expires_at, confirmed_at, expired_at, version)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			r.ID,
			r.SeatID,
			r.UserID,
			string(r.Status),
			r.CreatedAt.UnixNano(),
			r.ExpiresAt.UnixNano(),
			nanosPtrOrNil(r.ConfirmedAt),
			nanosPtrOrNil(r.ExpiredAt),
		)
		if err != nil {
			return fmt.Errorf("inserting reservation: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if rows != 1 {
			return backend.ErrConcurrentModification
		}

		return nil
	}

	res, err := sb.db.ExecContext(
		ctx,
		`UPDATE reservations SET status = ?, confirmed_at = ?, expired_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
		string(r.Status),
		nanosPtrOrNil(r.ConfirmedAt),
		nanosPtrOrNil(r.ExpiredAt),
		r.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating reservation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		var count int
		if err := sb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reservations WHERE id = ?", r.ID).Scan(&count); err != nil {
			return err
		}

		if count == 0 {
			return backend.ErrReservationNotFound
		}

		return backend.ErrConcurrentModification
	}

	return nil
}

func scanReservation(row *sql.Row) (*reservation.Reservation, error) {
	var r reservation.Reservation
	var userID sql.NullString
	var status string
	var createdAt, expiresAt int64
	var confirmedAt, expiredAt sql.NullInt64

	err := row.Scan(&r.ID, &r.SeatID, &userID, &status, &createdAt, &expiresAt, &confirmedAt, &expiredAt, &r.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrReservationNotFound
		}

		return nil, fmt.Errorf("reading reservation: %w", err)
	}

	r.UserID = userID.String
	r.Status = reservation.Status(status)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if confirmedAt.Valid {
		t := time.Unix(0, confirmedAt.Int64).UTC()
		r.ConfirmedAt = &t
	}
	if expiredAt.Valid {
		t := time.Unix(0, expiredAt.Int64).UTC()
		r.ExpiredAt = &t
	}

	return &r, nil
}

func nanosOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UnixNano()
}

func nanosPtrOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UnixNano()
}
