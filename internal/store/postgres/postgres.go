// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *model.Event) error {
	return queryAppendEvent(ctx, s.db, event)
}

func (s *PostgresStore) ListEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]*model.Event, error) {
	return queryListEvents(ctx, s.db, tenantID, after, limit)
}

func (s *PostgresStore) CreateUpdate(ctx context.Context, update *model.Update) error {
	return queryCreateUpdate(ctx, s.db, update)
}

func (s *PostgresStore) MarkUpdatePublished(ctx context.Context, id string, at time.Time) error {
	return queryMarkUpdatePublished(ctx, s.db, id, at)
}

func (s *PostgresStore) ListUnpublishedUpdates(ctx context.Context, olderThan time.Time, limit int) ([]*model.Update, error) {
	return queryListUnpublishedUpdates(ctx, s.db, olderThan, limit)
}

func (s *PostgresStore) ListUserUpdates(ctx context.Context, tenantID, userID string, after time.Time, limit int) ([]*model.Update, error) {
	return queryListUserUpdates(ctx, s.db, tenantID, userID, after, limit)
}

func (s *PostgresStore) IncrementCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityType model.EntityType, entityID, field string, delta int64) (int64, int64, error) {
	return queryIncrementCounter(ctx, s.db, tenantID, counterType, entityType, entityID, field, delta)
}

func (s *PostgresStore) SetCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityType model.EntityType, entityID, field string, value int64) (int64, int64, error) {
	return querySetCounter(ctx, s.db, tenantID, counterType, entityType, entityID, field, value)
}

func (s *PostgresStore) GetCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityID, field string) (int64, error) {
	return queryGetCounter(ctx, s.db, tenantID, counterType, entityID, field)
}

func (s *PostgresStore) RecordCounterHistory(ctx context.Context, h *model.CounterHistory) error {
	return queryRecordCounterHistory(ctx, s.db, h)
}

func (s *PostgresStore) UpsertMember(ctx context.Context, m *model.DialogMember) error {
	return queryUpsertMember(ctx, s.db, m)
}

func (s *PostgresStore) RemoveMember(ctx context.Context, tenantID, dialogID, userID string) error {
	return queryRemoveMember(ctx, s.db, tenantID, dialogID, userID)
}

func (s *PostgresStore) GetMember(ctx context.Context, tenantID, dialogID, userID string) (*model.DialogMember, error) {
	return queryGetMember(ctx, s.db, tenantID, dialogID, userID)
}

func (s *PostgresStore) ListDialogMembers(ctx context.Context, tenantID, dialogID, afterUserID string, limit int) ([]*model.DialogMember, error) {
	return queryListDialogMembers(ctx, s.db, tenantID, dialogID, afterUserID, limit)
}

func (s *PostgresStore) CountDialogMembers(ctx context.Context, tenantID, dialogID string) (int, error) {
	return queryCountDialogMembers(ctx, s.db, tenantID, dialogID)
}

func (s *PostgresStore) ListUserMemberships(ctx context.Context, tenantID, userID string) ([]*model.DialogMember, error) {
	return queryListUserMemberships(ctx, s.db, tenantID, userID)
}

func (s *PostgresStore) IncrementMemberUnread(ctx context.Context, tenantID, dialogID, userID string, delta int64) (int64, int64, error) {
	return queryIncrementMemberUnread(ctx, s.db, tenantID, dialogID, userID, delta)
}

func (s *PostgresStore) SetMemberUnread(ctx context.Context, tenantID, dialogID, userID string, value int64) (int64, int64, error) {
	return querySetMemberUnread(ctx, s.db, tenantID, dialogID, userID, value)
}

func (s *PostgresStore) EnqueueReadTask(ctx context.Context, task *model.DialogReadTask) error {
	return queryEnqueueReadTask(ctx, s.db, task)
}

func (s *PostgresStore) ClaimReadTask(ctx context.Context) (*model.DialogReadTask, error) {
	return queryClaimReadTask(ctx, s.db)
}

func (s *PostgresStore) FinishReadTask(ctx context.Context, id string, status model.TaskStatus, errMsg string) error {
	return queryFinishReadTask(ctx, s.db, id, status, errMsg)
}

func (s *PostgresStore) RequeueStuckReadTasks(ctx context.Context, startedBefore time.Time) (int, error) {
	return queryRequeueStuckReadTasks(ctx, s.db, startedBefore)
}

func (s *PostgresStore) GetReadTask(ctx context.Context, id string) (*model.DialogReadTask, error) {
	return queryGetReadTask(ctx, s.db, id)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) AppendEvent(ctx context.Context, event *model.Event) error {
	return queryAppendEvent(ctx, s.tx, event)
}

func (s *txStore) ListEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]*model.Event, error) {
	return queryListEvents(ctx, s.tx, tenantID, after, limit)
}

func (s *txStore) CreateUpdate(ctx context.Context, update *model.Update) error {
	return queryCreateUpdate(ctx, s.tx, update)
}

func (s *txStore) MarkUpdatePublished(ctx context.Context, id string, at time.Time) error {
	return queryMarkUpdatePublished(ctx, s.tx, id, at)
}

func (s *txStore) ListUnpublishedUpdates(ctx context.Context, olderThan time.Time, limit int) ([]*model.Update, error) {
	return queryListUnpublishedUpdates(ctx, s.tx, olderThan, limit)
}

func (s *txStore) ListUserUpdates(ctx context.Context, tenantID, userID string, after time.Time, limit int) ([]*model.Update, error) {
	return queryListUserUpdates(ctx, s.tx, tenantID, userID, after, limit)
}

func (s *txStore) IncrementCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityType model.EntityType, entityID, field string, delta int64) (int64, int64, error) {
	return queryIncrementCounter(ctx, s.tx, tenantID, counterType, entityType, entityID, field, delta)
}

func (s *txStore) SetCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityType model.EntityType, entityID, field string, value int64) (int64, int64, error) {
	return querySetCounter(ctx, s.tx, tenantID, counterType, entityType, entityID, field, value)
}

func (s *txStore) GetCounter(ctx context.Context, tenantID string, counterType model.CounterType, entityID, field string) (int64, error) {
	return queryGetCounter(ctx, s.tx, tenantID, counterType, entityID, field)
}

func (s *txStore) RecordCounterHistory(ctx context.Context, h *model.CounterHistory) error {
	return queryRecordCounterHistory(ctx, s.tx, h)
}

func (s *txStore) UpsertMember(ctx context.Context, m *model.DialogMember) error {
	return queryUpsertMember(ctx, s.tx, m)
}

func (s *txStore) RemoveMember(ctx context.Context, tenantID, dialogID, userID string) error {
	return queryRemoveMember(ctx, s.tx, tenantID, dialogID, userID)
}

func (s *txStore) GetMember(ctx context.Context, tenantID, dialogID, userID string) (*model.DialogMember, error) {
	return queryGetMember(ctx, s.tx, tenantID, dialogID, userID)
}

func (s *txStore) ListDialogMembers(ctx context.Context, tenantID, dialogID, afterUserID string, limit int) ([]*model.DialogMember, error) {
	return queryListDialogMembers(ctx, s.tx, tenantID, dialogID, afterUserID, limit)
}

func (s *txStore) CountDialogMembers(ctx context.Context, tenantID, dialogID string) (int, error) {
	return queryCountDialogMembers(ctx, s.tx, tenantID, dialogID)
}

func (s *txStore) ListUserMemberships(ctx context.Context, tenantID, userID string) ([]*model.DialogMember, error) {
	return queryListUserMemberships(ctx, s.tx, tenantID, userID)
}

func (s *txStore) IncrementMemberUnread(ctx context.Context, tenantID, dialogID, userID string, delta int64) (int64, int64, error) {
	return queryIncrementMemberUnread(ctx, s.tx, tenantID, dialogID, userID, delta)
}

func (s *txStore) SetMemberUnread(ctx context.Context, tenantID, dialogID, userID string, value int64) (int64, int64, error) {
	return querySetMemberUnread(ctx, s.tx, tenantID, dialogID, userID, value)
}

func (s *txStore) EnqueueReadTask(ctx context.Context, task *model.DialogReadTask) error {
	return queryEnqueueReadTask(ctx, s.tx, task)
}

func (s *txStore) ClaimReadTask(ctx context.Context) (*model.DialogReadTask, error) {
	return queryClaimReadTask(ctx, s.tx)
}

func (s *txStore) FinishReadTask(ctx context.Context, id string, status model.TaskStatus, errMsg string) error {
	return queryFinishReadTask(ctx, s.tx, id, status, errMsg)
}

func (s *txStore) RequeueStuckReadTasks(ctx context.Context, startedBefore time.Time) (int, error) {
	return queryRequeueStuckReadTasks(ctx, s.tx, startedBefore)
}

func (s *txStore) GetReadTask(ctx context.Context, id string) (*model.DialogReadTask, error) {
	return queryGetReadTask(ctx, s.tx, id)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
