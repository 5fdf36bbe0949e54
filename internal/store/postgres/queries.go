package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/store"
)

// eventColumns is the column list used for SELECT statements on the events table.
const eventColumns = `id, tenant_id, entity_type, entity_id, event_type,
	actor_id, actor_type, data, created_at`

// updateColumns is the column list used for SELECT statements on the updates table.
const updateColumns = `id, tenant_id, user_id, dialog_id, entity_id, event_id,
	event_type, data, published, published_at, created_at`

// memberColumns is the column list for the dialog_members table.
const memberColumns = `tenant_id, dialog_id, user_id, unread_count, last_read_at, joined_at`

// taskColumns is the column list for the dialog_read_tasks table.
const taskColumns = `id, tenant_id, dialog_id, user_id, status, error,
	started_at, finished_at, created_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryAppendEvent(ctx context.Context, db executor, e *model.Event) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (
			id, tenant_id, entity_type, entity_id, event_type,
			actor_id, actor_type, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID,
		e.TenantID,
		string(e.EntityType),
		e.EntityID,
		e.EventType,
		nullString(e.ActorID),
		nullString(string(e.ActorType)),
		jsonbBytes(e.Data),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func queryListEvents(ctx context.Context, db executor, tenantID string, after time.Time, limit int) ([]*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var (
		args   []any
		where  string
		argIdx int
	)
	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if tenantID != "" {
		where = " WHERE tenant_id = " + nextArg()
		args = append(args, tenantID)
	}
	if !after.IsZero() {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += "created_at > " + nextArg()
		args = append(args, after)
	}
	query += where + " ORDER BY created_at ASC"
	if limit > 0 {
		query += " LIMIT " + nextArg()
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func queryCreateUpdate(ctx context.Context, db executor, u *model.Update) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO updates (
			id, tenant_id, user_id, dialog_id, entity_id, event_id,
			event_type, data, published, published_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id, user_id) DO NOTHING`,
		u.ID,
		u.TenantID,
		u.UserID,
		nullString(u.DialogID),
		u.EntityID,
		u.EventID,
		u.EventType,
		jsonbBytes(u.Data),
		u.Published,
		nullTimePtr(u.PublishedAt),
		u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create update: %w", err)
	}
	return nil
}

func queryMarkUpdatePublished(ctx context.Context, db executor, id string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE updates SET published = TRUE, published_at = $2
		WHERE id = $1 AND NOT published`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("mark update published: %w", err)
	}
	return nil
}

func queryListUnpublishedUpdates(ctx context.Context, db executor, olderThan time.Time, limit int) ([]*model.Update, error) {
	query := `SELECT ` + updateColumns + ` FROM updates
		WHERE NOT published AND created_at < $1
		ORDER BY created_at ASC`
	args := []any{olderThan}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unpublished updates: %w", err)
	}
	defer rows.Close()
	return collectUpdates(rows)
}

func queryListUserUpdates(ctx context.Context, db executor, tenantID, userID string, after time.Time, limit int) ([]*model.Update, error) {
	query := `SELECT ` + updateColumns + ` FROM updates
		WHERE tenant_id = $1 AND user_id = $2 AND created_at > $3
		ORDER BY created_at ASC`
	args := []any{tenantID, userID, after}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list user updates: %w", err)
	}
	defer rows.Close()
	return collectUpdates(rows)
}

// queryIncrementCounter applies a delta to a counter document in a single
// atomic statement and returns the value before and after. A missing row is
// created as if its value were zero.
func queryIncrementCounter(ctx context.Context, db executor, tenantID string, counterType model.CounterType, entityType model.EntityType, entityID, field string, delta int64) (int64, int64, error) {
	row := db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT value FROM counters
			WHERE tenant_id = $1 AND counter_type = $2 AND entity_id = $4 AND field = $5
		), upsert AS (
			INSERT INTO counters (tenant_id, counter_type, entity_type, entity_id, field, value, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (tenant_id, counter_type, entity_id, field)
			DO UPDATE SET value = counters.value + $6, updated_at = now()
			RETURNING value
		)
		SELECT COALESCE((SELECT value FROM prev), 0), (SELECT value FROM upsert)`,
		tenantID, string(counterType), string(entityType), entityID, field, delta,
	)
	var old, updated int64
	if err := row.Scan(&old, &updated); err != nil {
		return 0, 0, fmt.Errorf("increment counter: %w", err)
	}
	return old, updated, nil
}

func querySetCounter(ctx context.Context, db executor, tenantID string, counterType model.CounterType, entityType model.EntityType, entityID, field string, value int64) (int64, int64, error) {
	row := db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT value FROM counters
			WHERE tenant_id = $1 AND counter_type = $2 AND entity_id = $4 AND field = $5
		), upsert AS (
			INSERT INTO counters (tenant_id, counter_type, entity_type, entity_id, field, value, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (tenant_id, counter_type, entity_id, field)
			DO UPDATE SET value = $6, updated_at = now()
			RETURNING value
		)
		SELECT COALESCE((SELECT value FROM prev), 0), (SELECT value FROM upsert)`,
		tenantID, string(counterType), string(entityType), entityID, field, value,
	)
	var old, updated int64
	if err := row.Scan(&old, &updated); err != nil {
		return 0, 0, fmt.Errorf("set counter: %w", err)
	}
	return old, updated, nil
}

func queryGetCounter(ctx context.Context, db executor, tenantID string, counterType model.CounterType, entityID, field string) (int64, error) {
	row := db.QueryRowContext(ctx, `
		SELECT value FROM counters
		WHERE tenant_id = $1 AND counter_type = $2 AND entity_id = $3 AND field = $4`,
		tenantID, string(counterType), entityID, field,
	)
	var value int64
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent counters read as zero.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return value, nil
}

func queryRecordCounterHistory(ctx context.Context, db executor, h *model.CounterHistory) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO counter_history (
			id, tenant_id, counter_type, entity_type, entity_id, field,
			old_value, new_value, delta, operation, source_operation,
			source_entity_id, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		h.ID,
		h.TenantID,
		string(h.CounterType),
		string(h.EntityType),
		h.EntityID,
		h.Field,
		h.OldValue,
		h.NewValue,
		h.Delta,
		string(h.Operation),
		h.SourceOperation,
		nullString(h.SourceEntityID),
		nullString(h.ActorID),
		h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record counter history: %w", err)
	}
	return nil
}

func queryUpsertMember(ctx context.Context, db executor, m *model.DialogMember) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dialog_members (tenant_id, dialog_id, user_id, unread_count, last_read_at, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, dialog_id, user_id) DO NOTHING`,
		m.TenantID, m.DialogID, m.UserID, m.UnreadCount, m.LastReadAt, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func queryRemoveMember(ctx context.Context, db executor, tenantID, dialogID, userID string) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM dialog_members WHERE tenant_id = $1 AND dialog_id = $2 AND user_id = $3`,
		tenantID, dialogID, userID,
	)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func queryGetMember(ctx context.Context, db executor, tenantID, dialogID, userID string) (*model.DialogMember, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+memberColumns+` FROM dialog_members
		WHERE tenant_id = $1 AND dialog_id = $2 AND user_id = $3`,
		tenantID, dialogID, userID,
	)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

func queryListDialogMembers(ctx context.Context, db executor, tenantID, dialogID, afterUserID string, limit int) ([]*model.DialogMember, error) {
	// Keyset pagination on user_id keeps batches stable while members churn.
	query := `SELECT ` + memberColumns + ` FROM dialog_members
		WHERE tenant_id = $1 AND dialog_id = $2 AND user_id > $3
		ORDER BY user_id ASC`
	args := []any{tenantID, dialogID, afterUserID}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dialog members: %w", err)
	}
	defer rows.Close()
	return collectMembers(rows)
}

func queryCountDialogMembers(ctx context.Context, db executor, tenantID, dialogID string) (int, error) {
	row := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dialog_members WHERE tenant_id = $1 AND dialog_id = $2`,
		tenantID, dialogID,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count dialog members: %w", err)
	}
	return n, nil
}

func queryListUserMemberships(ctx context.Context, db executor, tenantID, userID string) ([]*model.DialogMember, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+memberColumns+` FROM dialog_members
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY dialog_id ASC`,
		tenantID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user memberships: %w", err)
	}
	defer rows.Close()
	return collectMembers(rows)
}

// queryIncrementMemberUnread adjusts the authoritative unread count on a
// membership row in a single atomic statement, clamped at zero. The row must
// exist; store.ErrNotFound is returned otherwise.
func queryIncrementMemberUnread(ctx context.Context, db executor, tenantID, dialogID, userID string, delta int64) (int64, int64, error) {
	row := db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT unread_count FROM dialog_members
			WHERE tenant_id = $1 AND dialog_id = $2 AND user_id = $3
		), upd AS (
			UPDATE dialog_members
			SET unread_count = GREATEST(unread_count + $4, 0)
			WHERE tenant_id = $1 AND dialog_id = $2 AND user_id = $3
			RETURNING unread_count
		)
		SELECT (SELECT unread_count FROM prev), (SELECT unread_count FROM upd)`,
		tenantID, dialogID, userID, delta,
	)
	var old, updated sql.NullInt64
	if err := row.Scan(&old, &updated); err != nil {
		return 0, 0, fmt.Errorf("increment member unread: %w", err)
	}
	if !updated.Valid {
		return 0, 0, store.ErrNotFound
	}
	return old.Int64, updated.Int64, nil
}

func querySetMemberUnread(ctx context.Context, db executor, tenantID, dialogID, userID string, value int64) (int64, int64, error) {
	row := db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT unread_count FROM dialog_members
			WHERE tenant_id = $1 AND dialog_id = $2 AND user_id = $3
		), upd AS (
			UPDATE dialog_members
			SET unread_count = GREATEST($4, 0), last_read_at = now()
			WHERE tenant_id = $1 AND dialog_id = $2 AND user_id = $3
			RETURNING unread_count
		)
		SELECT (SELECT unread_count FROM prev), (SELECT unread_count FROM upd)`,
		tenantID, dialogID, userID, value,
	)
	var old, updated sql.NullInt64
	if err := row.Scan(&old, &updated); err != nil {
		return 0, 0, fmt.Errorf("set member unread: %w", err)
	}
	if !updated.Valid {
		return 0, 0, store.ErrNotFound
	}
	return old.Int64, updated.Int64, nil
}

func queryEnqueueReadTask(ctx context.Context, db executor, t *model.DialogReadTask) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dialog_read_tasks (
			id, tenant_id, dialog_id, user_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID,
		t.TenantID,
		t.DialogID,
		nullString(t.UserID),
		string(t.Status),
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue read task: %w", err)
	}
	return nil
}

// queryClaimReadTask claims the oldest pending task. FOR UPDATE SKIP LOCKED
// guarantees concurrent claimers never select the same row, so at most one
// worker sees any given task as claimable.
func queryClaimReadTask(ctx context.Context, db executor) (*model.DialogReadTask, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE dialog_read_tasks
		SET status = 'running', started_at = now()
		WHERE id = (
			SELECT id FROM dialog_read_tasks
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim read task: %w", err)
	}
	return t, nil
}

func queryFinishReadTask(ctx context.Context, db executor, id string, status model.TaskStatus, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE dialog_read_tasks
		SET status = $2, error = $3, finished_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, string(status), nullString(errMsg),
	)
	if err != nil {
		return fmt.Errorf("finish read task: %w", err)
	}
	return nil
}

func queryRequeueStuckReadTasks(ctx context.Context, db executor, startedBefore time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE dialog_read_tasks
		SET status = 'pending', started_at = NULL
		WHERE status = 'running' AND started_at < $1`,
		startedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck read tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stuck read tasks: rows affected: %w", err)
	}
	return int(n), nil
}

func queryGetReadTask(ctx context.Context, db executor, id string) (*model.DialogReadTask, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM dialog_read_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get read task: %w", err)
	}
	return t, nil
}
