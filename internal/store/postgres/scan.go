package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/alfredjeanlab/courier/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanEvent scans a single row into a model.Event.
// The row must contain columns in the order defined by eventColumns.
func scanEvent(row scannable) (*model.Event, error) {
	var e model.Event
	var (
		actorID   sql.NullString
		actorType sql.NullString
		data      []byte
	)

	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.EntityType,
		&e.EntityID,
		&e.EventType,
		&actorID,
		&actorType,
		&data,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ActorID = actorID.String
	e.ActorType = model.ActorType(actorType.String)
	if len(data) > 0 {
		e.Data = json.RawMessage(data)
	}

	return &e, nil
}

// scanUpdate scans a single row into a model.Update.
// The row must contain columns in the order defined by updateColumns.
func scanUpdate(row scannable) (*model.Update, error) {
	var u model.Update
	var (
		dialogID    sql.NullString
		data        []byte
		publishedAt sql.NullTime
	)

	err := row.Scan(
		&u.ID,
		&u.TenantID,
		&u.UserID,
		&dialogID,
		&u.EntityID,
		&u.EventID,
		&u.EventType,
		&data,
		&u.Published,
		&publishedAt,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.DialogID = dialogID.String
	if len(data) > 0 {
		u.Data = json.RawMessage(data)
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		u.PublishedAt = &t
	}

	return &u, nil
}

func collectUpdates(rows *sql.Rows) ([]*model.Update, error) {
	var updates []*model.Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// scanMember scans a single row into a model.DialogMember.
// The row must contain columns in the order defined by memberColumns.
func scanMember(row scannable) (*model.DialogMember, error) {
	var m model.DialogMember
	err := row.Scan(
		&m.TenantID,
		&m.DialogID,
		&m.UserID,
		&m.UnreadCount,
		&m.LastReadAt,
		&m.JoinedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMembers(rows *sql.Rows) ([]*model.DialogMember, error) {
	var members []*model.DialogMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// scanTask scans a single row into a model.DialogReadTask.
// The row must contain columns in the order defined by taskColumns.
func scanTask(row scannable) (*model.DialogReadTask, error) {
	var t model.DialogReadTask
	var (
		userID     sql.NullString
		errMsg     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.DialogID,
		&userID,
		&t.Status,
		&errMsg,
		&startedAt,
		&finishedAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.UserID = userID.String
	t.Error = errMsg.String
	if startedAt.Valid {
		at := startedAt.Time
		t.StartedAt = &at
	}
	if finishedAt.Valid {
		at := finishedAt.Time
		t.FinishedAt = &at
	}

	return &t, nil
}

// nullTimePtr converts a *time.Time to a sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonbBytes converts json.RawMessage to a []byte suitable for a NOT NULL
// JSONB column; an empty payload becomes the empty object.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	return []byte(m)
}
