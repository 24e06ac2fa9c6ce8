// Package relica provides Relica-backed persistence for the broker.
package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/broker"
	"github.com/coregx/broker/model"
)

// PersistentStore implements broker.PersistentStore using Relica. It keeps
// one durable row per topic, the current persistent entry, which the broker
// replays through the normal publish path on startup.
type PersistentStore struct {
	db          *relica.DB
	tablePrefix string
}

// NewPersistentStore creates a new PersistentStore with default table prefix.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or SQLite.
// The driverName should be "mysql", "postgres", or "sqlite3".
func NewPersistentStore(sqlDB *sql.DB, driverName string) *PersistentStore {
	return &PersistentStore{db: relica.WrapDB(sqlDB, driverName), tablePrefix: "broker_"}
}

// NewPersistentStoreWithPrefix creates a new PersistentStore with custom table prefix.
func NewPersistentStoreWithPrefix(sqlDB *sql.DB, driverName, prefix string) *PersistentStore {
	return &PersistentStore{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (s *PersistentStore) tableName() string {
	return s.tablePrefix + "persistent_entry"
}

// persistentRow is the database image of one durable entry.
type persistentRow struct {
	ID           int64     `db:"id"`
	TopicName    string    `db:"topic_name"`
	Payload      []byte    `db:"payload"`
	ContentType  string    `db:"content_type"`
	Priority     int       `db:"priority"`
	TTLNs        int64     `db:"ttl_ns"`
	ForceDestroy bool      `db:"force_destroy"`
	PublisherID  string    `db:"publisher_id"`
	ReceivedAt   time.Time `db:"received_at"`
}

func rowFromEntry(entry *model.MessageEntry) persistentRow {
	return persistentRow{
		ID:           entry.ID,
		TopicName:    entry.TopicName,
		Payload:      entry.Payload,
		ContentType:  entry.ContentType,
		Priority:     entry.Priority,
		TTLNs:        int64(entry.TTL),
		ForceDestroy: entry.ForceDestroy,
		PublisherID:  entry.PublisherID,
		ReceivedAt:   entry.ReceivedAt,
	}
}

func (r persistentRow) toEntry() *model.MessageEntry {
	entry := model.NewMessageEntry(r.ID, r.TopicName, r.Payload, r.ContentType)
	entry.Priority = r.Priority
	entry.TTL = time.Duration(r.TTLNs)
	entry.ForceDestroy = r.ForceDestroy
	entry.Persistent = true
	entry.PublisherID = r.PublisherID
	entry.ReceivedAt = r.ReceivedAt
	return entry
}

// Store writes one persistent entry through, replacing any previous durable
// entry for the same topic.
func (s *PersistentStore) Store(ctx context.Context, entry *model.MessageEntry) error {
	var existing persistentRow
	err := s.db.WithContext(ctx).Select("*").From(s.tableName()).
		Where("topic_name = ?", entry.TopicName).One(&existing)

	if err == nil {
		row := rowFromEntry(entry)
		_, err = s.db.WithContext(ctx).Update(s.tableName()).
			Set(map[string]interface{}{
				"id":            row.ID,
				"payload":       row.Payload,
				"content_type":  row.ContentType,
				"priority":      row.Priority,
				"ttl_ns":        row.TTLNs,
				"force_destroy": row.ForceDestroy,
				"publisher_id":  row.PublisherID,
				"received_at":   row.ReceivedAt,
			}).
			Where("topic_name = ?", entry.TopicName).
			WithContext(ctx).
			Execute()
		if err != nil {
			return broker.NewErrorWithCause(broker.ErrCodeDatabase, "failed to update persistent entry", err)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return broker.NewErrorWithCause(broker.ErrCodeDatabase, "failed to look up persistent entry", err)
	}

	row := rowFromEntry(entry)
	if err := s.db.WithContext(ctx).Model(&row).Table(s.tableName()).Insert(); err != nil {
		return broker.NewErrorWithCause(broker.ErrCodeDatabase, "failed to insert persistent entry", err)
	}
	return nil
}

// Erase removes the durable entry for a topic. Erasing a topic with no
// durable entry is a no-op.
func (s *PersistentStore) Erase(ctx context.Context, topicName string) error {
	var row persistentRow
	err := s.db.WithContext(ctx).Select("*").From(s.tableName()).
		Where("topic_name = ?", topicName).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return broker.NewErrorWithCause(broker.ErrCodeDatabase, "failed to look up persistent entry", err)
	}

	// Delete using Model() API - auto WHERE id = ?
	if err := s.db.WithContext(ctx).Model(&row).Table(s.tableName()).Delete(); err != nil {
		return broker.NewErrorWithCause(broker.ErrCodeDatabase, "failed to delete persistent entry", err)
	}
	return nil
}

// FetchAllOids lists the topic names with durable entries.
func (s *PersistentStore) FetchAllOids(ctx context.Context) ([]string, error) {
	var rows []persistentRow
	err := s.db.WithContext(ctx).Select("*").From(s.tableName()).All(&rows)
	if err != nil {
		return nil, broker.NewErrorWithCause(broker.ErrCodeDatabase, "failed to list persistent entries", err)
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.TopicName)
	}
	return names, nil
}

// Fetch loads the durable entry for one topic.
func (s *PersistentStore) Fetch(ctx context.Context, topicName string) (*model.MessageEntry, error) {
	var row persistentRow
	err := s.db.WithContext(ctx).Select("*").From(s.tableName()).
		Where("topic_name = ?", topicName).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broker.ErrNoData
	}
	if err != nil {
		return nil, broker.NewErrorWithCause(broker.ErrCodeDatabase, "failed to load persistent entry", err)
	}
	return row.toEntry(), nil
}
