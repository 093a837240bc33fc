package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fleet-tracker/internal/models"
)

const queueColumns = `seq, id, type, payload, enqueued_at, retry_count, priority, last_error`

// Queue is the active delivery queue collection
type Queue struct {
	db *DB
}

// Add persists a new item and returns it with its insertion sequence set.
func (q *Queue) Add(ctx context.Context, item models.QueueItem) (models.QueueItem, error) {
	q.db.queueMu.Lock()
	defer q.db.queueMu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue (id, type, payload, enqueued_at, retry_count, priority, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Type, string(item.Payload), item.EnqueuedAt, item.RetryCount, item.Priority, nullString(item.LastError))
	if err != nil {
		return item, err
	}
	item.Seq, err = res.LastInsertId()
	return item, err
}

// GetAll returns every queued item in insertion order
func (q *Queue) GetAll(ctx context.Context) ([]models.QueueItem, error) {
	q.db.queueMu.Lock()
	defer q.db.queueMu.Unlock()

	rows, err := q.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// Get retrieves one item by id
func (q *Queue) Get(ctx context.Context, id string) (models.QueueItem, error) {
	q.db.queueMu.Lock()
	defer q.db.queueMu.Unlock()

	rows, err := q.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue WHERE id = ?`, id)
	if err != nil {
		return models.QueueItem{}, err
	}
	defer rows.Close()

	items, err := scanQueueItems(rows)
	if err != nil {
		return models.QueueItem{}, err
	}
	if len(items) == 0 {
		return models.QueueItem{}, ErrNotFound
	}
	return items[0], nil
}

// Update rewrites retry state of an existing item in place
func (q *Queue) Update(ctx context.Context, item models.QueueItem) error {
	q.db.queueMu.Lock()
	defer q.db.queueMu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE queue
		SET type = ?, payload = ?, retry_count = ?, priority = ?, last_error = ?
		WHERE id = ?
	`, item.Type, string(item.Payload), item.RetryCount, item.Priority, nullString(item.LastError), item.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// Remove deletes an item by id. Removing a missing id is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.db.queueMu.Lock()
	defer q.db.queueMu.Unlock()

	_, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	return err
}

// Clear deletes every queued item
func (q *Queue) Clear(ctx context.Context) error {
	q.db.queueMu.Lock()
	defer q.db.queueMu.Unlock()

	_, err := q.db.ExecContext(ctx, `DELETE FROM queue`)
	return err
}

// Count returns the number of queued items
func (q *Queue) Count(ctx context.Context) (int, error) {
	q.db.queueMu.Lock()
	defer q.db.queueMu.Unlock()

	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n)
	return n, err
}

// DeadLetters is the collection of items that exhausted their retries
type DeadLetters struct {
	db *DB
}

// Add stores a dead-lettered item. Re-adding an id replaces the earlier row.
func (d *DeadLetters) Add(ctx context.Context, item models.DeadLetterItem) error {
	d.db.deadMu.Lock()
	defer d.db.deadMu.Unlock()

	return insertDeadLetter(ctx, d.db.DB, item)
}

// GetAll returns every dead-lettered item in the order it was dead-lettered
func (d *DeadLetters) GetAll(ctx context.Context) ([]models.DeadLetterItem, error) {
	d.db.deadMu.Lock()
	defer d.db.deadMu.Unlock()

	return selectDeadLetters(ctx, d.db.DB)
}

// Update rewrites a dead-lettered item in place
func (d *DeadLetters) Update(ctx context.Context, item models.DeadLetterItem) error {
	d.db.deadMu.Lock()
	defer d.db.deadMu.Unlock()

	res, err := d.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET type = ?, payload = ?, retry_count = ?, priority = ?, last_error = ?
		WHERE id = ?
	`, item.Type, string(item.Payload), item.RetryCount, item.Priority, nullString(item.LastError), item.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// Remove deletes a dead-lettered item by id
func (d *DeadLetters) Remove(ctx context.Context, id string) error {
	d.db.deadMu.Lock()
	defer d.db.deadMu.Unlock()

	_, err := d.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return err
}

// Clear deletes every dead-lettered item
func (d *DeadLetters) Clear(ctx context.Context) error {
	d.db.deadMu.Lock()
	defer d.db.deadMu.Unlock()

	_, err := d.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	return err
}

// Count returns the number of dead-lettered items
func (d *DeadLetters) Count(ctx context.Context) (int, error) {
	d.db.deadMu.Lock()
	defer d.db.deadMu.Unlock()

	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

// MoveToDeadLetter removes the item from the queue and adds it to the dead
// letters in one transaction.
func (db *DB) MoveToDeadLetter(ctx context.Context, item models.QueueItem, at time.Time) error {
	db.queueMu.Lock()
	defer db.queueMu.Unlock()
	db.deadMu.Lock()
	defer db.deadMu.Unlock()

	return withTx(ctx, db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, item.ID); err != nil {
			return err
		}
		return insertDeadLetter(ctx, tx, models.DeadLetterItem{QueueItem: item, DeadLetteredAt: at})
	})
}

// RestoreDeadLetters moves every dead letter back to the queue with its retry
// count reset, in one transaction. The restored items are returned.
func (db *DB) RestoreDeadLetters(ctx context.Context) ([]models.QueueItem, error) {
	db.queueMu.Lock()
	defer db.queueMu.Unlock()
	db.deadMu.Lock()
	defer db.deadMu.Unlock()

	var restored []models.QueueItem
	err := withTx(ctx, db.DB, func(tx *sql.Tx) error {
		dead, err := selectDeadLetters(ctx, tx)
		if err != nil {
			return err
		}
		for _, d := range dead {
			item := d.QueueItem
			item.RetryCount = 0
			item.LastError = ""

			res, err := tx.ExecContext(ctx, `
				INSERT INTO queue (id, type, payload, enqueued_at, retry_count, priority, last_error)
				VALUES (?, ?, ?, ?, 0, ?, NULL)
				ON CONFLICT(id) DO UPDATE SET retry_count = 0, last_error = NULL
			`, item.ID, item.Type, string(item.Payload), item.EnqueuedAt, item.Priority)
			if err != nil {
				return err
			}
			if seq, err := res.LastInsertId(); err == nil {
				item.Seq = seq
			}
			restored = append(restored, item)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM dead_letters`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// LocationUpdates holds location fixes not yet handed to the queue
type LocationUpdates struct {
	db *DB
}

func (l *LocationUpdates) Add(ctx context.Context, u models.LocationUpdate) error {
	l.db.locationMu.Lock()
	defer l.db.locationMu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO location_updates (id, driver_name, lat, lng, accuracy, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.DriverName, u.Position.Lat, u.Position.Lng, u.Accuracy, u.Timestamp)
	return err
}

func (l *LocationUpdates) GetAll(ctx context.Context) ([]models.LocationUpdate, error) {
	l.db.locationMu.Lock()
	defer l.db.locationMu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, driver_name, lat, lng, accuracy, recorded_at
		FROM location_updates ORDER BY recorded_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updates := []models.LocationUpdate{}
	for rows.Next() {
		var u models.LocationUpdate
		if err := rows.Scan(&u.ID, &u.DriverName, &u.Position.Lat, &u.Position.Lng, &u.Accuracy, &u.Timestamp); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (l *LocationUpdates) Update(ctx context.Context, u models.LocationUpdate) error {
	l.db.locationMu.Lock()
	defer l.db.locationMu.Unlock()

	res, err := l.db.ExecContext(ctx, `
		UPDATE location_updates
		SET driver_name = ?, lat = ?, lng = ?, accuracy = ?, recorded_at = ?
		WHERE id = ?
	`, u.DriverName, u.Position.Lat, u.Position.Lng, u.Accuracy, u.Timestamp, u.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (l *LocationUpdates) Remove(ctx context.Context, id string) error {
	l.db.locationMu.Lock()
	defer l.db.locationMu.Unlock()

	_, err := l.db.ExecContext(ctx, `DELETE FROM location_updates WHERE id = ?`, id)
	return err
}

func (l *LocationUpdates) Clear(ctx context.Context) error {
	l.db.locationMu.Lock()
	defer l.db.locationMu.Unlock()

	_, err := l.db.ExecContext(ctx, `DELETE FROM location_updates`)
	return err
}

// Settings is a small key/value store for agent preferences
type Settings struct {
	db *DB
}

// Setting keys
const (
	SettingDriverName = "driver_name"
	SettingTracking   = "tracking"
)

// Get returns the value for key, or ErrNotFound
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	s.db.settingsMu.Lock()
	defer s.db.settingsMu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// Set stores value under key
func (s *Settings) Set(ctx context.Context, key, value string) error {
	s.db.settingsMu.Lock()
	defer s.db.settingsMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Helper functions

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertDeadLetter(ctx context.Context, e execer, item models.DeadLetterItem) error {
	_, err := e.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters (id, type, payload, enqueued_at, retry_count, priority, last_error, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Type, string(item.Payload), item.EnqueuedAt, item.RetryCount, item.Priority,
		nullString(item.LastError), item.DeadLetteredAt)
	return err
}

func selectDeadLetters(ctx context.Context, q querier) ([]models.DeadLetterItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+queueColumns+`, dead_lettered_at FROM dead_letters ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.DeadLetterItem{}
	for rows.Next() {
		var item models.DeadLetterItem
		var payload string
		var lastError sql.NullString
		if err := rows.Scan(&item.Seq, &item.ID, &item.Type, &payload, &item.EnqueuedAt,
			&item.RetryCount, &item.Priority, &lastError, &item.DeadLetteredAt); err != nil {
			return nil, err
		}
		item.Payload = []byte(payload)
		item.LastError = lastError.String
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanQueueItems(rows *sql.Rows) ([]models.QueueItem, error) {
	items := []models.QueueItem{}
	for rows.Next() {
		var item models.QueueItem
		var payload string
		var lastError sql.NullString
		if err := rows.Scan(&item.Seq, &item.ID, &item.Type, &payload, &item.EnqueuedAt,
			&item.RetryCount, &item.Priority, &lastError); err != nil {
			return nil, err
		}
		item.Payload = []byte(payload)
		item.LastError = lastError.String
		items = append(items, item)
	}
	return items, rows.Err()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
