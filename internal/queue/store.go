package queue

import (
	"context"
	"time"

	"fleet-tracker/internal/database"
	"fleet-tracker/internal/models"
)

// Store is the durable side of the queue
type Store interface {
	Add(ctx context.Context, item models.QueueItem) (models.QueueItem, error)
	Items(ctx context.Context) ([]models.QueueItem, error)
	Update(ctx context.Context, item models.QueueItem) error
	Remove(ctx context.Context, id string) error
	// MoveToDeadLetter removes item from the queue and adds it to the dead
	// letters in one step
	MoveToDeadLetter(ctx context.Context, item models.QueueItem, at time.Time) error
	// RestoreDeadLetters moves every dead letter back with a zero retry count
	RestoreDeadLetters(ctx context.Context) ([]models.QueueItem, error)
	DeadLetters(ctx context.Context) ([]models.DeadLetterItem, error)
	Counts(ctx context.Context) (queued, deadLettered int, err error)
}

// NewStore adapts the local database to Store. A damaged database file is
// recreated on the first failing call; that call's error is still returned.
func NewStore(db *database.DB) Store {
	return &dbStore{db: db}
}

type dbStore struct {
	db *database.DB
}

func (s *dbStore) check(err error) error {
	s.db.Recover(err)
	return err
}

func (s *dbStore) Add(ctx context.Context, item models.QueueItem) (models.QueueItem, error) {
	added, err := s.db.Queue.Add(ctx, item)
	return added, s.check(err)
}

func (s *dbStore) Items(ctx context.Context) ([]models.QueueItem, error) {
	items, err := s.db.Queue.GetAll(ctx)
	return items, s.check(err)
}

func (s *dbStore) Update(ctx context.Context, item models.QueueItem) error {
	return s.check(s.db.Queue.Update(ctx, item))
}

func (s *dbStore) Remove(ctx context.Context, id string) error {
	return s.check(s.db.Queue.Remove(ctx, id))
}

func (s *dbStore) MoveToDeadLetter(ctx context.Context, item models.QueueItem, at time.Time) error {
	return s.check(s.db.MoveToDeadLetter(ctx, item, at))
}

func (s *dbStore) RestoreDeadLetters(ctx context.Context) ([]models.QueueItem, error) {
	items, err := s.db.RestoreDeadLetters(ctx)
	return items, s.check(err)
}

func (s *dbStore) DeadLetters(ctx context.Context) ([]models.DeadLetterItem, error) {
	items, err := s.db.DeadLetters.GetAll(ctx)
	return items, s.check(err)
}

func (s *dbStore) Counts(ctx context.Context) (int, int, error) {
	queued, err := s.db.Queue.Count(ctx)
	if err != nil {
		return 0, 0, s.check(err)
	}
	dead, err := s.db.DeadLetters.Count(ctx)
	if err != nil {
		return 0, 0, s.check(err)
	}
	return queued, dead, nil
}
