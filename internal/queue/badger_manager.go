package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/folio/internal/models"
)

// StoredMessage represents the internal structure stored in Badger
type StoredMessage struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
	InFlight     bool                `json:"in_flight"` // Claimed by a receiver and not yet released or deleted
}

// before reports whether m should be received ahead of other.
func (m *StoredMessage) before(other *StoredMessage) bool {
	if m.Body.Priority != other.Body.Priority {
		return m.Body.Priority < other.Body.Priority
	}
	if !m.EnqueuedAt.Equal(other.EnqueuedAt) {
		return m.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return m.ID < other.ID
}

// BadgerManager implements a persistent queue using BadgerDB.
// Data is stored at queue:{name}:msg:{id} and a visibility index is kept at
// queue:{name}:index:{visibleAt}:{id} so ready messages can be found by a prefix scan.
type BadgerManager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
}

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, queueName string, visibilityTimeout time.Duration) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute // Default
	}

	return &BadgerManager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
	}, nil
}

// Enqueue stores a message that becomes visible after delay.
// A message already stored under the same job id is replaced.
func (m *BadgerManager) Enqueue(ctx context.Context, msg models.QueueMessage, delay time.Duration) error {
	if msg.JobID == "" {
		return errors.New("message job id is required")
	}

	now := time.Now()
	stored := StoredMessage{
		ID:         msg.JobID,
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
	}

	return m.db.Update(func(txn *badger.Txn) error {
		existing, err := m.load(txn, msg.JobID)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if existing != nil {
			if err := txn.Delete(m.indexKey(existing.VisibleAt, existing.ID)); err != nil {
				return err
			}
		}
		return m.store(txn, &stored)
	})
}

// Receive claims the visible message with the lowest priority value, oldest first.
// The claimed message stays invisible for the visibility timeout.
func (m *BadgerManager) Receive(ctx context.Context) (*models.QueueMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paused, err := m.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, models.ErrQueuePaused
	}

	var claimed *StoredMessage

	err = m.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		var dangling [][]byte

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue // Skip invalid keys
			}

			// Keys are sorted by timestamp so nothing after a future one is ready.
			if ts.After(now) {
				break
			}

			candidate, err := m.load(txn, id)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					dangling = append(dangling, key)
					continue
				}
				it.Close()
				return err
			}

			if claimed == nil || candidate.before(claimed) {
				claimed = candidate
			}
		}
		it.Close()

		for _, key := range dangling {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		if claimed == nil {
			return models.ErrNoMessage
		}

		if err := txn.Delete(m.indexKey(claimed.VisibleAt, claimed.ID)); err != nil {
			return err
		}
		claimed.ReceiveCount++
		claimed.InFlight = true
		claimed.VisibleAt = now.Add(m.visibilityTimeout)
		return m.store(txn, claimed)
	})

	if err != nil {
		return nil, err
	}

	body := claimed.Body
	return &body, nil
}

// Extend extends the visibility timeout for a message
func (m *BadgerManager) Extend(ctx context.Context, jobID string, duration time.Duration) error {
	return m.move(jobID, time.Now().Add(duration), true)
}

// Release makes a claimed message visible again after delay.
func (m *BadgerManager) Release(ctx context.Context, jobID string, delay time.Duration) error {
	return m.move(jobID, time.Now().Add(delay), false)
}

// Delete removes a message and its index entry. Deleting a missing message is not an error.
func (m *BadgerManager) Delete(ctx context.Context, jobID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		current, err := m.load(txn, jobID)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // Already deleted
			}
			return err
		}

		if err := txn.Delete(m.indexKey(current.VisibleAt, jobID)); err != nil {
			return err
		}
		return txn.Delete(m.msgKey(jobID))
	})
}

// Exists reports whether a message is stored for the job.
func (m *BadgerManager) Exists(ctx context.Context, jobID string) (bool, error) {
	found := false
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(m.msgKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Expired returns the ids of claimed messages whose visibility timeout has passed.
func (m *BadgerManager) Expired(ctx context.Context) ([]string, error) {
	var ids []string

	err := m.db.View(func(txn *badger.Txn) error {
		now := time.Now()
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ts, id, err := m.parseIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			if ts.After(now) {
				break
			}

			msg, err := m.load(txn, id)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if msg.InFlight {
				ids = append(ids, id)
			}
		}
		return nil
	})

	return ids, err
}

// RecoverInFlight makes every claimed message visible immediately.
// It is called at startup, when no receiver from a previous process can still hold a claim.
func (m *BadgerManager) RecoverInFlight(ctx context.Context) ([]string, error) {
	var recovered []*StoredMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		prefix := m.msgPrefix()
		it := txn.NewIterator(badger.DefaultIteratorOptions)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				it.Close()
				return err
			}
			if msg.InFlight {
				recovered = append(recovered, &msg)
			}
		}
		it.Close()

		now := time.Now()
		for _, msg := range recovered {
			if err := txn.Delete(m.indexKey(msg.VisibleAt, msg.ID)); err != nil {
				return err
			}
			msg.InFlight = false
			msg.VisibleAt = now
			if err := m.store(txn, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recovered))
	for _, msg := range recovered {
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// Pause stops Receive from handing out messages. The flag is persisted.
func (m *BadgerManager) Pause(ctx context.Context) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(m.pausedKey(), []byte("1"))
	})
}

// Resume clears the pause flag.
func (m *BadgerManager) Resume(ctx context.Context) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(m.pausedKey())
	})
}

// IsPaused reports whether the queue is paused.
func (m *BadgerManager) IsPaused(ctx context.Context) (bool, error) {
	paused := false
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(m.pausedKey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		paused = true
		return nil
	})
	return paused, err
}

// Stats counts stored messages by visibility.
func (m *BadgerManager) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats

	err := m.db.View(func(txn *badger.Txn) error {
		now := time.Now()
		prefix := m.msgPrefix()
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			switch {
			case msg.InFlight:
				stats.InFlight++
			case msg.VisibleAt.After(now):
				stats.Delayed++
			default:
				stats.Ready++
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	stats.Paused, err = m.IsPaused(ctx)
	return stats, err
}

// Close closes the queue manager (no-op for BadgerManager as DB is managed externally)
func (m *BadgerManager) Close() error {
	return nil
}

// Helpers

func (m *BadgerManager) move(jobID string, visibleAt time.Time, inFlight bool) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msg, err := m.load(txn, jobID)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("message %s: %w", jobID, models.ErrJobNotFound)
			}
			return err
		}

		if err := txn.Delete(m.indexKey(msg.VisibleAt, jobID)); err != nil {
			return err
		}
		msg.VisibleAt = visibleAt
		msg.InFlight = inFlight
		return m.store(txn, msg)
	})
}

func (m *BadgerManager) load(txn *badger.Txn, id string) (*StoredMessage, error) {
	item, err := txn.Get(m.msgKey(id))
	if err != nil {
		return nil, err
	}

	var msg StoredMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue message %s: %w", id, err)
	}
	return &msg, nil
}

func (m *BadgerManager) store(txn *badger.Txn, msg *StoredMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := txn.Set(m.msgKey(msg.ID), data); err != nil {
		return err
	}
	return txn.Set(m.indexKey(msg.VisibleAt, msg.ID), []byte{})
}

func (m *BadgerManager) msgPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
}

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
}

func (m *BadgerManager) indexKey(visibleAt time.Time, id string) []byte {
	ts := visibleAt.UnixNano()
	// Zero pad to 20 digits to ensure string sorting works like number sorting
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, ts, id))
}

func (m *BadgerManager) pausedKey() []byte {
	return []byte(fmt.Sprintf("queue:%s:paused", m.queueName))
}

func (m *BadgerManager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefix):])
	// Suffix is "{20-digit-ts}:{id}"
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
