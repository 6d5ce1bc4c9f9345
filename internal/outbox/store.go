package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	bucketJobs = "jobs"
	bucketIDs  = "job_ids"
)

// Status is the delivery state of a queued job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Job is one write waiting to be replayed against the primary store.
type Job struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is a bbolt-backed FIFO of jobs. Jobs are keyed by an insertion
// sequence so replay preserves enqueue order.
type Store struct {
	db     *bbolt.DB
	now    func() time.Time
	notify func()
}

// Open opens or creates the outbox file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketJobs, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Notify registers f to run after every successful Enqueue.
func (s *Store) Notify(f func()) {
	s.notify = f
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Enqueue appends a pending job and returns its id.
func (s *Store) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	if kind == "" {
		return "", errors.New("job kind required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := s.now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   body,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jobs := tx.Bucket([]byte(bucketJobs))
		seq, err := jobs.NextSequence()
		if err != nil {
			return err
		}
		job.Seq = seq
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := jobs.Put(seqKey(seq), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketIDs)).Put([]byte(job.ID), seqKey(seq))
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	if s.notify != nil {
		s.notify()
	}
	return job.ID, nil
}

// Get returns a job by id, or nil when unknown.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := tx.Bucket([]byte(bucketIDs)).Get([]byte(id))
		if key == nil {
			return nil
		}
		data := tx.Bucket([]byte(bucketJobs)).Get(key)
		if data == nil {
			return nil
		}
		job = new(Job)
		return json.Unmarshal(data, job)
	})
	return job, err
}

// Pending returns up to limit pending jobs in enqueue order.
func (s *Store) Pending(ctx context.Context, limit int) ([]Job, error) {
	var out []Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketJobs)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("decode job %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if job.Status != StatusPending {
				continue
			}
			out = append(out, job)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Save writes back a job's status, attempts and last error.
func (s *Store) Save(ctx context.Context, job Job) error {
	job.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jobs := tx.Bucket([]byte(bucketJobs))
		key := seqKey(job.Seq)
		if jobs.Get(key) == nil {
			return fmt.Errorf("job %s not found", job.ID)
		}
		return jobs.Put(key, data)
	})
}

// Counts returns the number of jobs in each status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	counts := map[Status]int{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketJobs)).ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var job struct {
				Status Status `json:"status"`
			}
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			counts[job.Status]++
			return nil
		})
	})
	return counts, err
}

// PurgeDelivered deletes delivered jobs last updated before cutoff.
func (s *Store) PurgeDelivered(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(bucketJobs))
		ids := tx.Bucket([]byte(bucketIDs))
		c := jobs.Cursor()
		for k, v := c.First(); k != nil; {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == StatusDelivered && job.UpdatedAt.Before(cutoff) {
				key := append([]byte(nil), k...)
				if err := ids.Delete([]byte(job.ID)); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
				k, v = c.Seek(key)
				continue
			}
			k, v = c.Next()
		}
		return nil
	})
	return deleted, err
}
