// Package process implements Tangram's process queue and state
// machine (spec §4.7): a persistent, remoteable queue of compute
// processes with permits, heartbeats, children, and an append-only
// log, backed by bbolt the way the teacher's internal/store and
// internal/refs packages persist their own state.
package process

import (
	"encoding/json"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/tgerror"
)

// Status is a state in the process state machine (spec §4.7):
//
//	created -> enqueued -> dequeued -> started -> {succeeded, failed, canceled}
type Status string

const (
	StatusCreated   Status = "created"
	StatusEnqueued  Status = "enqueued"
	StatusDequeued  Status = "dequeued"
	StatusStarted   Status = "started"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// terminal reports whether a status ends the state machine.
func (s Status) terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// order gives each status its position for the monotonicity check
// spec §8 requires ("the sequence of observed statuses is monotone
// ... and never regresses").
var order = map[Status]int{
	StatusCreated:   0,
	StatusEnqueued:  1,
	StatusDequeued:  2,
	StatusStarted:   3,
	StatusSucceeded: 4,
	StatusFailed:    4,
	StatusCanceled:  4,
}

// Exit describes how a process run ended.
type Exit struct {
	Code   *int32 `json:"code,omitempty"`
	Signal *int32 `json:"signal,omitempty"`
}

// Timestamps records when each transition happened.
type Timestamps struct {
	Created   time.Time  `json:"created"`
	Enqueued  *time.Time `json:"enqueued,omitempty"`
	Dequeued  *time.Time `json:"dequeued,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
}

// Record is the persisted state of one process.
type Record struct {
	ID         id.ID           `json:"id"`
	Host       string          `json:"host"`
	CommandID  id.ID           `json:"commandId"`
	Status     Status          `json:"status"`
	Timestamps Timestamps      `json:"timestamps"`
	Exit       *Exit           `json:"exit,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Children   []id.ID         `json:"children,omitempty"`
	Remote     string          `json:"remote,omitempty"` // non-empty when owned by a peer
}

var bucketProcesses = []byte("processes")

// Queue is the persistent process queue.
type Queue struct {
	db *bbolt.DB

	mu          sync.Mutex
	subscribers map[string][]chan id.ID // processID -> channels notified on child append
}

// Open opens (creating if absent) the bbolt-backed process queue.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, tgerror.IOErr(err, "open process queue %q", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketProcesses)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, tgerror.IOErr(err, "initialize process queue buckets")
	}
	return &Queue{db: db, subscribers: make(map[string][]chan id.ID)}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// Create inserts a new process in the "created" state, not yet
// eligible for dequeue until Enqueue is called.
func (q *Queue) Create(processID id.ID, host string, commandID id.ID) (*Record, error) {
	now := time.Now()
	rec := &Record{
		ID:         processID,
		Host:       host,
		CommandID:  commandID,
		Status:     StatusCreated,
		Timestamps: Timestamps{Created: now},
	}
	return rec, q.put(rec)
}

// Enqueue transitions a process from created to enqueued, making it
// eligible for dequeue.
func (q *Queue) Enqueue(processID id.ID) (*Record, error) {
	return q.transition(processID, StatusCreated, StatusEnqueued, func(rec *Record) {
		now := time.Now()
		rec.Timestamps.Enqueued = &now
	})
}

// Dequeue atomically claims the oldest enqueued process, mirroring
// `UPDATE ... SET status='dequeued' WHERE status='enqueued' RETURNING
// id` (spec §4.7): the scan and the status flip happen inside one
// bbolt write transaction, so only one caller ever wins a given row.
func (q *Queue) Dequeue() (*Record, bool, error) {
	var result *Record
	err := q.db.Update(func(tx *bbolt.Tx) error {
		processes := tx.Bucket(bucketProcesses)
		cursor := processes.Cursor()

		var bestKey []byte
		var bestRec *Record
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Status != StatusEnqueued {
				continue
			}
			if bestRec == nil || (rec.Timestamps.Enqueued != nil && bestRec.Timestamps.Enqueued != nil &&
				rec.Timestamps.Enqueued.Before(*bestRec.Timestamps.Enqueued)) {
				bestKey = append([]byte(nil), k...)
				bestRec = &rec
			}
		}
		if bestRec == nil {
			return nil
		}
		now := time.Now()
		bestRec.Status = StatusDequeued
		bestRec.Timestamps.Dequeued = &now
		encoded, err := json.Marshal(bestRec)
		if err != nil {
			return err
		}
		if err := processes.Put(bestKey, encoded); err != nil {
			return err
		}
		result = bestRec
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, result != nil, nil
}

// Start transitions a dequeued process to started.
func (q *Queue) Start(processID id.ID) (*Record, error) {
	return q.transition(processID, StatusDequeued, StatusStarted, func(rec *Record) {
		now := time.Now()
		rec.Timestamps.Started = &now
	})
}

// Touch refreshes the heartbeat timestamp without changing status
// (spec §4.7 heartbeat; also backs the `POST /builds/{id}/touch`
// route named in spec §6 and detailed by original_source's
// build/touch.rs).
func (q *Queue) Touch(processID id.ID) (*Record, error) {
	return q.update(processID, func(rec *Record) error {
		if rec.Status.terminal() {
			return tgerror.Conflictf("cannot touch a finished process %s", processID)
		}
		now := time.Now()
		rec.Timestamps.Heartbeat = &now
		return nil
	})
}

// Finish computes the terminal status from (output, exit, error) and
// records it in a single update: any error or non-zero exit/signal
// yields failed, otherwise succeeded.
func (q *Queue) Finish(processID id.ID, output json.RawMessage, exit *Exit, runErr error) (*Record, error) {
	return q.update(processID, func(rec *Record) error {
		if rec.Status.terminal() {
			return tgerror.Conflictf("process %s already finished with status %s", processID, rec.Status)
		}
		now := time.Now()
		rec.Timestamps.Finished = &now
		rec.Output = output
		rec.Exit = exit

		failed := runErr != nil
		if exit != nil {
			if exit.Code != nil && *exit.Code != 0 {
				failed = true
			}
			if exit.Signal != nil && *exit.Signal != 0 {
				failed = true
			}
		}
		if failed {
			rec.Status = StatusFailed
			if runErr != nil {
				msg := runErr.Error()
				rec.Error = &msg
			}
		} else {
			rec.Status = StatusSucceeded
		}
		return nil
	})
}

// Cancel marks a non-terminal process canceled.
func (q *Queue) Cancel(processID id.ID) (*Record, error) {
	return q.update(processID, func(rec *Record) error {
		if rec.Status.terminal() {
			return nil // idempotent: canceling an already-finished process is a no-op
		}
		now := time.Now()
		rec.Timestamps.Finished = &now
		rec.Status = StatusCanceled
		return nil
	})
}

// Get returns the current record for a process.
func (q *Queue) Get(processID id.ID) (*Record, error) {
	var rec *Record
	err := q.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketProcesses).Get([]byte(processID.String()))
		if raw == nil {
			return tgerror.NotFoundf("process %s not found", processID)
		}
		rec = &Record{}
		return json.Unmarshal(raw, rec)
	})
	return rec, err
}

// List returns every process record, for the `GET /builds` route
// (spec §6). Order is unspecified; callers that need the queue's
// dequeue order should use Dequeue/StatusCounts instead.
func (q *Queue) List() ([]*Record, error) {
	var recs []*Record
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcesses).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// Import persists a complete, already-finished process record exactly
// as given, for replicating a process pulled from a peer (spec §4.9)
// rather than running it through this queue's own state machine.
// Importing over an existing record only overwrites it if the
// incoming one is at least as advanced, so a concurrent local
// transition can't be clobbered by a stale replica.
func (q *Queue) Import(rec *Record) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProcesses)
		key := []byte(rec.ID.String())
		if existing := bucket.Get(key); existing != nil {
			var current Record
			if err := json.Unmarshal(existing, &current); err == nil {
				if order[current.Status] > order[rec.Status] {
					return nil
				}
			}
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
}

// AppendChild appends a child process ID to a process's ordered
// children list and publishes the append to live subscribers (spec
// §4.7: "appends publish an event on a subscribe channel").
func (q *Queue) AppendChild(parentID, childID id.ID) error {
	_, err := q.update(parentID, func(rec *Record) error {
		rec.Children = append(rec.Children, childID)
		return nil
	})
	if err != nil {
		return err
	}
	q.publishChild(parentID, childID)
	return nil
}

// Children returns a snapshot of a process's current children plus a
// channel that receives subsequently appended children, matching the
// hybrid snapshot-then-subscribe shape of original_source's
// build/children.rs.
func (q *Queue) Children(parentID id.ID) ([]id.ID, <-chan id.ID, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.Get(parentID)
	var snapshot []id.ID
	if err == nil {
		snapshot = append(snapshot, rec.Children...)
	}

	ch := make(chan id.ID, 16)
	key := parentID.String()
	q.subscribers[key] = append(q.subscribers[key], ch)

	unsubscribe := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		subs := q.subscribers[key]
		for i, c := range subs {
			if c == ch {
				q.subscribers[key] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return snapshot, ch, unsubscribe
}

func (q *Queue) publishChild(parentID, childID id.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subscribers[parentID.String()] {
		select {
		case ch <- childID:
		default: // a slow subscriber drops to its next snapshot read
		}
	}
}

// StatusCounts reports the number of processes in each status, for
// diagnostics and the queue health endpoint.
func (q *Queue) StatusCounts() (map[Status]int, error) {
	counts := make(map[Status]int)
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcesses).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			counts[rec.Status]++
			return nil
		})
	})
	return counts, err
}

func (q *Queue) put(rec *Record) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProcesses).Put([]byte(rec.ID.String()), encoded)
	})
}

func (q *Queue) transition(processID id.ID, from, to Status, mutate func(*Record)) (*Record, error) {
	return q.update(processID, func(rec *Record) error {
		if rec.Status != from {
			return tgerror.Conflictf("process %s: expected status %s, got %s", processID, from, rec.Status)
		}
		if order[to] < order[rec.Status] {
			return tgerror.Internalf("process %s: refusing to regress status %s -> %s", processID, rec.Status, to)
		}
		rec.Status = to
		mutate(rec)
		return nil
	})
}

func (q *Queue) update(processID id.ID, mutate func(*Record) error) (*Record, error) {
	var rec Record
	err := q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProcesses)
		key := []byte(processID.String())
		raw := bucket.Get(key)
		if raw == nil {
			return tgerror.NotFoundf("process %s not found", processID)
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return tgerror.Internalf("corrupt process record %s: %v", processID, err)
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		encoded, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

