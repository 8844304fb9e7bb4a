package dispatch

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/portlink/backend/daemon/protocol"
)

// ResumeQueue is the durable per-target holding area for retry-exhausted
// envelopes. Each target gets its own bucket; keys are the bucket sequence so
// FIFO order survives restarts.
type ResumeQueue struct {
	db *bolt.DB
}

// OpenResumeQueue opens (or creates) the queue database.
func OpenResumeQueue(path string) (*ResumeQueue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &ResumeQueue{db: db}, nil
}

// Park appends an envelope to the target's bucket.
func (q *ResumeQueue) Park(targetID string, env *Envelope) error {
	if targetID == "" {
		return fmt.Errorf("park: empty target id")
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(targetID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		val := append([]byte{byte(env.Priority)}, protocol.MarshalPayload(env.Msg)...)
		return b.Put(key, val)
	})
}

// Drain removes and returns every envelope parked for a target, in park
// order. Retry state is not preserved; callers reset it before redelivery.
func (q *ResumeQueue) Drain(targetID string) ([]*Envelope, error) {
	var out []*Envelope
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(targetID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 1 {
				continue
			}
			msg, err := protocol.UnmarshalPayload(v[1:])
			if err != nil {
				// A corrupt record is unrecoverable; skip it rather than
				// wedging the whole bucket.
				continue
			}
			out = append(out, &Envelope{Msg: msg, Priority: protocol.Priority(v[0])})
		}
		return tx.DeleteBucket([]byte(targetID))
	})
	return out, err
}

// Parked counts envelopes across all targets.
func (q *ResumeQueue) Parked() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(_ []byte, b *bolt.Bucket) error {
			n += b.Stats().KeyN
			return nil
		})
	})
	return n, err
}

// Close releases the database.
func (q *ResumeQueue) Close() error {
	return q.db.Close()
}
