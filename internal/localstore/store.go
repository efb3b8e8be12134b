// Package localstore is the client's durable cache: per-document snapshots
// plus the FIFO queue of mutations issued while offline. Snapshots are
// invalidated across deployments by a build tag; queued mutations survive
// them.
package localstore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/oklog/ulid/v2"
)

const (
	snapPrefix = "snap/"
	mutPrefix  = "mut/"

	lockStripes = 16
)

// QueuedMutation is one not-yet-acknowledged write. Never mutated in place:
// a retry replaces the whole record.
type QueuedMutation struct {
	ID         string    `json:"id"`
	DocID      string    `json:"docId"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Body       []byte    `json:"body,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}

type snapshotEnvelope struct {
	Tag     string    `json:"tag"`
	Data    []byte    `json:"data"`
	SavedAt time.Time `json:"savedAt"`
}

// Store is a pebble-backed document cache. Operations are atomic per
// document id; different documents never contend.
type Store struct {
	db       *pebble.DB
	buildTag string
	locks    [lockStripes]sync.Mutex

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Open opens (or creates) the store at path and purges snapshots written by
// a different build.
func Open(path, buildTag string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	s := &Store{
		db:       db,
		buildTag: buildTag,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	if err := s.purgeStaleVersions(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lock(docID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return &s.locks[h.Sum32()%lockStripes]
}

func snapKey(docID string) []byte {
	return []byte(snapPrefix + docID)
}

func mutKey(docID, id string) []byte {
	return []byte(mutPrefix + docID + "/" + id)
}

// GetSnapshot returns the cached snapshot for a document, if any.
func (s *Store) GetSnapshot(docID string) ([]byte, bool, error) {
	mu := s.lock(docID)
	mu.Lock()
	defer mu.Unlock()

	value, closer, err := s.db.Get(snapKey(docID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot %s: %w", docID, err)
	}
	defer closer.Close()

	var env snapshotEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", docID, err)
	}
	data := make([]byte, len(env.Data))
	copy(data, env.Data)
	return data, true, nil
}

// PutSnapshot stores a snapshot tagged with the running build.
func (s *Store) PutSnapshot(docID string, data []byte) error {
	mu := s.lock(docID)
	mu.Lock()
	defer mu.Unlock()

	env := snapshotEnvelope{Tag: s.buildTag, Data: data, SavedAt: time.Now()}
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", docID, err)
	}
	if err := s.db.Set(snapKey(docID), encoded, pebble.Sync); err != nil {
		return fmt.Errorf("put snapshot %s: %w", docID, err)
	}
	return nil
}

// Enqueue appends a mutation to the document's queue and returns it with an
// assigned id. Ids are monotonic ULIDs, so the key order of the queue is the
// enqueue order.
func (s *Store) Enqueue(m QueuedMutation) (QueuedMutation, error) {
	if m.ID == "" {
		m.ID = s.newID()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}

	mu := s.lock(m.DocID)
	mu.Lock()
	defer mu.Unlock()

	encoded, err := json.Marshal(m)
	if err != nil {
		return QueuedMutation{}, fmt.Errorf("encode mutation: %w", err)
	}
	if err := s.db.Set(mutKey(m.DocID, m.ID), encoded, pebble.Sync); err != nil {
		return QueuedMutation{}, fmt.Errorf("enqueue mutation %s: %w", m.DocID, err)
	}
	return m, nil
}

// Pending returns the document's queued mutations in enqueue order.
func (s *Store) Pending(docID string) ([]QueuedMutation, error) {
	mu := s.lock(docID)
	mu.Lock()
	defer mu.Unlock()

	return s.pendingLocked(docID)
}

func (s *Store) pendingLocked(docID string) ([]QueuedMutation, error) {
	lower := []byte(mutPrefix + docID + "/")
	upper := []byte(mutPrefix + docID + "0") // '0' follows '/' in ASCII

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterate queue %s: %w", docID, err)
	}
	defer iter.Close()

	var out []QueuedMutation
	for iter.First(); iter.Valid(); iter.Next() {
		var m QueuedMutation
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode mutation %s: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate queue %s: %w", docID, err)
	}
	return out, nil
}

// HasPending reports whether the document has queued work.
func (s *Store) HasPending(docID string) (bool, error) {
	pending, err := s.Pending(docID)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

// DocsWithPending lists every document id with at least one queued mutation.
func (s *Store) DocsWithPending() ([]string, error) {
	lower := []byte(mutPrefix)
	upper := []byte(mutPrefix[:len(mutPrefix)-1] + "0")

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}
	defer iter.Close()

	seen := make(map[string]struct{})
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		var m QueuedMutation
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if _, ok := seen[m.DocID]; ok {
			continue
		}
		seen[m.DocID] = struct{}{}
		out = append(out, m.DocID)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}
	return out, nil
}

// Ack deletes a mutation after the server confirmed it.
func (s *Store) Ack(docID, id string) error {
	mu := s.lock(docID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.db.Delete(mutKey(docID, id), pebble.Sync); err != nil {
		return fmt.Errorf("ack mutation %s/%s: %w", docID, id, err)
	}
	return nil
}

// Replace overwrites a queued mutation with an updated record (same id),
// used to bump the attempt count on retry.
func (s *Store) Replace(m QueuedMutation) error {
	mu := s.lock(m.DocID)
	mu.Lock()
	defer mu.Unlock()

	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}
	if err := s.db.Set(mutKey(m.DocID, m.ID), encoded, pebble.Sync); err != nil {
		return fmt.Errorf("replace mutation %s/%s: %w", m.DocID, m.ID, err)
	}
	return nil
}

// purgeStaleVersions drops snapshots written by a different build. Queued
// mutations are left untouched: queued work must survive deployments, only
// read caches are invalidated.
func (s *Store) purgeStaleVersions() error {
	lower := []byte(snapPrefix)
	upper := []byte(snapPrefix[:len(snapPrefix)-1] + "0")

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("iterate snapshots: %w", err)
	}

	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var env snapshotEnvelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil || env.Tag != s.buildTag {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			stale = append(stale, key)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("iterate snapshots: %w", err)
	}

	for _, key := range stale {
		if err := s.db.Delete(key, pebble.Sync); err != nil {
			return fmt.Errorf("purge snapshot %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}
