package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"fieldsync/internal/xid"
)

var (
	// ErrCapture wraps every failure to persist or read queued work. Callers
	// must surface it; a lost capture is a lost user action.
	ErrCapture  = errors.New("queue: capture failed")
	ErrNotFound = errors.New("queue: operation not found")
	ErrInvalid  = errors.New("queue: invalid operation")
)

type Method string

const (
	MethodCreate Method = "CREATE"
	MethodUpdate Method = "UPDATE"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// Operation is a captured write intent waiting for replay.
type Operation struct {
	ID             uint64    `json:"id"`
	Method         Method    `json:"method"`
	Target         string    `json:"target"`
	Payload        []byte    `json:"payload,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Retries        int       `json:"retries"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type AbandonedOperation struct {
	Operation
	Reason      string    `json:"reason"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

// Snapshot is the last successful read of a target, served while offline.
type Snapshot struct {
	Target    string          `json:"target"`
	Body      json.RawMessage `json:"body"`
	FetchedAt time.Time       `json:"fetched_at"`
}

var (
	opPrefix    = []byte("op/")
	deadPrefix  = []byte("dead/")
	cachePrefix = []byte("cache/")
	seqKey      = []byte("meta/seq")
)

// Store persists operations in pebble. Keys under op/ carry the big-endian
// id, so key order is enqueue order.
type Store struct {
	db  *pebble.DB
	log *zap.Logger

	mu      sync.Mutex
	seq     uint64
	pending int
}

func Open(dir string, log *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: data dir is required", ErrCapture)
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCapture, dir, err)
	}

	s := &Store{db: db, log: log}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("queue opened", zap.String("dir", dir), zap.Int("pending", s.pending), zap.Uint64("seq", s.seq))
	return s, nil
}

func (s *Store) load() error {
	raw, err := s.get(seqKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return fmt.Errorf("%w: read sequence: %v", ErrCapture, err)
	default:
		s.seq = binary.BigEndian.Uint64(raw)
	}

	count := 0
	err = s.scan(opPrefix, func(_ []byte, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: count pending: %v", ErrCapture, err)
	}
	s.pending = count
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue assigns the next id and a fresh idempotency key and commits the
// operation durably before returning.
func (s *Store) Enqueue(ctx context.Context, method Method, target string, payload []byte) (Operation, error) {
	return s.EnqueueKeyed(ctx, method, target, payload, "")
}

// EnqueueKeyed is Enqueue with a caller-chosen idempotency key, used when a
// direct attempt with that key may already have reached the server.
func (s *Store) EnqueueKeyed(_ context.Context, method Method, target string, payload []byte, idempotencyKey string) (Operation, error) {
	if !method.Valid() || target == "" {
		return Operation{}, ErrInvalid
	}
	if idempotencyKey == "" {
		idempotencyKey = xid.New("op")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := Operation{
		ID:             s.seq + 1,
		Method:         method,
		Target:         target,
		Payload:        append([]byte(nil), payload...),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	value, err := json.Marshal(op)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: encode: %v", ErrCapture, err)
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, op.ID)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(opKey(op.ID), value, nil); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if err := b.Set(seqKey, seq, nil); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Operation{}, fmt.Errorf("%w: commit: %v", ErrCapture, err)
	}

	s.seq = op.ID
	s.pending++
	return op, nil
}

// ListPending returns queued operations oldest first.
func (s *Store) ListPending(_ context.Context) ([]Operation, error) {
	ops := make([]Operation, 0, 16)
	err := s.scan(opPrefix, func(_ []byte, value []byte) error {
		var op Operation
		if err := json.Unmarshal(value, &op); err != nil {
			return err
		}
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", ErrCapture, err)
	}
	return ops, nil
}

func (s *Store) Remove(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.read(id); err != nil {
		return err
	}
	if err := s.db.Delete(opKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("%w: remove %d: %v", ErrCapture, id, err)
	}
	s.pending--
	return nil
}

func (s *Store) IncrementRetry(_ context.Context, id uint64, lastErr string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.read(id)
	if err != nil {
		return Operation{}, err
	}
	op.Retries++
	op.LastError = lastErr

	value, err := json.Marshal(op)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: encode: %v", ErrCapture, err)
	}
	if err := s.db.Set(opKey(id), value, pebble.Sync); err != nil {
		return Operation{}, fmt.Errorf("%w: update %d: %v", ErrCapture, id, err)
	}
	return op, nil
}

// Abandon moves op out of the pending queue into the dead-letter list in
// one atomic batch.
func (s *Store) Abandon(_ context.Context, op Operation, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.read(op.ID); err != nil {
		return err
	}
	value, err := json.Marshal(AbandonedOperation{Operation: op, Reason: reason, AbandonedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrCapture, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(opKey(op.ID), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if err := b.Set(deadKey(op.ID), value, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: abandon %d: %v", ErrCapture, op.ID, err)
	}
	s.pending--
	s.log.Warn("operation abandoned",
		zap.Uint64("id", op.ID),
		zap.String("target", op.Target),
		zap.Int("retries", op.Retries),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Store) ListAbandoned(_ context.Context) ([]AbandonedOperation, error) {
	ops := make([]AbandonedOperation, 0, 4)
	err := s.scan(deadPrefix, func(_ []byte, value []byte) error {
		var op AbandonedOperation
		if err := json.Unmarshal(value, &op); err != nil {
			return err
		}
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list abandoned: %v", ErrCapture, err)
	}
	return ops, nil
}

func (s *Store) ClearAbandoned(_ context.Context) error {
	if err := s.db.DeleteRange(deadPrefix, prefixEnd(deadPrefix), pebble.Sync); err != nil {
		return fmt.Errorf("%w: clear abandoned: %v", ErrCapture, err)
	}
	return nil
}

func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Store) PutSnapshot(_ context.Context, target string, body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("%w: snapshot for %s is not JSON", ErrInvalid, target)
	}
	value, err := json.Marshal(Snapshot{Target: target, Body: body, FetchedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", ErrCapture, err)
	}
	if err := s.db.Set(cacheKey(target), value, pebble.Sync); err != nil {
		return fmt.Errorf("%w: store snapshot: %v", ErrCapture, err)
	}
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, target string) (Snapshot, bool, error) {
	raw, err := s.get(cacheKey(target))
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: read snapshot: %v", ErrCapture, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: decode snapshot: %v", ErrCapture, err)
	}
	return snap, true, nil
}

// read loads a pending operation. Caller holds s.mu.
func (s *Store) read(id uint64) (Operation, error) {
	raw, err := s.get(opKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, fmt.Errorf("%w: read %d: %v", ErrCapture, id, err)
	}
	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: decode %d: %v", ErrCapture, id, err)
	}
	return op, nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *Store) scan(prefix []byte, fn func(key []byte, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func opKey(id uint64) []byte {
	key := make([]byte, len(opPrefix)+8)
	copy(key, opPrefix)
	binary.BigEndian.PutUint64(key[len(opPrefix):], id)
	return key
}

func deadKey(id uint64) []byte {
	key := make([]byte, len(deadPrefix)+8)
	copy(key, deadPrefix)
	binary.BigEndian.PutUint64(key[len(deadPrefix):], id)
	return key
}

func cacheKey(target string) []byte {
	return append(append([]byte(nil), cachePrefix...), target...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func (o Operation) String() string {
	return string(o.Method) + " " + o.Target + " #" + strconv.FormatUint(o.ID, 10)
}
