package supportchat

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

// queueStoreKey is the single well-known key the whole queue structure
// lives under. Every mutation rewrites the full value.
const queueStoreKey = "support_chat_outbox"

// QueueState is the durable layout: room identifier mapped to its ordered
// queue, plus the dead-letter list when an attempt cap is configured.
type QueueState struct {
	Queues map[int64][]QueuedMessage `json:"queues"`
	Dead   []QueuedMessage           `json:"dead,omitempty"`
}

func emptyQueueState() QueueState {
	return QueueState{Queues: make(map[int64][]QueuedMessage)}
}

// QueueStore persists the offline queue across process restarts. Load is
// called once at startup; afterwards the store is a write-through cache
// that rewrites the entire structure on every mutation.
type QueueStore interface {
	Load() (QueueState, error)
	Save(QueueState) error
	Close() error
}

// ============================================================================
// Pebble-backed store
// ============================================================================

// PebbleQueueStore keeps the queue in a PebbleDB at a local directory. The
// directory lock makes a second process fail at open instead of racing on
// the shared key.
type PebbleQueueStore struct {
	db *pebble.DB
}

// OpenQueueStore opens (or creates) the durable store at dir.
func OpenQueueStore(dir string) (*PebbleQueueStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleQueueStore{db: db}, nil
}

// Load reads the persisted queue. A missing key yields an empty queue; so
// does a value that no longer deserializes — corrupt storage must never
// take the application down.
func (s *PebbleQueueStore) Load() (QueueState, error) {
	val, closer, err := s.db.Get([]byte(queueStoreKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return emptyQueueState(), nil
		}
		return emptyQueueState(), err
	}
	defer closer.Close()

	var state QueueState
	if err := json.Unmarshal(val, &state); err != nil {
		return emptyQueueState(), nil
	}
	if state.Queues == nil {
		state.Queues = make(map[int64][]QueuedMessage)
	}
	return state, nil
}

// Save overwrites the full structure, synced to disk before returning.
func (s *PebbleQueueStore) Save(state QueueState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(queueStoreKey), data, pebble.Sync)
}

func (s *PebbleQueueStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// In-memory store
// ============================================================================

// MemoryQueueStore is a goroutine-safe in-memory QueueStore. It serializes
// through the same JSON layout as the durable store, so reloading it
// faithfully simulates a process restart in tests and ephemeral sessions.
type MemoryQueueStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryQueueStore creates an empty in-memory store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

func (s *MemoryQueueStore) Load() (QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return emptyQueueState(), nil
	}
	var state QueueState
	if err := json.Unmarshal(s.data, &state); err != nil {
		return emptyQueueState(), nil
	}
	if state.Queues == nil {
		state.Queues = make(map[int64][]QueuedMessage)
	}
	return state, nil
}

func (s *MemoryQueueStore) Save(state QueueState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryQueueStore) Close() error {
	return nil
}

// Corrupt overwrites the raw stored bytes; used to exercise the
// corrupt-storage recovery path.
func (s *MemoryQueueStore) Corrupt(raw []byte) {
	s.mu.Lock()
	s.data = append([]byte{}, raw...)
	s.mu.Unlock()
}
