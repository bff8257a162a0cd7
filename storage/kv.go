package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// KV is the typed record surface consumed by the modules. Values are
// RLP-encoded so records stay deterministic across hosts.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var errEmptyKey = errors.New("kv: key must not be empty")

// Store wraps a Database with RLP record helpers and transactional write
// buffers.
type Store struct {
	db Database
	// commitMu serialises Tx commits so concurrent writers never interleave
	// half-applied batches on backends without native batch atomicity.
	commitMu sync.Mutex
}

// NewStore constructs a Store over the provided database.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

// Database exposes the underlying backend.
func (s *Store) Database() Database { return s.db }

// KVGet decodes the record stored under key into out. It reports false when
// the key is absent.
func (s *Store) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKey
	}
	data, err := s.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVPut encodes and stores value under key immediately.
func (s *Store) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("kv: encode: %w", err)
	}
	return s.db.Put(key, encoded)
}

// KVDelete removes key immediately.
func (s *Store) KVDelete(key []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	return s.db.Delete(key)
}

// Begin opens a write buffer. Reads observe buffered writes first; nothing
// reaches the database until Commit.
func (s *Store) Begin() *Tx {
	return &Tx{store: s, writes: make(map[string]pendingWrite)}
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Tx is a buffered, all-or-nothing set of record writes.
type Tx struct {
	store  *Store
	writes map[string]pendingWrite
	done   bool
}

// KVGet reads through the buffer.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKey
	}
	if pending, ok := tx.writes[string(key)]; ok {
		if pending.deleted {
			return false, nil
		}
		return decodeInto(pending.value, out)
	}
	return tx.store.KVGet(key, out)
}

// KVPut buffers an encoded record.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	if tx.done {
		return fmt.Errorf("kv: transaction already closed")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("kv: encode: %w", err)
	}
	tx.writes[string(key)] = pendingWrite{value: encoded}
	return nil
}

// KVDelete buffers a removal.
func (tx *Tx) KVDelete(key []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	if tx.done {
		return fmt.Errorf("kv: transaction already closed")
	}
	tx.writes[string(key)] = pendingWrite{deleted: true}
	return nil
}

// Commit flushes the buffered writes in one database batch. Keys are applied
// in sorted order so the resulting batch is deterministic.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("kv: transaction already closed")
	}
	tx.done = true
	if len(tx.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.writes))
	for key := range tx.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := new(Batch)
	for _, key := range keys {
		pending := tx.writes[key]
		if pending.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), pending.value)
	}
	tx.store.commitMu.Lock()
	defer tx.store.commitMu.Unlock()
	return tx.store.db.Write(batch)
}

// Discard drops the buffered writes.
func (tx *Tx) Discard() {
	tx.done = true
	tx.writes = nil
}

func decodeInto(data []byte, out interface{}) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode: %w", err)
	}
	return true, nil
}
