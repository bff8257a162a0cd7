package savings

import (
	"fmt"

	"stakesavings/storage"
)

type storedPosition struct {
	InstanceNonce uint64
	Prev          uint64
	Next          uint64
}

// PositionLedger is a doubly-linked list of staking positions persisted in a
// KV store. Node 0 is the head: it is never allocated, reading it before any
// write yields an empty node whose Next is the first position.
type PositionLedger struct {
	kv storage.KV
}

// NewPositionLedger binds the ledger to a KV surface. Pass a storage.Tx to
// group list edits with other writes.
func NewPositionLedger(kv storage.KV) *PositionLedger {
	return &PositionLedger{kv: kv}
}

// Append registers instance at the tail. An instance that already has a
// position returns the existing id without touching the list.
func (l *PositionLedger) Append(instance uint64) (uint64, error) {
	if instance == 0 {
		return 0, ErrInvalidInstance
	}
	if id, ok, err := l.IDForInstance(instance); err != nil || ok {
		return id, err
	}
	last, err := l.LastValidID()
	if err != nil {
		return 0, err
	}
	tail, _, err := l.load(last)
	if err != nil {
		return 0, err
	}
	id := last + 1
	tail.Next = id
	if err := l.kv.KVPut(positionKey(last), tail); err != nil {
		return 0, err
	}
	if err := l.kv.KVPut(positionKey(id), storedPosition{InstanceNonce: instance, Prev: last}); err != nil {
		return 0, err
	}
	if err := l.kv.KVPut(positionIndexKey(instance), id); err != nil {
		return 0, err
	}
	if err := l.kv.KVPut(lastPositionKey, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Remove unlinks a position. Removing id 0 is a no-op.
func (l *PositionLedger) Remove(id uint64) error {
	if id == 0 {
		return nil
	}
	node, ok, err := l.load(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	prev, ok, err := l.load(node.Prev)
	if err != nil {
		return err
	}
	if !ok && node.Prev != 0 {
		return fmt.Errorf("%w: position %d links back to missing %d", ErrLedgerCorrupted, id, node.Prev)
	}
	prev.Next = node.Next
	if err := l.kv.KVPut(positionKey(node.Prev), prev); err != nil {
		return err
	}
	if node.Next != 0 {
		next, ok, err := l.load(node.Next)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: position %d links to missing %d", ErrLedgerCorrupted, id, node.Next)
		}
		next.Prev = node.Prev
		if err := l.kv.KVPut(positionKey(node.Next), next); err != nil {
			return err
		}
	}
	last, err := l.LastValidID()
	if err != nil {
		return err
	}
	if id == last {
		if err := l.kv.KVPut(lastPositionKey, node.Prev); err != nil {
			return err
		}
	}
	if err := l.clearIndex(node.InstanceNonce, id); err != nil {
		return err
	}
	return l.kv.KVDelete(positionKey(id))
}

// Update points an existing position at a new instance. Id and links are
// unchanged.
func (l *PositionLedger) Update(id, instance uint64) error {
	if instance == 0 {
		return ErrInvalidInstance
	}
	if id == 0 {
		return fmt.Errorf("%w: id 0", ErrPositionNotFound)
	}
	node, ok, err := l.load(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	if node.InstanceNonce == instance {
		return nil
	}
	owner, indexed, err := l.IDForInstance(instance)
	if err != nil {
		return err
	}
	if indexed && owner != id {
		return fmt.Errorf("%w: instance %d already held by position %d", ErrInvalidInstance, instance, owner)
	}
	if err := l.clearIndex(node.InstanceNonce, id); err != nil {
		return err
	}
	node.InstanceNonce = instance
	if err := l.kv.KVPut(positionKey(id), node); err != nil {
		return err
	}
	return l.kv.KVPut(positionIndexKey(instance), id)
}

// Get returns a live position.
func (l *PositionLedger) Get(id uint64) (Position, bool, error) {
	if id == 0 {
		return Position{}, false, nil
	}
	node, ok, err := l.load(id)
	if err != nil || !ok {
		return Position{}, false, err
	}
	return Position{ID: id, InstanceNonce: node.InstanceNonce, Prev: node.Prev, Next: node.Next}, true, nil
}

// IDForInstance resolves an instance nonce to its position.
func (l *PositionLedger) IDForInstance(instance uint64) (uint64, bool, error) {
	if instance == 0 {
		return 0, false, nil
	}
	var id uint64
	ok, err := l.kv.KVGet(positionIndexKey(instance), &id)
	if err != nil || !ok || id == 0 {
		return 0, false, err
	}
	return id, true, nil
}

// LastValidID returns the id of the tail, or 0 when the list is empty.
func (l *PositionLedger) LastValidID() (uint64, error) {
	var id uint64
	if _, err := l.kv.KVGet(lastPositionKey, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// Traverse returns every position from the head in insertion order.
func (l *PositionLedger) Traverse() ([]Position, error) {
	head, _, err := l.load(0)
	if err != nil {
		return nil, err
	}
	last, err := l.LastValidID()
	if err != nil {
		return nil, err
	}
	var out []Position
	prev := uint64(0)
	for id := head.Next; id != 0; {
		if uint64(len(out)) >= last || id > last {
			return nil, fmt.Errorf("%w: walk exceeded tail %d at position %d", ErrLedgerCorrupted, last, id)
		}
		node, ok, err := l.load(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: dangling link to position %d", ErrLedgerCorrupted, id)
		}
		if node.Prev != prev {
			return nil, fmt.Errorf("%w: position %d points back to %d, expected %d", ErrLedgerCorrupted, id, node.Prev, prev)
		}
		out = append(out, Position{ID: id, InstanceNonce: node.InstanceNonce, Prev: node.Prev, Next: node.Next})
		prev = id
		id = node.Next
	}
	return out, nil
}

// Len counts the live positions.
func (l *PositionLedger) Len() (int, error) {
	positions, err := l.Traverse()
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

func (l *PositionLedger) load(id uint64) (storedPosition, bool, error) {
	var node storedPosition
	ok, err := l.kv.KVGet(positionKey(id), &node)
	if err != nil {
		return storedPosition{}, false, err
	}
	return node, ok, nil
}

func (l *PositionLedger) clearIndex(instance, id uint64) error {
	owner, ok, err := l.IDForInstance(instance)
	if err != nil || !ok || owner != id {
		return err
	}
	return l.kv.KVDelete(positionIndexKey(instance))
}
