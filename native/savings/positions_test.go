package savings

import (
	"errors"
	"testing"

	"stakesavings/storage"
)

func newPositionLedger(t *testing.T) *PositionLedger {
	t.Helper()
	return NewPositionLedger(storage.NewStore(storage.NewMemDB()))
}

func appendAll(t *testing.T, ledger *PositionLedger, instances ...uint64) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, len(instances))
	for _, instance := range instances {
		id, err := ledger.Append(instance)
		if err != nil {
			t.Fatalf("append %d: %v", instance, err)
		}
		ids = append(ids, id)
	}
	return ids
}

// assertChain checks forward and backward links against the expected ids.
func assertChain(t *testing.T, ledger *PositionLedger, want ...uint64) {
	t.Helper()
	positions, err := ledger.Traverse()
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(positions) != len(want) {
		t.Fatalf("expected %d positions, got %d (%+v)", len(want), len(positions), positions)
	}
	for i, pos := range positions {
		if pos.ID != want[i] {
			t.Fatalf("position %d: expected id %d, got %d", i, want[i], pos.ID)
		}
		var prev, next uint64
		if i > 0 {
			prev = want[i-1]
		}
		if i+1 < len(want) {
			next = want[i+1]
		}
		if pos.Prev != prev || pos.Next != next {
			t.Fatalf("position %d: expected links %d<->%d, got %d<->%d", pos.ID, prev, next, pos.Prev, pos.Next)
		}
		owner, ok, err := ledger.IDForInstance(pos.InstanceNonce)
		if err != nil || !ok || owner != pos.ID {
			t.Fatalf("instance %d should map to %d, got %d (%v, %v)", pos.InstanceNonce, pos.ID, owner, ok, err)
		}
	}
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	ledger := newPositionLedger(t)
	ids := appendAll(t, ledger, 11, 12, 13)
	if ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("expected ids 1,2,3, got %v", ids)
	}
	assertChain(t, ledger, 1, 2, 3)
	last, _ := ledger.LastValidID()
	if last != 3 {
		t.Fatalf("expected last valid id 3, got %d", last)
	}
}

func TestAppendIsIdempotentPerInstance(t *testing.T) {
	ledger := newPositionLedger(t)
	first := appendAll(t, ledger, 42)[0]
	again, err := ledger.Append(42)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if again != first {
		t.Fatalf("expected existing id %d, got %d", first, again)
	}
	if n, _ := ledger.Len(); n != 1 {
		t.Fatalf("expected one position, got %d", n)
	}
	if _, err := ledger.Append(0); !errors.Is(err, ErrInvalidInstance) {
		t.Fatalf("expected ErrInvalidInstance, got %v", err)
	}
}

func TestRemoveMiddleKeepsTail(t *testing.T) {
	ledger := newPositionLedger(t)
	appendAll(t, ledger, 11, 12, 13)

	if err := ledger.Remove(2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	assertChain(t, ledger, 1, 3)
	if last, _ := ledger.LastValidID(); last != 3 {
		t.Fatalf("expected last valid id 3, got %d", last)
	}
	if _, ok, _ := ledger.IDForInstance(12); ok {
		t.Fatalf("index entry of removed instance must be cleared")
	}
	if _, ok, _ := ledger.Get(2); ok {
		t.Fatalf("removed position still readable")
	}
}

func TestRemoveTailRewindsLastValidID(t *testing.T) {
	ledger := newPositionLedger(t)
	appendAll(t, ledger, 11, 12, 13)

	if err := ledger.Remove(3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if last, _ := ledger.LastValidID(); last != 2 {
		t.Fatalf("expected last valid id 2, got %d", last)
	}
	assertChain(t, ledger, 1, 2)

	id, err := ledger.Append(14)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id != 3 {
		t.Fatalf("expected the next id to be 3, got %d", id)
	}
	assertChain(t, ledger, 1, 2, 3)
}

func TestRemoveEverythingEmptiesTheList(t *testing.T) {
	ledger := newPositionLedger(t)
	appendAll(t, ledger, 11, 12)
	for _, id := range []uint64{1, 2} {
		if err := ledger.Remove(id); err != nil {
			t.Fatalf("remove %d: %v", id, err)
		}
	}
	positions, err := ledger.Traverse()
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected empty list, got %+v", positions)
	}
	if last, _ := ledger.LastValidID(); last != 0 {
		t.Fatalf("expected last valid id 0, got %d", last)
	}
}

func TestRemoveEdgeCases(t *testing.T) {
	ledger := newPositionLedger(t)
	appendAll(t, ledger, 11)
	if err := ledger.Remove(0); err != nil {
		t.Fatalf("removing the head must be a no-op, got %v", err)
	}
	assertChain(t, ledger, 1)
	if err := ledger.Remove(9); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestUpdateSwapsInstanceInPlace(t *testing.T) {
	ledger := newPositionLedger(t)
	appendAll(t, ledger, 11, 12, 13)

	if err := ledger.Update(2, 99); err != nil {
		t.Fatalf("update: %v", err)
	}
	assertChain(t, ledger, 1, 2, 3)
	pos, ok, err := ledger.Get(2)
	if err != nil || !ok || pos.InstanceNonce != 99 {
		t.Fatalf("expected instance 99, got %+v (%v, %v)", pos, ok, err)
	}
	if _, ok, _ := ledger.IDForInstance(12); ok {
		t.Fatalf("old instance must no longer be indexed")
	}
	if err := ledger.Update(1, 13); !errors.Is(err, ErrInvalidInstance) {
		t.Fatalf("expected ErrInvalidInstance for a duplicate instance, got %v", err)
	}
	if err := ledger.Update(0, 50); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound for the head, got %v", err)
	}
	if err := ledger.Update(7, 50); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestTraverseDetectsCorruption(t *testing.T) {
	store := storage.NewStore(storage.NewMemDB())
	ledger := NewPositionLedger(store)
	appendAll(t, ledger, 11, 12)

	// Point the tail back at the first node to form a cycle.
	if err := store.KVPut(positionKey(2), storedPosition{InstanceNonce: 12, Prev: 1, Next: 1}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := ledger.Traverse(); !errors.Is(err, ErrLedgerCorrupted) {
		t.Fatalf("expected ErrLedgerCorrupted for a cycle, got %v", err)
	}

	if err := store.KVDelete(positionKey(2)); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := ledger.Traverse(); !errors.Is(err, ErrLedgerCorrupted) {
		t.Fatalf("expected ErrLedgerCorrupted for a dangling link, got %v", err)
	}
}

func TestPositionLedgerInsideDiscardedTx(t *testing.T) {
	store := storage.NewStore(storage.NewMemDB())
	appendAll(t, NewPositionLedger(store), 11)

	tx := store.Begin()
	appendAll(t, NewPositionLedger(tx), 12, 13)
	tx.Discard()

	assertChain(t, NewPositionLedger(store), 1)
}

func TestRemoveRejectsDanglingBackLink(t *testing.T) {
	store := storage.NewStore(storage.NewMemDB())
	ledger := NewPositionLedger(store)
	appendAll(t, ledger, 11, 12, 13)

	if err := store.KVDelete(positionKey(1)); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := ledger.Remove(2); !errors.Is(err, ErrLedgerCorrupted) {
		t.Fatalf("expected ErrLedgerCorrupted, got %v", err)
	}
	if ok, err := store.KVGet(positionKey(1), &storedPosition{}); err != nil || ok {
		t.Fatalf("remove recreated the missing position: ok=%v err=%v", ok, err)
	}
}
