package events

import (
	"math/big"
	"testing"
)

func TestSavingsBorrowedRecord(t *testing.T) {
	evt := SavingsBorrowed{
		Borrower:        " sav1xyz ",
		PositionID:      3,
		CollateralNonce: 7,
		Collateral:      big.NewInt(250),
		Loan:            big.NewInt(18_750),
		BorrowNonce:     2,
	}
	record := evt.Record()
	if record.Type != TypeSavingsBorrowed {
		t.Fatalf("unexpected type %q", record.Type)
	}
	if record.Attributes["borrower"] != "sav1xyz" {
		t.Fatalf("expected trimmed borrower, got %q", record.Attributes["borrower"])
	}
	if record.Attributes["loan"] != "18750" || record.Attributes["positionId"] != "3" {
		t.Fatalf("unexpected attributes: %+v", record.Attributes)
	}
}

func TestHarvestRecordOmitsEmptyReason(t *testing.T) {
	record := SavingsHarvest{Step: HarvestClaimIssued, CallID: "c1", Positions: 2}.Record()
	if _, ok := record.Attributes["reason"]; ok {
		t.Fatalf("reason must be omitted when empty")
	}
	if record.Attributes["amount"] != "0" {
		t.Fatalf("nil amount must render as 0, got %q", record.Attributes["amount"])
	}
}

func TestFanoutAndBuffer(t *testing.T) {
	first := &Buffer{}
	second := &Buffer{}
	fan := Fanout{first, nil, second}
	fan.Emit(SavingsLent{Lender: "a", Amount: big.NewInt(1)})
	fan.Emit(SavingsHarvest{Step: HarvestConvertIssued})

	for _, buf := range []*Buffer{first, second} {
		types := buf.Types()
		if len(types) != 2 || types[0] != TypeSavingsLent || types[1] != TypeSavingsHarvest {
			t.Fatalf("unexpected event types: %v", types)
		}
	}
}
