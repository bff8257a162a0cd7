package journal

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stakesavings/core/events"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	return db
}

func seed(t *testing.T, j *Journal) {
	t.Helper()
	j.Emit(events.SavingsLent{Lender: "sav1lender", Amount: big.NewInt(100_000), LendNonce: 1, Epoch: 1})
	j.Emit(events.SavingsHarvest{Step: events.HarvestClaimIssued, CallID: "call-1", Epoch: 2, Positions: 1, Amount: big.NewInt(5)})
	j.Emit(events.SavingsRewardsCalculated{Epoch: 2, Owed: big.NewInt(0), SetAside: big.NewInt(0), Unclaimed: big.NewInt(0)})
}

func TestAppendChainsDigests(t *testing.T) {
	db := openTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	seed(t, j)

	entries, err := j.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, events.TypeSavingsLent, entries[0].Type)
	require.Equal(t, entries[0].Digest, entries[1].PrevDigest)
	require.Equal(t, entries[1].Digest, entries[2].PrevDigest)

	rec, err := entries[1].Record()
	require.NoError(t, err)
	require.Equal(t, "claim_issued", rec.Attributes["step"])

	checked, err := j.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), checked)

	seq, tip := j.Tip()
	require.Equal(t, uint64(3), seq)
	require.Equal(t, entries[2].Digest, tip)
}

func TestNewResumesFromStoredTip(t *testing.T) {
	db := openTestDB(t)
	first, err := New(db, nil)
	require.NoError(t, err)
	seed(t, first)

	resumed, err := New(db, nil)
	require.NoError(t, err)
	entry, err := resumed.Append(context.Background(), events.Record{Type: "savings.test", Attributes: map[string]string{"k": "v"}})
	require.NoError(t, err)
	require.Equal(t, uint64(4), entry.Sequence)

	checked, err := resumed.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(4), checked)
}

func TestVerifyDetectsTampering(t *testing.T) {
	db := openTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	seed(t, j)

	require.NoError(t, db.Model(&Entry{}).Where("sequence = ?", 2).Update("attributes", `{"step":"forged"}`).Error)
	checked, err := j.Verify(context.Background())
	require.True(t, errors.Is(err, ErrDigestMismatch), "unexpected error %v", err)
	require.Equal(t, uint64(1), checked)
}

func TestVerifyDetectsGaps(t *testing.T) {
	db := openTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	seed(t, j)

	require.NoError(t, db.Where("sequence = ?", 2).Delete(&Entry{}).Error)
	_, err = j.Verify(context.Background())
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestExportParquet(t *testing.T) {
	db := openTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	seed(t, j)

	var buf bytes.Buffer
	rows, err := j.ExportParquet(context.Background(), &buf)
	require.NoError(t, err)
	require.Equal(t, 3, rows)
	out := buf.Bytes()
	require.True(t, bytes.HasPrefix(out, []byte("PAR1")), "missing parquet header")
	require.True(t, bytes.HasSuffix(out, []byte("PAR1")), "missing parquet footer")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
	_, err = New(nil, nil)
	require.Error(t, err)
}
