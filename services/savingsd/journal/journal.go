// Package journal persists every engine event in a SQL table chained by
// blake3 digests, so a tampered or truncated history is detectable.
package journal

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"stakesavings/core/events"
)

// ErrDigestMismatch reports a break in the digest chain.
var ErrDigestMismatch = errors.New("journal: digest chain broken")

// Entry is one persisted event.
type Entry struct {
	Sequence   uint64    `gorm:"primaryKey;autoIncrement:false" json:"sequence"`
	Type       string    `gorm:"index;not null" json:"type"`
	Attributes string    `gorm:"type:text;not null" json:"attributes"`
	PrevDigest string    `gorm:"size:64;not null" json:"prevDigest"`
	Digest     string    `gorm:"size:64;uniqueIndex;not null" json:"digest"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName pins the table name across drivers.
func (Entry) TableName() string { return "savings_journal" }

// Record decodes the entry back into its event record.
func (e Entry) Record() (events.Record, error) {
	rec := events.Record{Type: e.Type}
	if err := json.Unmarshal([]byte(e.Attributes), &rec.Attributes); err != nil {
		return events.Record{}, fmt.Errorf("journal: decode attributes of %d: %w", e.Sequence, err)
	}
	return rec, nil
}

// Open connects to the journal database. Driver is sqlite or postgres.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
}

// AutoMigrate performs the schema migration for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Journal appends events and implements events.Emitter.
type Journal struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
	seq    uint64
	tip    [32]byte
}

// New migrates the schema and resumes the chain from the last stored entry.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: log.With("component", "journal"), now: time.Now}
	var last Entry
	err := db.Order("sequence desc").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: load tip: %w", err)
	default:
		tip, err := decodeDigest(last.Digest)
		if err != nil {
			return nil, err
		}
		j.seq = last.Sequence
		j.tip = tip
	}
	return j, nil
}

// Emit implements events.Emitter. Persistence failures are logged because the
// engine has already committed the state change.
func (j *Journal) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt.Record()); err != nil {
		j.logger.Error("append event", "type", evt.EventType(), "error", err)
	}
}

// Append stores one record and advances the chain.
func (j *Journal) Append(ctx context.Context, rec events.Record) (Entry, error) {
	attrs, err := canonicalAttributes(rec.Attributes)
	if err != nil {
		return Entry{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	digest := chainDigest(j.tip, rec.Type, attrs)
	entry := Entry{
		Sequence:   j.seq + 1,
		Type:       rec.Type,
		Attributes: string(attrs),
		PrevDigest: hex.EncodeToString(j.tip[:]),
		Digest:     hex.EncodeToString(digest[:]),
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("journal: insert: %w", err)
	}
	j.seq = entry.Sequence
	j.tip = digest
	return entry, nil
}

// List returns up to limit entries after the given sequence, oldest first.
func (j *Journal) List(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("sequence > ?", after).
		Order("sequence asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return entries, nil
}

// Tip returns the latest sequence and digest.
func (j *Journal) Tip() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, hex.EncodeToString(j.tip[:])
}

// Verify recomputes the whole chain and returns the number of entries checked.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	var (
		prev    [32]byte
		checked uint64
		after   uint64
	)
	for {
		batch, err := j.List(ctx, after, 500)
		if err != nil {
			return checked, err
		}
		if len(batch) == 0 {
			return checked, nil
		}
		for _, entry := range batch {
			if entry.Sequence != checked+1 {
				return checked, fmt.Errorf("%w: expected sequence %d, found %d", ErrDigestMismatch, checked+1, entry.Sequence)
			}
			if entry.PrevDigest != hex.EncodeToString(prev[:]) {
				return checked, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrDigestMismatch, entry.Sequence)
			}
			want := chainDigest(prev, entry.Type, []byte(entry.Attributes))
			if entry.Digest != hex.EncodeToString(want[:]) {
				return checked, fmt.Errorf("%w: entry %d digest differs", ErrDigestMismatch, entry.Sequence)
			}
			prev = want
			checked++
			after = entry.Sequence
		}
	}
}

// chainDigest is blake3(prev || type || 0x00 || attributes).
func chainDigest(prev [32]byte, eventType string, attrs []byte) [32]byte {
	var buf bytes.Buffer
	buf.Grow(len(prev) + len(eventType) + 1 + len(attrs))
	buf.Write(prev[:])
	buf.WriteString(eventType)
	buf.WriteByte(0)
	buf.Write(attrs)
	return blake3.Sum256(buf.Bytes())
}

// canonicalAttributes encodes attributes as JSON with sorted keys.
func canonicalAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}
	return encoded, nil
}

func decodeDigest(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("journal: malformed stored digest %q", raw)
	}
	copy(out[:], decoded)
	return out, nil
}
