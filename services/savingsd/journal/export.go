package journal

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevDigest string `parquet:"name=prev_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet streams every entry to w as a snappy-compressed parquet file
// and returns the number of rows written.
func (j *Journal) ExportParquet(ctx context.Context, w io.Writer) (int, error) {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	var after uint64
	for {
		batch, err := j.List(ctx, after, 500)
		if err != nil {
			pw.WriteStop()
			return written, err
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			row := &parquetRow{
				Sequence:   int64(entry.Sequence),
				Type:       entry.Type,
				Attributes: entry.Attributes,
				PrevDigest: entry.PrevDigest,
				Digest:     entry.Digest,
				CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				return written, fmt.Errorf("journal: parquet write: %w", err)
			}
			written++
			after = entry.Sequence
		}
	}
	if err := pw.WriteStop(); err != nil {
		return written, fmt.Errorf("journal: parquet flush: %w", err)
	}
	return written, nil
}
