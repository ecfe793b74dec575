package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// multipartThreshold is the object size above which archive files are
// uploaded through the multipart manager.
const multipartThreshold = 8 * 1024 * 1024

const jsonlContentType = "application/x-ndjson"

// Archiver implements domain.Archiver by appending JSON lines to a monthly
// object per record kind:
//
//	archive/ledger/2026-03.jsonl
//	archive/orders/2026-03.jsonl
//
// Appends are read-modify-write and serialized within the process. Only one
// process should archive into a bucket prefix.
type Archiver struct {
	reader domain.BlobReader
	writer domain.BlobWriter
	now    func() time.Time

	mu sync.Mutex
}

// NewArchiver creates an Archiver. now may be nil to use time.Now.
func NewArchiver(reader domain.BlobReader, writer domain.BlobWriter, now func() time.Time) *Archiver {
	if now == nil {
		now = time.Now
	}
	return &Archiver{reader: reader, writer: writer, now: now}
}

// ArchiveRecord appends a settled performance record, partitioned by the
// month of its window close.
func (a *Archiver) ArchiveRecord(ctx context.Context, rec domain.PerformanceRecord) error {
	if err := a.appendLine(ctx, archivePath("ledger", rec.WindowClose), rec); err != nil {
		return fmt.Errorf("s3blob: archive record %s: %w", rec.OpportunityID, err)
	}
	return nil
}

// ArchiveOrder appends a terminal order, partitioned by the month it was
// last updated.
func (a *Archiver) ArchiveOrder(ctx context.Context, o domain.Order) error {
	at := o.UpdatedAt
	if at.IsZero() {
		at = a.now()
	}
	if err := a.appendLine(ctx, archivePath("orders", at), o); err != nil {
		return fmt.Errorf("s3blob: archive order %s: %w", o.ID, err)
	}
	return nil
}

func (a *Archiver) appendLine(ctx context.Context, path string, v any) error {
	line, err := marshalJSONL(v)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.load(ctx, path)
	if err != nil {
		return err
	}
	body := append(existing, line...)
	if len(body) > multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(body), 0)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(body), jsonlContentType)
}

// load returns the current object body, or nil when the object does not
// exist yet.
func (a *Archiver) load(ctx context.Context, path string) ([]byte, error) {
	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		data = append(data, '\n')
	}
	return data, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// UTC year-month of at.
func archivePath(kind string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, at.UTC().Format("2006-01"))
}

// marshalJSONL encodes v as one compact JSON line followed by '\n'.
func marshalJSONL(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("jsonl encode: %w", err)
	}
	return buf.Bytes(), nil
}
