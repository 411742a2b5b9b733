package querylog

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
)

// Ingestor applies decoded ingest entries to a Store in one batch.
type Ingestor struct {
	store storage.Store
}

// NewIngestor builds an Ingestor over store.
func NewIngestor(store storage.Store) *Ingestor {
	return &Ingestor{store: store}
}

// Ingest decodes body and appends every entry as a single batch.
func (i *Ingestor) Ingest(ctx context.Context, body io.Reader) (int, error) {
	decoded, err := DecodeIngestBody(body)
	if err != nil {
		return 0, err
	}

	entries := make([]storage.QueryLogEntry, 0, len(decoded))
	for _, e := range decoded {
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			ts = time.Now()
		}
		entries = append(entries, storage.QueryLogEntry{
			Timestamp:        ts,
			Domain:           e.Domain,
			Type:             e.Type,
			Client:           e.Client,
			ClientIP:         e.ClientIP,
			Status:           e.Status,
			DurationMs:       e.DurationMs,
			AnswerIPs:        e.AnswerIPs,
			BlocklistID:      e.BlocklistID,
			ProtectionPaused: e.ProtectionPaused,
		})
	}

	if err := i.store.AppendQueryLogBatch(ctx, entries); err != nil {
		return 0, fmt.Errorf("appending query log batch: %w", err)
	}
	return len(entries), nil
}
