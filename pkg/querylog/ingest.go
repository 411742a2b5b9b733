// Package querylog is the HTTP-facing side of query-log persistence: batch
// ingest, retention maintenance, and geo aggregation for the distribution
// view, all layered over pkg/storage.
package querylog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxIngestBodyBytes caps a single ingest request body.
const MaxIngestBodyBytes = 5 * 1024 * 1024

// ErrBodyTooLarge is returned when an ingest body exceeds MaxIngestBodyBytes.
var ErrBodyTooLarge = errors.New("request body too large")

// ingestEntry mirrors storage.QueryLogEntry's wire shape for the ingest
// endpoint, which accepts a JSON array of entries from an edge resolver
// batching its own logs before forwarding them to the core.
type ingestEntry struct {
	Timestamp        string   `json:"timestamp"`
	Domain           string   `json:"domain"`
	Type             string   `json:"type"`
	Client           string   `json:"client"`
	ClientIP         string   `json:"clientIp"`
	Status           string   `json:"status"`
	DurationMs       float64  `json:"durationMs"`
	AnswerIPs        []string `json:"answerIps"`
	BlocklistID      string   `json:"blocklistId"`
	ProtectionPaused bool     `json:"protectionPaused"`
}

// DecodeIngestBody parses a size-capped JSON array of ingest entries.
func DecodeIngestBody(body io.Reader) ([]ingestEntry, error) {
	limited := io.LimitReader(body, MaxIngestBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading ingest body: %w", err)
	}
	if len(raw) > MaxIngestBodyBytes {
		return nil, ErrBodyTooLarge
	}

	var entries []ingestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding ingest body: %w", err)
	}
	return entries, nil
}
