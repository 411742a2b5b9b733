package api

import (
	"errors"
	"net/http"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/apierr"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/querylog"
)

// handleQueryLogIngest accepts a batch of query-log entries from a remote
// DNS listener (or a node not colocated with the store) and persists them.
func (s *Server) handleQueryLogIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		writeError(w, apierr.CodeNotConfigured, "query log ingest not configured")
		return
	}

	n, err := s.ingestor.Ingest(r.Context(), r.Body)
	if err != nil {
		if errors.Is(err, querylog.ErrBodyTooLarge) {
			writeError(w, apierr.CodeTooLarge, err.Error())
			return
		}
		writeError(w, apierr.CodeInvalidRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ingested": n})
}
