package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/ingest"
)

// handlePush accepts a single anchor over HTTP and runs it through the
// pipeline. The response body is always the pipeline result; the HTTP
// status distinguishes accepted work (202), rejected-by-policy outcomes
// like duplicates and filter misses (200), and pipeline faults (500).
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var in event.AnchoredEvent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteTooLarge(w, s.cfg.MaxBodyBytes)
			return
		}
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if in.ContentHash == "" && len(in.Payload) == 0 {
		WriteBadRequest(w, "content_hash or payload is required")
		return
	}
	if in.Source == "" {
		in.Source = "push"
	}

	res := s.pipeline.ProcessAnchor(r.Context(), &in)
	// Pushed anchors have no block boundary, so the per-block position
	// window closes after every request.
	s.pipeline.ClearBlockWindow()

	writeJSON(w, resultCode(res.Status), res)
}

// resultCode maps pipeline outcomes to HTTP status codes.
func resultCode(status ingest.Status) int {
	switch status {
	case ingest.StatusProcessed:
		return http.StatusAccepted
	case ingest.StatusError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
