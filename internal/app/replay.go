package app

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/thushan/olla/internal/core/domain"
)

// discardResponseWriter satisfies http.ResponseWriter for a replayed
// request: only the final status code is observed, the body is discarded.
type discardResponseWriter struct {
	header http.Header
	status int
}

func newDiscardResponseWriter() *discardResponseWriter {
	return &discardResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *discardResponseWriter) Header() http.Header         { return w.header }
func (w *discardResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *discardResponseWriter) WriteHeader(status int)      { w.status = status }

// replayExecutor adapts the Request Handler's Handle method to
// ports.ReplayExecutor by reconstructing a synthetic request from a
// durable ReplayEntry; only the outcome (2xx vs error) matters to the
// replay queue, so the response body is discarded.
type replayExecutor struct {
	app *Application
}

func (re *replayExecutor) Replay(entry *domain.ReplayEntry) error {
	path := entry.Path
	if path == "" {
		path = "/"
	}

	req, err := http.NewRequest(entry.Method, path, bytes.NewReader(entry.Body))
	if err != nil {
		return fmt.Errorf("building replay request for trace %s: %w", entry.TraceID, err)
	}
	for k, v := range entry.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("x-trace-id", entry.TraceID)

	w := newDiscardResponseWriter()
	if err := re.app.handler.Handle(req.Context(), w, req); err != nil {
		return fmt.Errorf("replaying trace %s: %w", entry.TraceID, err)
	}
	if w.status >= 400 {
		return fmt.Errorf("replaying trace %s: upstream returned %d", entry.TraceID, w.status)
	}
	return nil
}
