package ports

import (
	"context"
	"net/http"
)

// RequestHandler is the attempt loop (C10): select key/model, dispatch,
// classify, retry or stream back to the client. It composes the key
// manager, pool manager, adaptive concurrency controller, router, trace
// store and replay queue.
type RequestHandler interface {
	Handle(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}
