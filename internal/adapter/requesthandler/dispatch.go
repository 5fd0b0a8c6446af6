package requesthandler

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// hopByHopHeaders are stripped before forwarding in either direction, per
// RFC 7230 6.1 - grounded on the reference proxy's copyHeaders.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// dispatch sends one upstream attempt for physicalModel, bounded by the
// adaptive or fixed per-attempt timeout. The returned response's body must
// be closed by the caller once no longer needed.
func (h *Handler) dispatch(ctx context.Context, r *http.Request, body []byte, physicalModel string) (*http.Response, error) {
	timeout := h.computeTimeout(physicalModel)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(attemptCtx, r.Method, h.cfg.BaseURL+r.URL.Path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	if r.URL.RawQuery != "" {
		req.URL.RawQuery = r.URL.RawQuery
	}

	copyHeaders(req, r)
	req.ContentLength = int64(len(body))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	// cancel() must outlive the response body's lifetime, so it runs when
	// the body is closed rather than immediately here.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func copyHeaders(dst *http.Request, src *http.Request) {
	for k, vals := range src.Header {
		if _, hop := hopByHopHeaders[k]; hop {
			continue
		}
		for _, v := range vals {
			dst.Header.Add(k, v)
		}
	}
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// forward writes resp to w, streaming chunk-by-chunk for SSE/streaming
// responses and copying directly otherwise. Grounded on the reference
// streamResponse's flush-after-each-chunk pattern, simplified since
// per-attempt timeout handling already lives in dispatch's context.
func (h *Handler) forward(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		if _, hop := hopByHopHeaders[k]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if !isStreamingResponse(resp) {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	flusher, canFlush := w.(http.Flusher)
	bufPtr := h.streamBufs.Get()
	defer h.streamBufs.Put(bufPtr)
	buf := *bufPtr

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}
