package requesthandler

import (
	"net/http"
	"strings"
)

// isStreamingResponse reports whether resp should be forwarded as a byte
// stream rather than buffered, grounded on the reference
// AutoDetectStreamingMode's content-type based detection, narrowed to the
// formats the Anthropic-compatible wire protocol actually uses.
func isStreamingResponse(resp *http.Response) bool {
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "text/event-stream") {
		return true
	}
	if resp.Header.Get("Transfer-Encoding") == "chunked" && strings.Contains(contentType, "json") {
		return true
	}
	return false
}
