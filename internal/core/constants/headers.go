package constants

// HTTP header names used outside the content-type/routing concerns already
// covered by content.go.
const (
	HeaderXRequestID = "X-Request-ID"
	HeaderAccept     = "Accept"
)
