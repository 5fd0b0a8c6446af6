package requesthandler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/thushan/olla/internal/core/domain"
)

// classifyTransportError maps a transport-level (pre-response) error to
// an ErrorKind, grounded on the reference MakeUserFriendlyError's
// errors.As/strings.Contains cascade over net.Error, *net.OpError and
// syscall.Errno.
func classifyTransportError(ctx context.Context, err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindNone
	}

	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return domain.ErrorKindClientDisconnect
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return domain.ErrorKindConnectionRefused
		case "read", "write":
			return domain.ErrorKindSocketHangup
		}
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED:
			return domain.ErrorKindConnectionRefused
		case syscall.ECONNRESET:
			return domain.ErrorKindSocketHangup
		case syscall.ECONNABORTED:
			return domain.ErrorKindConnectionAborted
		case syscall.EPIPE:
			return domain.ErrorKindBrokenPipe
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no such host"):
		return domain.ErrorKindDNSError
	case strings.Contains(errStr, "tls") || strings.Contains(errStr, "certificate"):
		return domain.ErrorKindTLSError
	case strings.Contains(errStr, "connection refused"):
		return domain.ErrorKindConnectionRefused
	case strings.Contains(errStr, "connection reset"), strings.Contains(errStr, "broken pipe"):
		return domain.ErrorKindSocketHangup
	case strings.Contains(errStr, "malformed http"), strings.Contains(errStr, "unexpected eof"):
		return domain.ErrorKindHTTPParseError
	}

	return domain.ErrorKindInternal
}

// classifyStatus maps an upstream HTTP status code to an ErrorKind. Only
// called for non-2xx responses.
func classifyStatus(status int) domain.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ErrorKindRateLimitedKey
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.ErrorKindAuthError
	case status >= 500:
		return domain.ErrorKindServerError
	case status >= 400:
		return domain.ErrorKindClientError
	default:
		return domain.ErrorKindNone
	}
}

// isClientDisconnect reports whether err reflects the original client
// request's context being cancelled, rather than the upstream attempt's
// own per-attempt timeout.
func isClientDisconnect(requestCtx context.Context, err error) bool {
	return requestCtx.Err() != nil && errors.Is(err, context.Canceled)
}
