package constants

// Security violation types recorded against ports.SecurityViolation.
const (
	ViolationRateLimit = "rate_limit"
	ViolationSizeLimit = "size_limit"
)
