package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"

	// BMC session errors
	ErrInvalidTarget   ErrorCode = "bmc_invalid_target"
	ErrNoSession       ErrorCode = "bmc_no_session"
	ErrInvalidResponse ErrorCode = "bmc_invalid_response"
	ErrDecoding        ErrorCode = "bmc_decoding_failed"
	ErrNetwork         ErrorCode = "bmc_network_failed"
	ErrHTTPStatus      ErrorCode = "bmc_http_status"
	ErrUnauthorized    ErrorCode = "bmc_unauthorized"

	// Poller errors
	ErrNoFanInfo ErrorCode = "poller_no_fan_info"

	// Credential store errors
	ErrStoreAccess   ErrorCode = "store_access_failed"
	ErrStoreNotFound ErrorCode = "store_key_not_found"
	ErrStoreCrypto   ErrorCode = "store_crypto_failed"

	// History errors
	ErrInitHistory   ErrorCode = "init_history_failed"
	ErrRecordHistory ErrorCode = "record_history_failed"
	ErrCloseHistory  ErrorCode = "close_history_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrAlreadyRunning:  "Another instance is already running",
	ErrInvalidConfig:   "Invalid configuration",
	ErrMissingConfig:   "Missing configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrReadConfig:      "Failed to read configuration",
	ErrInvalidInterval: "Invalid interval value",
	ErrInvalidLogLevel: "Invalid log level",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",
	ErrOperationFailed: "Operation failed",
	ErrTimeout:         "Operation timed out",
	ErrInvalidTarget:   "Invalid server URL",
	ErrNoSession:       "No active session. Please log in.",
	ErrInvalidResponse: "Invalid response from server",
	ErrDecoding:        "Failed to decode response",
	ErrNetwork:         "Network error",
	ErrHTTPStatus:      "HTTP error",
	ErrUnauthorized:    "Session expired. Please log in again.",
	ErrNoFanInfo:       "No fan information available yet",
	ErrStoreAccess:     "Failed to access credential store",
	ErrStoreNotFound:   "Credential not found",
	ErrStoreCrypto:     "Failed to encrypt or decrypt credential",
	ErrInitHistory:     "Failed to initialize history",
	ErrRecordHistory:   "Failed to record history sample",
	ErrCloseHistory:    "Failed to close history database",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
