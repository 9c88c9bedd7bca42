package obslog

// Standard field name constants for consistent structured logging. Use
// these instead of raw strings so the same event always logs the same key.
const (
	FieldCallID      = "call_id"
	FieldSessionID   = "session_id"
	FieldWorkerID    = "worker_id"
	FieldNamespace   = "namespace"
	FieldFunction    = "function"
	FieldErrorKind   = "error_kind"
	FieldDurationMS  = "duration_ms"
	FieldAttempt     = "attempt"
	FieldBackoffMS   = "backoff_ms"
	FieldRSSBytes    = "rss_bytes"
	FieldCPUPercent  = "cpu_percent"
	FieldSourcePath  = "source_path"
	FieldPort        = "port"
	FieldRemoteAddr  = "remote_addr"
	FieldOrigin      = "origin"
)
