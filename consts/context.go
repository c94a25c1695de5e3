package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// RequestIDKey carries the identifier of the inbound unit of work (LMTP
	// transaction or admin API request) so log lines from the dispatcher and
	// the store can be correlated.
	RequestIDKey = ContextKey("request_id")

	// ListNameKey carries the name of the list whose lock the current unit of
	// work holds.
	ListNameKey = ContextKey("list_name")
)
