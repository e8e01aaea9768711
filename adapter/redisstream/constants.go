package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID            = "id"
	fieldCorrelationID = "correlation_id"
	fieldReplyTo       = "reply_to"
	fieldTTL           = "ttl_ns"       // int64 ns
	fieldScheduled     = "scheduled_ns" // int64 unix ns
	fieldBody          = "body"         // raw []byte to reduce allocs (no base64)
	fieldPropPrefix    = "prop:"        // EncodeProperty "kind:value"

	// dead-letter only
	fieldOrigTopic = "orig_topic"
	fieldOrigID    = "orig_id"
	fieldError     = "error"
)

// Key suffixes for delayed delivery.
const (
	scheduledSetSuffix   = ":scheduled"
	scheduledEntryPrefix = ":scheduled:"
)
