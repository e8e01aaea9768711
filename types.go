package xenvelope

import (
	"time"
)

// CodecStats is a snapshot of the codec counters.
type CodecStats struct {
	Encoded      uint64
	Externalized uint64
	Decoded      uint64
	// Rejected counts encodes refused before any envelope was built
	// (invalid message, reserved property, payload too large).
	Rejected      uint64
	Malformed     uint64
	BlobMisses    uint64
	InlineBytes   uint64
	ExternalBytes uint64
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped       uint64 // Events dropped due to full buffer
	DroppedErrors uint64 // Error events among Dropped
	Processed     uint64 // Events successfully processed
	Panics        uint64 // Observer panics recovered
	ActiveEvents  int    // Current queue depth
	Workers       int    // Number of dispatch goroutines
	BufferSize    int    // Channel capacity
}

// Metrics defines observable telemetry for the client.
type Metrics struct {
	Sent                uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
	Codec               CodecStats
}

// HealthStatus indicates client health for Kubernetes liveness and readiness checks.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
