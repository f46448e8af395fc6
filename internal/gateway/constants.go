package gateway

import "time"

const (
	// maxPacketSize bounds a single tunnel read. The tunnel MTU is carried
	// in a signed 16-bit length, so 32767 is the ceiling.
	maxPacketSize = 0x7fff

	// responseBufferSize is the fixed receive buffer for upstream DNS
	// responses. Larger responses are truncated; a known limitation.
	responseBufferSize = 1024

	// Reconnect backoff: starts at the floor, doubles per failed attempt
	// up to the cap, and resets to the floor after a session that stayed
	// up for at least retryResetUptime.
	minRetryDelay    = 5 * time.Second
	maxRetryDelay    = 120 * time.Second
	retryResetUptime = 60 * time.Second
)
