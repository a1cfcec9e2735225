package events

import "time"

const (
	// Max bytes per websocket frame read. Clients only send small control
	// envelopes.
	maxFrameBytes = 16 << 10

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	// A connection that has not said hello by then is dropped. After hello
	// the client may stay silent; pings keep it honest.
	defaultHelloTimeout = 10 * time.Second
	closeGrace          = 1 * time.Second

	maxPingFailures = 3

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection control budget: burst of envelopes, refilled over the
	// window. Rejected envelopes cost rejectCost.
	rateLimitEvents = 20
	rateLimitWindow = time.Minute
)

// DefaultAllowedOrigins is the origin allow-list used when none is configured.
const DefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
