package protocol

// Phase is the producer-local connection state. Binary frames may only be
// sent while Streaming, and Streaming is only reachable from Ready, which
// itself requires a session-ready acknowledgment.
type Phase int

// Producer connection phases, in lifecycle order.
const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAwaitingSession
	PhaseReady
	PhaseStreaming
	PhaseFinalizing
	PhaseCompleted
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:            "idle",
	PhaseConnecting:      "connecting",
	PhaseAwaitingSession: "awaiting-session",
	PhaseReady:           "ready",
	PhaseStreaming:       "streaming",
	PhaseFinalizing:      "finalizing",
	PhaseCompleted:       "completed",
	PhaseFailed:          "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// CanConnect reports whether a new connect request is legal from p.
// Only a fresh, completed, or failed connection may start over.
func (p Phase) CanConnect() bool {
	return p == PhaseIdle || p == PhaseCompleted || p == PhaseFailed
}

// Terminal reports whether p is an end state of the session lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}
