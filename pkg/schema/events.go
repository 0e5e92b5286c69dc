package schema

// Event type constants published for run and node lifecycle changes.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunReset     = "run_reset"

	EventNodeReady     = "node_ready"
	EventNodeStarted   = "node_started"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeReset     = "node_reset"
	EventNodeRetrying  = "node_retrying"
	EventNodeLog       = "node_log"
)

// RunEventType maps a run-level status to its event type.
func RunEventType(to Status) string {
	switch to {
	case StatusRunning:
		return EventRunStarted
	case StatusSucceeded:
		return EventRunSucceeded
	case StatusFailed:
		return EventRunFailed
	case StatusPending:
		return EventRunReset
	default:
		return ""
	}
}

// NodeEventType maps a node status to its event type.
func NodeEventType(to Status) string {
	switch to {
	case StatusReady:
		return EventNodeReady
	case StatusRunning:
		return EventNodeStarted
	case StatusSucceeded:
		return EventNodeSucceeded
	case StatusFailed:
		return EventNodeFailed
	case StatusSkipped:
		return EventNodeSkipped
	case StatusPending:
		return EventNodeReset
	default:
		return ""
	}
}
