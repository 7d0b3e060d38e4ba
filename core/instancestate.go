package core

// InstanceState is the lifecycle state of a workflow instance.
type InstanceState int

const (
	InstanceStateRunning InstanceState = iota
	InstanceStateSuspended
	InstanceStateSucceeded
	InstanceStateFailed
)

func (s InstanceState) String() string {
	switch s {
	case InstanceStateRunning:
		return "running"
	case InstanceStateSuspended:
		return "suspended"
	case InstanceStateSucceeded:
		return "succeeded"
	case InstanceStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Finished reports whether the state is terminal.
func (s InstanceState) Finished() bool {
	return s == InstanceStateSucceeded || s == InstanceStateFailed
}
