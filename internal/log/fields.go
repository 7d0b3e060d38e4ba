package log

const (
	NamespaceKey = "holdflow"

	InstanceIDKey   = NamespaceKey + ".instance.id"
	WorkflowNameKey = NamespaceKey + ".workflow.name"

	StepNameKey = NamespaceKey + ".step.name"
	SeqIndexKey = NamespaceKey + ".step.sequence_index"

	ReservationIDKey = NamespaceKey + ".reservation.id"
	SeatIDKey        = NamespaceKey + ".reservation.seat_id"
	StatusKey        = NamespaceKey + ".reservation.status"

	// NowKey is the time at which a wait was issued
	NowKey = NamespaceKey + ".wait.now"
	// AtKey is the time at which a suspended instance is due to resume
	AtKey = NamespaceKey + ".wait.at"
)
