package core

import "time"

// WorkflowInstance identifies one durable execution of a workflow.
type WorkflowInstance struct {
	// InstanceID is the ID of the workflow instance. Assigned at creation,
	// immutable afterwards.
	InstanceID string `json:"instance_id,omitempty"`

	// WorkflowName is the registered name of the workflow this instance runs.
	WorkflowName string `json:"workflow_name,omitempty"`

	// Input is the serialized workflow input. Persisting it with the
	// instance keeps replay a deterministic function of stored state.
	Input []byte `json:"input,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

func NewWorkflowInstance(instanceID, workflowName string, input []byte, createdAt time.Time) *WorkflowInstance {
	return &WorkflowInstance{
		InstanceID:   instanceID,
		WorkflowName: workflowName,
		Input:        input,
		CreatedAt:    createdAt,
	}
}
