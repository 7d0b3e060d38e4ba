package engine

import (
	"fmt"
	"sync"
)

// WorkflowFn is a workflow body. It is re-executed from the top on every
// invocation and must be a deterministic function of its input and the
// results of its own steps; every read of external mutable state that
// affects control flow has to go through Step.
type WorkflowFn func(run *Run) error

type Registry struct {
	sync.Mutex

	workflowMap map[string]WorkflowFn
}

// NewRegistry creates a new registry instance.
func NewRegistry() *Registry {
	return &Registry{
		workflowMap: make(map[string]WorkflowFn),
	}
}

func (r *Registry) RegisterWorkflow(name string, workflow WorkflowFn) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.workflowMap[name]; ok {
		return fmt.Errorf("workflow with name %q already registered", name)
	}
	r.workflowMap[name] = workflow

	return nil
}

func (r *Registry) GetWorkflow(name string) (WorkflowFn, error) {
	r.Lock()
	defer r.Unlock()

	workflow, ok := r.workflowMap[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q not found", name)
	}

	return workflow, nil
}
