package orchestrator

import (
	"fmt"

	"flowsync/internal/models"
)

// AggregateFetchError means a collection could not be listed at all; the run fails.
type AggregateFetchError struct {
	Entity models.EntityType
	Err    error
}

func (e *AggregateFetchError) Error() string {
	return fmt.Sprintf("list %ss: %v", e.Entity, e.Err)
}

func (e *AggregateFetchError) Unwrap() error { return e.Err }

// Stages of an item at which processing can fail.
const (
	StageFetch     = "fetch"
	StageTransform = "transform"
	StagePersist   = "persist"
	StageDispatch  = "dispatch"
	StagePanic     = "panic"
)

// ItemProcessingError is a single item failure; the run continues and ends partial.
type ItemProcessingError struct {
	Entity   models.EntityType
	EntityID string
	Stage    string
	Err      error
}

func (e *ItemProcessingError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Entity, e.EntityID, e.Stage, e.Err)
}

func (e *ItemProcessingError) Unwrap() error { return e.Err }
