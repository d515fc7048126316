package services

import (
	"errors"
	"fmt"

	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
)

// ErrDrainTimeout is returned by a monitor that hit its poll or deadline bound
// while flowfiles were still queued.
var ErrDrainTimeout = errors.New("flow did not drain within the monitor bounds")

// ProvisionError reports the provisioning step that failed and the stage the
// remote flow was left in before teardown.
type ProvisionError struct {
	Step    int
	Reached int
	Stage   Stage
	Err     error

	// Teardown is set when cleaning up the partial flow also failed.
	Teardown error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provisioning failed at step %d (%s): %v", e.Step, StepName(e.Step), e.Err)
	if e.Teardown != nil {
		msg += fmt.Sprintf("; teardown from stage %s failed: %v", e.Stage, e.Teardown)
	}
	return msg
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// TeardownError reports the cleanup operation that failed.
type TeardownError struct {
	Op      string
	GroupID string
	Err     error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s of process group %s: %v", e.Op, e.GroupID, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// IngestionError reports a dataset that could not be materialized.
type IngestionError struct {
	Dataset string
	Topic   string
	Status  models.DatasetStatus
	Err     error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("dataset %s (topic %s) %s: %v", e.Dataset, e.Topic, e.Status, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}
