package tasks

import (
	"context"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/logging"
)

// Completer records the terminal outcome of an operation against every task
// it was created for.
type Completer struct {
	repo   *Repository
	opID   string
	ids    []string
	logger logging.Logger
}

// NewCompleter builds a completer for the given task ids of operation opID
func NewCompleter(repo *Repository, opID string, ids []string, logger logging.Logger) *Completer {
	return &Completer{
		repo:   repo,
		opID:   opID,
		ids:    append([]string(nil), ids...),
		logger: logging.OrNop(logger),
	}
}

// OpID returns the operation id shared by the tasks
func (c *Completer) OpID() string { return c.opID }

// IDs returns the task ids covered by the completer
func (c *Completer) IDs() []string { return append([]string(nil), c.ids...) }

// MarkReady marks every task ready
func (c *Completer) MarkReady(ctx context.Context) error {
	var errs []error
	for _, id := range c.ids {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCancelled, "task completion cancelled")
		}
		if err := c.repo.complete(id, StatusReady, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("Task %s of operation %s is ready", id, c.opID)
	}
	return errors.Aggregate(errors.ErrUnknown, "failed to mark tasks ready", errs)
}

// MarkError marks every task failed, recording the code and message of the
// originating error.
func (c *Completer) MarkError(ctx context.Context, cause error) error {
	detail := &TaskError{Code: errors.ErrUnknown.String(), Message: "unknown error"}
	if cause != nil {
		detail = &TaskError{Code: errors.GetCode(cause).String(), Message: cause.Error()}
	}

	var errs []error
	for _, id := range c.ids {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCancelled, "task completion cancelled")
		}
		if err := c.repo.complete(id, StatusError, detail); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Info("Task %s of operation %s failed: %s", id, c.opID, detail.Message)
	}
	return errors.Aggregate(errors.ErrUnknown, "failed to mark tasks in error", errs)
}
