package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

var (
	// ErrIllegalTransition is returned for any transition not in the table,
	// including every backward move and anything out of a terminal status.
	ErrIllegalTransition = errors.New("illegal command status transition")

	// ErrUnknownCommand is returned when no handler matches a command
	ErrUnknownCommand = errors.New("unknown command")
)

// transitions lists the statuses reachable from each status. A command the
// node receives straight from a poll may still be pending, so pending can
// move directly to acknowledged. Timeout is set by the controller side.
var transitions = map[api.CommandStatus][]api.CommandStatus{
	api.CommandPending:      {api.CommandSent, api.CommandAcknowledged, api.CommandFailed, api.CommandTimeout},
	api.CommandSent:         {api.CommandAcknowledged, api.CommandFailed, api.CommandTimeout},
	api.CommandAcknowledged: {api.CommandExecuting, api.CommandFailed, api.CommandTimeout},
	api.CommandExecuting:    {api.CommandCompleted, api.CommandFailed, api.CommandTimeout},
}

// CanTransition reports whether from -> to is allowed. An empty status is
// treated as pending.
func CanTransition(from, to api.CommandStatus) bool {
	if from == "" {
		from = api.CommandPending
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance moves cmd to status to and stamps the matching timestamp
func Advance(cmd *api.Command, to api.CommandStatus, now time.Time) error {
	if !CanTransition(cmd.Status, to) {
		return fmt.Errorf("%w: %s -> %s (command %s)", ErrIllegalTransition, statusOrPending(cmd.Status), to, cmd.ID)
	}
	cmd.Status = to

	t := now.UTC()
	switch {
	case to == api.CommandSent:
		cmd.SentAt = &t
	case to == api.CommandAcknowledged:
		cmd.AcknowledgedAt = &t
	case to.Terminal():
		cmd.CompletedAt = &t
	}
	return nil
}

func statusOrPending(s api.CommandStatus) api.CommandStatus {
	if s == "" {
		return api.CommandPending
	}
	return s
}
