package txlgo

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/pkg/errors"
)

// Shutdowner controls the power state of the host.
type Shutdowner interface {
	// Cancel withdraws a pending shutdown, if any.
	Cancel(ctx context.Context) error
	// Schedule powers the host off after delayMins minutes.
	Schedule(ctx context.Context, delayMins int) error
}

// CommandShutdowner drives the system shutdown command.
type CommandShutdowner struct{}

func (CommandShutdowner) Cancel(ctx context.Context) error {
	return run(ctx, "shutdown", "-c")
}

func (CommandShutdowner) Schedule(ctx context.Context, delayMins int) error {
	return run(ctx, "sudo", "shutdown", "-h", "-P", fmt.Sprintf("+%d", delayMins))
}

func run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s %v: %s", name, args, out)
	}
	return nil
}
