package build

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/refwatch/buildmonitor/internal/refs"
)

// ProcessBuilder runs cmdWithArgs as a shell command on this host,
// substituting {{.SHA}} and {{.RefName}} placeholders, and reports exit
// code plus captured combined output as the terminal Outcome.
//
// MaxBuildDuration is an independent, belt-and-suspenders wall-clock
// ceiling: even if the dispatcher never sends a cancellation (e.g. its ref
// never disappears), a build cannot run forever. This is a production
// safety net, not a core scheduling invariant — it never feeds back into
// the Diff Engine's cancel decisions.
type ProcessBuilder struct {
	MaxBuildDuration time.Duration
}

// NewProcessBuilder returns a ProcessBuilder with a 30 minute ceiling.
func NewProcessBuilder() *ProcessBuilder {
	return &ProcessBuilder{MaxBuildDuration: 30 * time.Minute}
}

func (p *ProcessBuilder) RunBuild(ctx context.Context, cmdWithArgs string, ref refs.Ref) (Activity, error) {
	command := render(cmdWithArgs, ref)

	runCtx := ctx
	cancelRun := func() {}
	if p.MaxBuildDuration > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, p.MaxBuildDuration)
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On cancellation or timeout, kill the whole process group so children
	// started by sh -c die along with the shell.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	activity := newChanActivity()

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		err := cmd.Wait()
		runErr := runCtx.Err()
		cancelRun()

		outcome := Outcome{Output: output.String()}
		switch {
		case runErr != nil && ctx.Err() == nil:
			// Our own MaxBuildDuration fired, not the caller's cancellation.
			outcome.Cancelled = false
			outcome.Err = runErr
		case ctx.Err() != nil:
			outcome.Cancelled = true
		case err != nil:
			outcome.Err = err
			if exitErr, ok := err.(*exec.ExitError); ok {
				outcome.ExitCode = exitErr.ExitCode()
			} else {
				outcome.ExitCode = 1
			}
		}
		activity.resolve(outcome)
	}()

	return activity, nil
}

func render(template string, ref refs.Ref) string {
	out := strings.ReplaceAll(template, "{{.SHA}}", ref.Object.SHA)
	out = strings.ReplaceAll(out, "{{.RefName}}", ref.Name)
	return out
}
