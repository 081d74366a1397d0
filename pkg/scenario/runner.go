package scenario

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/alexandremahdhaoui/vmtest/pkg/driver"
	"github.com/alexandremahdhaoui/vmtest/pkg/vmm"
)

var (
	// ErrUnexpectedOutput is returned when a step's output does not match
	// its expect pattern.
	ErrUnexpectedOutput = errors.New("unexpected output")
	// ErrUnexpectedStatus is returned when execute returns another exit code
	// than the step's status.
	ErrUnexpectedStatus = errors.New("unexpected exit status")
	// ErrAmbiguousMachine is returned when a step omits its machine and the
	// run has more than one.
	ErrAmbiguousMachine = errors.New("step does not name a machine")
)

// Runner plays a TestScenario against a driver.TestContext. It implements
// driver.Script.
type Runner struct {
	scenario *TestScenario
}

var _ driver.Script = (*Runner)(nil)

// NewRunner returns a Runner for scenario.
func NewRunner(scenario *TestScenario) *Runner {
	return &Runner{scenario: scenario}
}

// Run executes the top-level steps, then every subtest in order. The first
// failing step stops the run.
func (r *Runner) Run(ctx context.Context, tc driver.TestContext) error {
	tc.Log(fmt.Sprintf("running scenario %q", r.scenario.Name))

	if r.scenario.StartAll {
		if err := tc.StartAll(ctx); err != nil {
			return err
		}
	}

	if err := r.runSteps(ctx, tc, r.scenario.Steps); err != nil {
		return err
	}

	for _, sub := range r.scenario.Subtests {
		if err := tc.Subtest(sub.Name, func() error {
			return r.runSteps(ctx, tc, sub.Steps)
		}); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) runSteps(ctx context.Context, tc driver.TestContext, steps []Step) error {
	for i, step := range steps {
		if err := runStep(ctx, tc, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}
	return nil
}

func runStep(ctx context.Context, tc driver.TestContext, step Step) error {
	switch step.Action {
	case ActionJoinAll:
		return tc.JoinAll(ctx)
	case ActionLog:
		tc.Log(step.Text)
		return nil
	}

	m, err := machineFor(tc, step.Machine)
	if err != nil {
		return err
	}

	var output string

	switch step.Action {
	case ActionStart:
		return m.Start(ctx)
	case ActionSucceed:
		output, err = m.Succeed(ctx, step.Command)
	case ActionFail:
		output, err = m.Fail(ctx, step.Command)
	case ActionExecute:
		var status int
		status, output, err = m.Execute(ctx, step.Command)
		if err == nil && step.Status != nil && status != *step.Status {
			err = fmt.Errorf("%w: `%s' exited with %d, want %d", ErrUnexpectedStatus, step.Command, status, *step.Status)
		}
	case ActionWaitUntilSucceeds:
		output, err = m.WaitUntilSucceeds(ctx, step.Command)
	case ActionWaitUntilFails:
		output, err = m.WaitUntilFails(ctx, step.Command)
	case ActionWaitForUnit:
		return m.WaitForUnit(ctx, step.Unit, step.User)
	case ActionWaitForFile:
		return m.WaitForFile(ctx, step.Path)
	case ActionWaitForOpenPort:
		return m.WaitForOpenPort(ctx, step.Port)
	case ActionWaitUntilTTYMatches:
		return m.WaitUntilTTYMatches(ctx, step.TTY, step.Pattern)
	case ActionSendChars:
		return m.SendChars(ctx, step.Text)
	case ActionSendMonitorCommand:
		output, err = m.SendMonitorCommand(ctx, step.Command)
	case ActionStopJob:
		return m.StopJob(ctx, step.Unit, step.User)
	case ActionShutdown:
		return m.Shutdown(ctx)
	case ActionCrash:
		return m.Crash(ctx)
	case ActionWaitForShutdown:
		return m.WaitForShutdown(ctx)
	case ActionBlock:
		return m.Block(ctx)
	case ActionUnblock:
		return m.Unblock(ctx)
	default:
		return fmt.Errorf("unknown action '%s'", step.Action)
	}

	if err != nil {
		return err
	}

	return matchOutput(step.Expect, output)
}

// machineFor resolves the target of a step. An empty name selects the only
// machine of the run.
func machineFor(tc driver.TestContext, name string) (*vmm.Machine, error) {
	if name != "" {
		return tc.Machine(name)
	}

	machines := tc.Machines()
	if len(machines) != 1 {
		return nil, fmt.Errorf("%w: the run has %d machines", ErrAmbiguousMachine, len(machines))
	}

	return machines[0], nil
}

func matchOutput(expect, output string) error {
	if expect == "" {
		return nil
	}

	re, err := regexp.Compile(expect)
	if err != nil {
		return err
	}

	if !re.MatchString(output) {
		return fmt.Errorf("%w: %q does not match %q", ErrUnexpectedOutput, output, expect)
	}

	return nil
}
