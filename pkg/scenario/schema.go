package scenario

// Action names a single step of a scenario.
type Action string

const (
	ActionStart               Action = "start"
	ActionSucceed             Action = "succeed"
	ActionFail                Action = "fail"
	ActionExecute             Action = "execute"
	ActionWaitUntilSucceeds   Action = "waitUntilSucceeds"
	ActionWaitUntilFails      Action = "waitUntilFails"
	ActionWaitForUnit         Action = "waitForUnit"
	ActionWaitForFile         Action = "waitForFile"
	ActionWaitForOpenPort     Action = "waitForOpenPort"
	ActionWaitUntilTTYMatches Action = "waitUntilTTYMatches"
	ActionSendChars           Action = "sendChars"
	ActionSendMonitorCommand  Action = "sendMonitorCommand"
	ActionStopJob             Action = "stopJob"
	ActionShutdown            Action = "shutdown"
	ActionCrash               Action = "crash"
	ActionWaitForShutdown     Action = "waitForShutdown"
	ActionBlock               Action = "block"
	ActionUnblock             Action = "unblock"
	ActionJoinAll             Action = "joinAll"
	ActionLog                 Action = "log"
)

// TestScenario is a declarative VM test plan loaded from YAML.
type TestScenario struct {
	// Name is the human-readable scenario name
	Name string `yaml:"name"`

	// Description documents what the scenario validates
	Description string `yaml:"description,omitempty"`

	// Tags are labels for categorizing and filtering scenarios
	Tags []string `yaml:"tags,omitempty"`

	// StartAll starts every machine before the first step
	StartAll bool `yaml:"startAll,omitempty"`

	// Steps run in order outside of any subtest
	Steps []Step `yaml:"steps,omitempty"`

	// Subtests run after Steps, each one counted by the driver
	Subtests []Subtest `yaml:"subtests,omitempty"`
}

// Subtest is a named group of steps.
type Subtest struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one action against a machine or the whole run.
type Step struct {
	Action Action `yaml:"action"`

	// Machine is the target machine name. It may be omitted when the run has
	// exactly one machine.
	Machine string `yaml:"machine,omitempty"`

	// Command is a guest shell command, or a monitor command for
	// sendMonitorCommand.
	Command string `yaml:"command,omitempty"`

	Unit string `yaml:"unit,omitempty"`
	User string `yaml:"user,omitempty"`
	Path string `yaml:"path,omitempty"`
	Port int    `yaml:"port,omitempty"`
	TTY  int    `yaml:"tty,omitempty"`

	// Pattern is matched against the text of TTY.
	Pattern string `yaml:"pattern,omitempty"`

	// Text is typed by sendChars or written by log.
	Text string `yaml:"text,omitempty"`

	// Expect is a regular expression the command output must match.
	Expect string `yaml:"expect,omitempty"`

	// Status is the exit code execute must return.
	Status *int `yaml:"status,omitempty"`
}

// needsMachine reports whether the action targets a single machine.
func (a Action) needsMachine() bool {
	switch a {
	case ActionJoinAll, ActionLog:
		return false
	default:
		return true
	}
}

// producesOutput reports whether the action returns output an expect
// pattern can be matched against.
func (a Action) producesOutput() bool {
	switch a {
	case ActionSucceed, ActionFail, ActionExecute,
		ActionWaitUntilSucceeds, ActionWaitUntilFails, ActionSendMonitorCommand:
		return true
	default:
		return false
	}
}
