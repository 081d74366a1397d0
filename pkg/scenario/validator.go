package scenario

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a validation error with detailed context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates a TestScenario and returns detailed validation errors.
func Validate(scenario *TestScenario) error {
	var errs ValidationErrors

	if scenario.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "name is required"})
	}

	if len(scenario.Steps) == 0 && len(scenario.Subtests) == 0 && !scenario.StartAll {
		errs = append(errs, ValidationError{Message: "at least one step or subtest is required"})
	}

	for i, step := range scenario.Steps {
		errs = append(errs, validateStep(step, fmt.Sprintf("steps[%d]", i))...)
	}

	names := make(map[string]bool)
	for i, sub := range scenario.Subtests {
		prefix := fmt.Sprintf("subtests[%d]", i)
		if sub.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "name is required"})
		} else if names[sub.Name] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate subtest name '%s'", sub.Name),
			})
		}
		names[sub.Name] = true

		if len(sub.Steps) == 0 {
			errs = append(errs, ValidationError{Field: prefix + ".steps", Message: "at least one step is required"})
		}
		for j, step := range sub.Steps {
			errs = append(errs, validateStep(step, fmt.Sprintf("%s.steps[%d]", prefix, j))...)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validateStep validates the fields a step's action relies on.
func validateStep(step Step, prefix string) ValidationErrors {
	var errs ValidationErrors

	require := func(field string, missing bool) {
		if missing {
			errs = append(errs, ValidationError{
				Field:   prefix + "." + field,
				Message: fmt.Sprintf("%s is required for action '%s'", field, step.Action),
			})
		}
	}

	switch step.Action {
	case ActionSucceed, ActionFail, ActionExecute,
		ActionWaitUntilSucceeds, ActionWaitUntilFails, ActionSendMonitorCommand:
		require("command", step.Command == "")
	case ActionWaitForUnit, ActionStopJob:
		require("unit", step.Unit == "")
	case ActionWaitForFile:
		require("path", step.Path == "")
	case ActionWaitForOpenPort:
		if step.Port < 1 || step.Port > 65535 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".port",
				Message: fmt.Sprintf("invalid port %d, must be between 1 and 65535", step.Port),
			})
		}
	case ActionWaitUntilTTYMatches:
		require("pattern", step.Pattern == "")
		if step.TTY < 1 {
			errs = append(errs, ValidationError{Field: prefix + ".tty", Message: "tty must be at least 1"})
		}
		if _, err := regexp.Compile(step.Pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   prefix + ".pattern",
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	case ActionSendChars, ActionLog:
		require("text", step.Text == "")
	case ActionStart, ActionShutdown, ActionCrash, ActionWaitForShutdown,
		ActionBlock, ActionUnblock, ActionJoinAll:
	case "":
		errs = append(errs, ValidationError{Field: prefix + ".action", Message: "action is required"})
	default:
		errs = append(errs, ValidationError{
			Field:   prefix + ".action",
			Message: fmt.Sprintf("unknown action '%s'", step.Action),
		})
	}

	if step.Expect != "" {
		if !step.Action.producesOutput() {
			errs = append(errs, ValidationError{
				Field:   prefix + ".expect",
				Message: fmt.Sprintf("action '%s' produces no output to match", step.Action),
			})
		} else if _, err := regexp.Compile(step.Expect); err != nil {
			errs = append(errs, ValidationError{
				Field:   prefix + ".expect",
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	if step.Status != nil && step.Action != ActionExecute {
		errs = append(errs, ValidationError{
			Field:   prefix + ".status",
			Message: "status is only supported by action 'execute'",
		})
	}

	if !step.Action.needsMachine() && step.Machine != "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".machine",
			Message: fmt.Sprintf("action '%s' does not target a machine", step.Action),
		})
	}

	return errs
}
