package scenario

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestValidate_ValidScenario(t *testing.T) {
	scenario := &TestScenario{
		Name: "valid",
		Steps: []Step{
			{Action: ActionStart, Machine: "server"},
			{Action: ActionSucceed, Machine: "server", Command: "true", Expect: ".*"},
			{Action: ActionExecute, Command: "exit 1", Status: intPtr(1)},
			{Action: ActionWaitForOpenPort, Port: 22},
			{Action: ActionWaitUntilTTYMatches, TTY: 1, Pattern: "login:"},
			{Action: ActionLog, Text: "hello"},
			{Action: ActionJoinAll},
		},
		Subtests: []Subtest{
			{Name: "first", Steps: []Step{{Action: ActionShutdown}}},
		},
	}

	assert.NoError(t, Validate(scenario))
}

func TestValidate_StartAllOnly(t *testing.T) {
	assert.NoError(t, Validate(&TestScenario{Name: "boot", StartAll: true}))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name           string
		scenario       *TestScenario
		expectedErrors []string
	}{
		{
			name:           "missing name and steps",
			scenario:       &TestScenario{},
			expectedErrors: []string{"name is required", "at least one step or subtest is required"},
		},
		{
			name: "unknown action",
			scenario: &TestScenario{Name: "x", Steps: []Step{
				{Action: "reboot"},
			}},
			expectedErrors: []string{"unknown action 'reboot'"},
		},
		{
			name: "missing action",
			scenario: &TestScenario{Name: "x", Steps: []Step{
				{Machine: "server"},
			}},
			expectedErrors: []string{"action is required"},
		},
		{
			name: "missing fields",
			scenario: &TestScenario{Name: "x", Steps: []Step{
				{Action: ActionWaitForUnit},
				{Action: ActionWaitForFile},
				{Action: ActionSendChars},
				{Action: ActionWaitForOpenPort, Port: 70000},
				{Action: ActionWaitUntilTTYMatches, Pattern: "("},
			}},
			expectedErrors: []string{
				"steps[0].unit",
				"steps[1].path",
				"steps[2].text",
				"invalid port 70000",
				"tty must be at least 1",
				"steps[4].pattern",
			},
		},
		{
			name: "expect on an action without output",
			scenario: &TestScenario{Name: "x", Steps: []Step{
				{Action: ActionShutdown, Expect: "x"},
			}},
			expectedErrors: []string{"action 'shutdown' produces no output to match"},
		},
		{
			name: "invalid expect",
			scenario: &TestScenario{Name: "x", Steps: []Step{
				{Action: ActionSucceed, Command: "true", Expect: "["},
			}},
			expectedErrors: []string{"steps[0].expect", "invalid regular expression"},
		},
		{
			name: "status outside execute",
			scenario: &TestScenario{Name: "x", Steps: []Step{
				{Action: ActionSucceed, Command: "true", Status: intPtr(0)},
			}},
			expectedErrors: []string{"status is only supported by action 'execute'"},
		},
		{
			name: "machine on a run-wide action",
			scenario: &TestScenario{Name: "x", Steps: []Step{
				{Action: ActionJoinAll, Machine: "server"},
			}},
			expectedErrors: []string{"action 'joinAll' does not target a machine"},
		},
		{
			name: "subtests",
			scenario: &TestScenario{Name: "x", Subtests: []Subtest{
				{Name: "a", Steps: []Step{{Action: ActionCrash}}},
				{Name: "a", Steps: []Step{{Action: ActionCrash}}},
				{Steps: []Step{{Action: ActionFail}}},
			}},
			expectedErrors: []string{
				"duplicate subtest name 'a'",
				"subtests[2].name",
				"subtests[2].steps[0].command",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.scenario)
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			for _, expected := range tt.expectedErrors {
				assert.Contains(t, err.Error(), expected)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t,
		"validation error in field 'name': name is required; validation error: boom",
		ValidationErrors{{Field: "name", Message: "name is required"}, {Message: "boom"}}.Error(),
	)
}
