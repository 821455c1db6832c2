// Package reminder assembles a standup reminder workflow used by the
// example server. Every weekday morning it posts a reminder, waits for
// a short delay, then pings anyone who has not checked in.
package reminder

import (
	"github.com/relaychat/automation"
	"github.com/relaychat/automation/builder"
)

const WorkflowID = "standup-reminder"

// NewStandupWorkflow builds the scheduled reminder definition
func NewStandupWorkflow(channelID string, standupURL string) (*automation.WorkflowDefinition, error) {
	return builder.NewWorkflow(WorkflowID, "Daily Standup Reminder").
		WithDescription("Posts a standup reminder and follows up on missing check-ins").
		WithOwner("U_OPS_BOT").
		WithScopes("channels:write", "users:notify").
		OnSchedule("0 9 * * 1-5", "America/New_York").
		ThenStep(builder.SendMessage("announce", channelID,
			"Standup time! Post your update in the thread.")).
		ThenStep(builder.Delay("grace-period", 15*60*1000)).
		ThenStep(builder.HTTPRequest("fetch-missing", "GET", standupURL).
			WithOutputKey("missing").
			WithRetries(3, 1000, automation.BackoffExponential)).
		AddStep(builder.SendMessage("nudge", channelID,
			"Reminder for {{item.name}}: standup is still open.")).
		ThenStep(builder.Loop("nudge-missing", "{{variables.missing.body.users}}", "item", "nudge").
			WithMaxIterations(50)).
		Build()
}

// NewDeployApprovalWorkflow builds a manually triggered workflow that
// gates a deployment behind two approvals
func NewDeployApprovalWorkflow(channelID string) (*automation.WorkflowDefinition, error) {
	return builder.NewWorkflow("deploy-approval", "Production Deploy Approval").
		WithOwner("U_OPS_BOT").
		WithScopes("channels:write").
		OnManual(nil, []string{"release-manager"},
			automation.InputSpec{Name: "version", Type: "string", Required: true},
		).
		ThenStep(builder.Approval("sign-off", []string{"U_ALICE", "U_BOB", "U_CAROL"}, 2, 60*60*1000).
			WithApprovalMessage("Deploy {{inputs.version}} to production?").
			WithEscalation("U_ONCALL")).
		ThenStep(builder.SendMessage("announce-deploy", channelID,
			"Deploy of {{inputs.version}} approved, rolling out.")).
		Build()
}
