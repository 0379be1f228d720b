// Package notify posts scheduling events to Slack.
package notify

import (
	"fmt"
	"strings"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/pressline/internal/models"
	"github.com/zulandar/pressline/internal/scheduler"
	"github.com/zulandar/pressline/internal/validate"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts messages to one Slack channel.
type Notifier struct {
	client  slackClient
	channel string
}

// Opts holds parameters for creating a Notifier.
type Opts struct {
	Token   string // xoxb-... Slack bot token
	Channel string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("notify: slack token is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}

	n := &Notifier{channel: opts.Channel, client: opts.Client}
	if n.client == nil {
		n.client = slackapi.New(opts.Token)
	}
	return n, nil
}

// RunSummary announces the outcome of a scheduling run.
func (n *Notifier) RunSummary(res *scheduler.Result) error {
	return n.post(formatRunSummary(res))
}

// JobApproved announces a freshly approved job entering the queue.
func (n *Notifier) JobApproved(j *models.Job) error {
	return n.post(fmt.Sprintf(":white_check_mark: Job *%s* (%s) approved and queued for scheduling", j.ID, j.Title))
}

// Violations announces schedule inconsistencies found by the validator.
func (n *Notifier) Violations(vs []validate.Violation) error {
	if len(vs) == 0 {
		return nil
	}
	return n.post(formatViolations(vs))
}

func (n *Notifier) post(text string) error {
	_, _, err := n.client.PostMessage(n.channel, slackapi.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("notify: post message: %w", err)
	}
	return nil
}

// formatRunSummary renders one run result as a Slack message.
func formatRunSummary(res *scheduler.Result) string {
	var b strings.Builder
	if res.OK {
		fmt.Fprintf(&b, ":calendar: Scheduling run placed %d stage(s), wrote %d slot(s)", res.ScheduledCount, res.WroteSlots)
	} else {
		fmt.Fprintf(&b, ":x: Scheduling run failed (%s): %s", res.ErrorCode, res.Err)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(&b, "\n• job %s stage %s: %s (%s)", f.JobID, f.StageID, f.Detail, f.Code)
	}
	return b.String()
}

// formatViolations renders validator findings as a Slack message.
func formatViolations(vs []validate.Violation) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":warning: Schedule validation found %d violation(s)", len(vs))
	for _, v := range vs {
		fmt.Fprintf(&b, "\n• [%s] %s", v.Kind, v.Detail)
	}
	return b.String()
}
