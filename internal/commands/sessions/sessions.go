// Copyright 2025 The FAIR Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sessions implements the `fair sessions` command group.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/azapg/FAIR/internal/commands/shared"
	"github.com/azapg/FAIR/sdk"
)

const requestTimeout = 10 * time.Second

// NewCommand creates the sessions command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Run and inspect grading sessions",
		Long: `Commands for grading sessions.

A session executes a workflow's pipeline (transcribe, validate, grade)
over a batch of submissions and streams its progress as events.`,
	}

	cmd.AddCommand(newCreateCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newWatchCommand())

	return cmd
}

func newCreateCommand() *cobra.Command {
	var (
		submissionIDs []string
		watch         bool
	)

	cmd := &cobra.Command{
		Use:   "create <workflow-id>",
		Short: "Start a grading session",
		Long: `Start a grading session over a workflow's submissions.

Without --submission flags the session grades every pending submission
registered for the workflow.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, args[0], submissionIDs, watch)
		},
	}

	cmd.Flags().StringArrayVar(&submissionIDs, "submission", nil, "submission ID to grade (repeatable; default: all pending)")
	cmd.Flags().BoolVar(&watch, "watch", false, "stream session events until it finishes")

	return cmd
}

func runCreate(cmd *cobra.Command, workflowID string, submissionIDs []string, watch bool) error {
	c, err := shared.ResolveClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	run, err := c.CreateSession(ctx, workflowID, submissionIDs)
	cancel()
	if err != nil {
		return err
	}

	if shared.GetJSON() && !watch {
		return shared.EmitJSON(cmd.OutOrStdout(), run)
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("session %s started", shared.Bold.Render(run.ID))))
	cmd.Printf("  %s %s\n", shared.RenderLabel("workflow:"), run.WorkflowID)
	cmd.Printf("  %s %d\n", shared.RenderLabel("submissions:"), len(run.SubmissionIDs))

	if !watch {
		return nil
	}
	return streamSession(cmd, run.ID)
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session and its submission statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.ResolveClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			view, err := c.GetSession(ctx, args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), view)
			}

			cmd.Println(shared.Header.Render("Session " + view.ID))
			cmd.Printf("  %s %s\n", shared.RenderLabel("workflow:"), view.WorkflowID)
			cmd.Printf("  %s %s\n", shared.RenderLabel("status:"), shared.RenderRunStatus(string(view.Status)))
			if view.FailureReason != "" {
				cmd.Printf("  %s %s\n", shared.RenderLabel("reason:"), view.FailureReason)
			}
			if view.StartedAt != nil {
				cmd.Printf("  %s %s\n", shared.RenderLabel("started:"), view.StartedAt.Format(time.RFC3339))
			}
			if view.FinishedAt != nil {
				cmd.Printf("  %s %s\n", shared.RenderLabel("finished:"), view.FinishedAt.Format(time.RFC3339))
			}

			if len(view.Submissions) > 0 {
				cmd.Println()
				cmd.Println(shared.Bold.Render("Submissions"))
				for _, sub := range view.Submissions {
					line := fmt.Sprintf("  %s  %s", sub.ID, shared.RenderRunStatus(sub.Status))
					if sub.DraftScore != nil {
						line += shared.Muted.Render(fmt.Sprintf("  score=%.2f", *sub.DraftScore))
					}
					cmd.Println(line)
				}
			}
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running session",
		Long: `Request cancellation of a session.

Cancellation is cooperative: in-flight plugin calls finish first, and a
session that already reached a terminal state is left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.ResolveClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			run, err := c.CancelSession(ctx, args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), run)
			}

			if run.Status.Terminal() {
				cmd.Println(shared.RenderOK(fmt.Sprintf("session %s is %s", run.ID, shared.RenderRunStatus(string(run.Status)))))
			} else {
				cmd.Println(shared.RenderWarn(fmt.Sprintf("session %s cancelling", run.ID)))
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream a session's events",
		Long: `Stream a session's event envelopes, replay first, then live.

Finished sessions replay their persisted logs and close immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamSession(cmd, args[0])
		},
	}
}

// streamSession prints the session's envelope stream until close.
func streamSession(cmd *cobra.Command, id string) error {
	c, err := shared.ResolveClient()
	if err != nil {
		return err
	}

	return c.StreamEvents(cmd.Context(), id, func(evt sdk.Envelope) error {
		if shared.GetJSON() {
			return shared.EmitJSON(cmd.OutOrStdout(), evt)
		}
		cmd.Println(renderEnvelope(evt))
		return nil
	})
}

func renderEnvelope(evt sdk.Envelope) string {
	switch evt.Type {
	case sdk.TypeLog:
		prefix := shared.StatusInfo.Render(string(evt.Level))
		switch evt.Level {
		case sdk.LevelWarn:
			prefix = shared.StatusWarn.Render("warning")
		case sdk.LevelError:
			prefix = shared.StatusError.Render("error")
		case sdk.LevelDebug:
			prefix = shared.Muted.Render("debug")
		}
		line := fmt.Sprintf("%s %s", prefix, evt.Message())
		if plugin := evt.PluginID(); plugin != "" {
			line += shared.Muted.Render(" (" + plugin + ")")
		}
		return line
	case sdk.TypeUpdate:
		return shared.Muted.Render(fmt.Sprintf("update %s", evt.Object))
	case sdk.TypeClose:
		return shared.RenderOK("session closed: " + shared.RenderRunStatus(evt.Reason))
	default:
		return shared.Muted.Render(evt.Type)
	}
}
