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

// Package workflows implements the `fair workflows` command group.
package workflows

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/commands/shared"
)

const requestTimeout = 10 * time.Second

// NewCommand creates the workflows command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Manage grading workflows",
		Long: `Commands for grading workflows.

A workflow binds a transcriber, validators and a grader into the
pipeline a session executes. Workflows are usually synced from YAML
manifests in the daemon's workflows directory; apply uploads one
directly.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newApplyCommand())
	cmd.AddCommand(newSchemaCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.ResolveClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			workflows, err := c.ListWorkflows(ctx)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), workflows)
			}

			if len(workflows) == 0 {
				cmd.Println(shared.Muted.Render("no workflows stored"))
				return nil
			}
			for _, wf := range workflows {
				cmd.Printf("%s  %s\n", shared.Bold.Render(wf.ID), shared.Muted.Render(wf.Name))
			}
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show one workflow's pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.ResolveClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			wf, err := c.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), wf)
			}

			printWorkflow(cmd, wf)
			return nil
		},
	}
}

func printWorkflow(cmd *cobra.Command, wf *backend.Workflow) {
	cmd.Println(shared.Header.Render(wf.ID))
	if wf.Name != "" {
		cmd.Printf("  %s %s\n", shared.RenderLabel("name:"), wf.Name)
	}
	if wf.Transcriber != nil {
		cmd.Printf("  %s %s\n", shared.RenderLabel("transcriber:"), wf.Transcriber.Plugin)
	}
	for _, v := range wf.Validators {
		cmd.Printf("  %s %s\n", shared.RenderLabel("validator:"), v.Plugin)
	}
	if wf.Grader != nil {
		cmd.Printf("  %s %s\n", shared.RenderLabel("grader:"), wf.Grader.Plugin)
	}
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the workflow definition JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.ResolveClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			schema, err := c.WorkflowSchema(ctx)
			if err != nil {
				return err
			}
			cmd.Println(string(schema))
			return nil
		},
	}
}

func newApplyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file.yaml>",
		Short: "Upload a workflow definition",
		Long: `Upload a YAML workflow definition to the daemon.

The definition is validated against the plugin registry before it is
stored; an existing workflow with the same id is replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			c, err := shared.ResolveClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			wf, err := c.CreateWorkflowYAML(ctx, data)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), wf)
			}
			cmd.Println(shared.RenderOK(fmt.Sprintf("workflow %s stored", shared.Bold.Render(wf.ID))))
			return nil
		},
	}
}
