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

// Package plugins implements the `fair plugins` command group.
package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/azapg/FAIR/internal/commands/shared"
)

// NewCommand creates the plugins command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect the plugin catalog",
	}

	cmd.AddCommand(newListCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.ResolveClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			manifests, err := c.ListPlugins(ctx)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), manifests)
			}

			for _, m := range manifests {
				line := fmt.Sprintf("%s  %s %s",
					shared.Bold.Render(m.ID),
					shared.StatusInfo.Render(string(m.Kind)),
					shared.Muted.Render(m.Name))
				if m.Version != "" {
					line += shared.Muted.Render(" v" + m.Version)
				}
				cmd.Println(line)
			}
			return nil
		},
	}
}
