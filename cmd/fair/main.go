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

// fair is the command line client for the FAIR grading daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	authcmd "github.com/azapg/FAIR/internal/commands/auth"
	"github.com/azapg/FAIR/internal/commands/plugins"
	"github.com/azapg/FAIR/internal/commands/sessions"
	"github.com/azapg/FAIR/internal/commands/shared"
	versioncmd "github.com/azapg/FAIR/internal/commands/version"
	"github.com/azapg/FAIR/internal/commands/workflows"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	shared.SetVersion(version, commit, buildDate)

	rootCmd := newRootCommand()

	rootCmd.AddCommand(sessions.NewCommand())
	rootCmd.AddCommand(workflows.NewCommand())
	rootCmd.AddCommand(plugins.NewCommand())
	rootCmd.AddCommand(authcmd.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, shared.RenderError(err.Error()))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fair",
		Short: "Grade submissions with the FAIR daemon",
		Long: `fair talks to a running faird daemon.

It starts grading sessions, streams their events, and manages
workflows, plugins and credentials. The daemon address comes from
--api-url, the ` + shared.EnvAPIURL + ` environment variable, or
defaults to the local daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	jsonOut, apiURL := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVar(jsonOut, "json", false, "output machine-readable JSON")
	cmd.PersistentFlags().StringVar(apiURL, "api-url", "", "daemon base URL (overrides "+shared.EnvAPIURL+")")

	return cmd
}
