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

// Package auth implements the `fair auth` command group: storing the
// API token in the system keychain and hashing tokens for the daemon's
// token file.
package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	daemonauth "github.com/azapg/FAIR/internal/daemon/auth"

	"github.com/azapg/FAIR/internal/commands/shared"
)

// NewCommand creates the auth command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage daemon credentials",
		Long: `Commands for daemon credentials.

login stores an API token in the system keychain (macOS Keychain,
Secret Service on Linux, Credential Manager on Windows); every other
fair command picks it up from there. The ` + shared.EnvAPIToken + `
environment variable bypasses the keychain when set.`,
	}

	cmd.AddCommand(newLoginCommand())
	cmd.AddCommand(newLogoutCommand())
	cmd.AddCommand(newHashCommand())

	return cmd
}

func newLoginCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API token in the system keychain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				cmd.Print("Token: ")
				reader := bufio.NewReader(cmd.InOrStdin())
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			if token == "" {
				return fmt.Errorf("token must not be empty")
			}

			if err := shared.StoreToken(token); err != nil {
				return err
			}

			// Best effort: confirm the token actually works.
			c, err := shared.ResolveClient()
			if err == nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				_, err = c.Health(ctx)
				cancel()
			}
			if err != nil {
				cmd.Println(shared.RenderWarn("token stored, but the daemon could not be reached to verify it"))
				return nil
			}

			cmd.Println(shared.RenderOK("token stored in system keychain"))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "API token (prompted when omitted)")

	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := shared.DeleteToken(); err != nil {
				return err
			}
			cmd.Println(shared.RenderOK("token removed from system keychain"))
			return nil
		},
	}
}

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [token]",
		Short: "Hash a token for the daemon's token file",
		Long: `Print the argon2id hash of a token.

Append the output to the daemon's auth token file; the daemon never
sees tokens in the clear. Pass the token as an argument or pipe it on
stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read token from stdin: %w", err)
				}
				token = strings.TrimSpace(string(data))
			}
			if token == "" {
				return fmt.Errorf("token must not be empty")
			}

			hash, err := daemonauth.HashToken(token)
			if err != nil {
				return err
			}
			cmd.Println(hash)
			return nil
		},
	}
}
