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

// faird is the FAIR grading daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/azapg/FAIR/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file")
		tcpAddr      = flag.String("tcp", "", "TCP address to listen on")
		backendType  = flag.String("backend", "", "Storage backend (memory, sqlite)")
		dbPath       = flag.String("db-path", "", "SQLite database path")
		workflowsDir = flag.String("workflows-dir", "", "Directory of workflow manifests")
		inboxDir     = flag.String("inbox-dir", "", "Drop folder for submission intake")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("faird %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := daemon.Run(daemon.RunOptions{
		Version:      version,
		ConfigPath:   *configPath,
		TCPAddr:      *tcpAddr,
		BackendType:  *backendType,
		DBPath:       *dbPath,
		WorkflowsDir: *workflowsDir,
		InboxDir:     *inboxDir,
	})
	if err != nil {
		os.Exit(1)
	}
}
