// codemem-search: stdio JSON-RPC search bridge.
//
// An MCP server exposing search, timeline and get_observations over the
// worker's HTTP API. Stdout carries the JSON-RPC framing, so logging is
// redirected to stderr before anything else runs.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"

	"github.com/codemem/codemem/internal/bridge"
	"github.com/codemem/codemem/internal/config"
	"github.com/codemem/codemem/internal/logging"
)

func main() {
	// Stdout is the JSON-RPC byte stream; install stderr logging first.
	logging.InitBridge(slog.LevelInfo)

	settings := config.New(config.DataDir())
	workerURL := fmt.Sprintf("http://%s:%d",
		settings.Get(config.KeyWorkerHost), settings.GetInt(config.KeyWorkerPort))

	s := bridge.NewServer(bridge.Config{
		WorkerURL:    workerURL,
		WorkerBinary: findWorkerBinary(),
	})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// findWorkerBinary locates the worker for auto-start: next to this binary
// first, then on PATH.
func findWorkerBinary() string {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "codemem")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	if path, err := exec.LookPath("codemem"); err == nil {
		return path
	}
	return ""
}
