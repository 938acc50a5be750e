package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// CLIConfig configures the subprocess provider, which shells out to an
// external agent binary with a temp-file round-trip.
type CLIConfig struct {
	Binary          string
	Model           string
	ReasoningEffort string
	Timeout         time.Duration
	// OpenBridge routes the binary through a local ollama-compatible host
	// by injecting its URL into the child environment.
	OpenBridge    bool
	OpenBridgeURL string
}

// CLIAgent drives an external coding-agent binary as the provider.
type CLIAgent struct {
	runner
	cfg CLIConfig
}

// lookPath is a package-level var to allow test injection.
var lookPath = exec.LookPath

// NewCLIAgent creates the subprocess agent.
func NewCLIAgent(deps Deps, cfg CLIConfig) *CLIAgent {
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &CLIAgent{
		runner: runner{deps: deps, name: "cli"},
		cfg:    cfg,
	}
}

// CLIAvailable reports whether the configured binary is on PATH, used by
// the auto fallback policy.
func CLIAvailable(binary string) bool {
	if binary == "" {
		binary = "codex"
	}
	_, err := lookPath(binary)
	return err == nil
}

// Name implements Agent.
func (a *CLIAgent) Name() string { return "cli" }

// StartSession implements Agent.
func (a *CLIAgent) StartSession(ctx context.Context, sess *Session) error {
	return a.run(ctx, sess, a)
}

var tokenUsageLineRe = regexp.MustCompile(`(?m)^tokens used:?\s*([\d,]+)\s*$`)

func (a *CLIAgent) complete(ctx context.Context, sess *Session) (string, Usage, error) {
	dir, err := os.MkdirTemp("", "codemem-cli-")
	if err != nil {
		return "", Usage{}, fmt.Errorf("agent: cli temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	promptPath := filepath.Join(dir, "prompt.md")
	outputPath := filepath.Join(dir, "last-message.md")

	var prompt strings.Builder
	for _, turn := range sess.History {
		fmt.Fprintf(&prompt, "[%s]\n%s\n\n", turn.Role, turn.Text)
	}
	if err := os.WriteFile(promptPath, []byte(prompt.String()), 0600); err != nil {
		return "", Usage{}, fmt.Errorf("agent: cli write prompt: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	args := []string{"exec", "--output-last-message", outputPath}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	if a.cfg.ReasoningEffort != "" {
		args = append(args, "--config", "model_reasoning_effort="+a.cfg.ReasoningEffort)
	}
	if a.cfg.OpenBridge {
		args = append(args, "--oss")
	}
	args = append(args, "-")

	promptFile, err := os.Open(promptPath)
	if err != nil {
		return "", Usage{}, err
	}
	defer func() { _ = promptFile.Close() }()

	cmd := exec.CommandContext(runCtx, a.cfg.Binary, args...)
	cmd.Stdin = promptFile
	cmd.Env = os.Environ()
	if a.cfg.OpenBridge && a.cfg.OpenBridgeURL != "" {
		cmd.Env = append(cmd.Env, "OLLAMA_HOST="+a.cfg.OpenBridgeURL)
	}
	// Give the child a chance to flush its output file before a hard kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return "", Usage{}, wrapProviderErr(ErrTimeout, fmt.Errorf("agent: cli timed out after %s", a.cfg.Timeout))
		}
		if ctx.Err() != nil {
			return "", Usage{}, ctx.Err()
		}
		return "", Usage{}, wrapProviderErr(ErrUpstream,
			fmt.Errorf("agent: cli exited: %w: %s", err, strings.TrimSpace(string(stdout))))
	}

	final, err := os.ReadFile(outputPath)
	if err != nil || strings.TrimSpace(string(final)) == "" {
		return "", Usage{}, wrapProviderErr(ErrProviderEmpty, fmt.Errorf("agent: cli produced no final message"))
	}

	usage := parseTokenUsage(string(stdout))
	return string(final), usage, nil
}

// parseTokenUsage extracts the "tokens used: N" line from CLI output. The
// CLI reports only a total, so it is split 70/30 input/output for
// accounting.
func parseTokenUsage(output string) Usage {
	m := tokenUsageLineRe.FindStringSubmatch(output)
	if m == nil {
		return Usage{}
	}
	total, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return Usage{}
	}
	return SplitTotal(total)
}
