package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

// CommandConfig describes an external program that plays one role.
type CommandConfig struct {
	// Command is the program and its arguments.
	Command []string `mapstructure:"command"`
	// Timeout bounds a single invocation. Zero means no limit beyond ctx.
	Timeout time.Duration `mapstructure:"timeout"`
	// Env adds KEY=VALUE pairs to the inherited environment.
	Env []string `mapstructure:"env"`
	// Dir is the working directory.
	Dir string `mapstructure:"dir"`
}

// Command runs an external program per invocation. The request is written
// to stdin as JSON and a JSON Response is read from stdout. This is how
// LLM-backed agents are plugged in.
type Command struct {
	role Role
	cfg  CommandConfig
}

// NewCommand creates a command collaborator for role.
func NewCommand(role Role, cfg CommandConfig) (*Command, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.NewValidationError("collaborator command is empty").WithField(string(role))
	}
	return &Command{role: role, cfg: cfg}, nil
}

// Invoke runs the command once.
func (c *Command) Invoke(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, errors.NewCollaboratorError(string(c.role), "failed to encode request", err)
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), "PAPERREPRO_ROLE="+string(c.role))
	cmd.Env = append(cmd.Env, c.cfg.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren may hold the pipes open after a kill.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, errors.NewCollaboratorError(string(c.role), "command timed out",
				errors.NewTimeoutError(string(c.role), c.cfg.Timeout))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "command failed"
		}
		return Response{}, errors.NewCollaboratorError(string(c.role), msg, err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Response{}, errors.NewCollaboratorError(string(c.role),
			fmt.Sprintf("unparseable response %q", truncate(stdout.String(), 200)), err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
