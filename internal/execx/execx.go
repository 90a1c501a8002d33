// Package execx runs host commands behind an interface so backends can be
// tested without touching real networking.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner abstracts command execution.
type Runner interface {
	// Run executes name with args, feeding stdin when it is non-empty.
	Run(ctx context.Context, stdin string, name string, args ...string) error
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// Command is one recorded invocation.
type Command struct {
	Name  string
	Args  []string
	Stdin string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Recorder remembers commands instead of running them. It backs dry runs
// and tests.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	// Fail, when set, is returned for commands whose name matches.
	Fail map[string]error
}

func (r *Recorder) Run(_ context.Context, stdin string, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, Command{Name: name, Args: append([]string(nil), args...), Stdin: stdin})
	if err, ok := r.Fail[name]; ok {
		return err
	}
	return nil
}

// Commands returns a copy of everything recorded so far.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}
