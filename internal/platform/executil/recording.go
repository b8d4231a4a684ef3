package executil

import (
	"context"
	"sync"
)

// RecordedCommand captures a command that was executed.
type RecordedCommand struct {
	Cmd  string
	Args []string
}

// RecordingExecutor captures commands for testing.
// Handle, when set, computes the result of each call; otherwise Outputs and
// Errors are consulted by command name.
type RecordingExecutor struct {
	mu       sync.Mutex
	Commands []RecordedCommand

	Handle func(ctx context.Context, cmd string, args []string) ([]byte, error)

	// Outputs maps command names to their stdout.
	Outputs map[string][]byte

	// Errors maps command names to their error.
	Errors map[string]error
}

// Output records the command and returns the configured output/error.
func (e *RecordingExecutor) Output(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	e.mu.Lock()
	e.Commands = append(e.Commands, RecordedCommand{Cmd: cmd, Args: append([]string(nil), args...)})
	handle := e.Handle
	var out []byte
	var err error
	if e.Outputs != nil {
		out = e.Outputs[cmd]
	}
	if e.Errors != nil {
		err = e.Errors[cmd]
	}
	e.mu.Unlock()

	if handle != nil {
		return handle(ctx, cmd, args)
	}
	return out, err
}

// Calls returns a copy of the recorded commands.
func (e *RecordingExecutor) Calls() []RecordedCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RecordedCommand(nil), e.Commands...)
}

// Count returns how many times cmd was executed.
func (e *RecordingExecutor) Count(cmd string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.Commands {
		if c.Cmd == cmd {
			n++
		}
	}
	return n
}

// Reset clears recorded commands.
func (e *RecordingExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Commands = nil
}
