package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"ouro/pkg/protocol"
)

// Emit forwards one agent-produced message toward the supervisor.
type Emit func(protocol.Message)

// Result summarizes a finished task attempt.
type Result struct {
	Summary    string
	CostUSD    float64
	Rounds     int
	ToolCalls  int
	ToolErrors int
}

// TaskRunner executes a single task attempt. Implementations report
// progress and side requests through emit and return a
// *protocol.TransientError for failures that are worth retrying.
type TaskRunner interface {
	Run(ctx context.Context, task protocol.Task, emit Emit) (Result, error)
}

// ExecRunner runs the agent as a subprocess. The task is written to stdin
// as one JSON object; the agent answers with line-delimited protocol
// Messages on stdout. Lines that are not JSON are echoed to Log and reported
// to the context's progress hook (see WithProgress).
//
// USAGE lines accumulate cost and rounds, TASK_METRICS lines fill the tool
// counters, and the last SEND_MESSAGE text becomes the summary. All of them
// except TASK_METRICS are forwarded through emit.
//
// Exit code protocol.ExitRestart means the upstream failed transiently.
type ExecRunner struct {
	Command []string
	Dir     string
	Env     []string
	// Log receives stderr and non-protocol stdout. Defaults to os.Stderr.
	Log io.Writer
}

// Run starts the agent and blocks until it exits or ctx ends.
func (r *ExecRunner) Run(ctx context.Context, task protocol.Task, emit Emit) (Result, error) {
	if len(r.Command) == 0 {
		return Result{}, errors.New("exec runner: empty agent command")
	}
	input, err := json.Marshal(task)
	if err != nil {
		return Result{}, fmt.Errorf("marshal task: %w", err)
	}
	logw := r.Log
	if logw == nil {
		logw = os.Stderr
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...) //nolint:gosec // agent command comes from operator config
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	cmd.Stderr = logw
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start agent %s: %w", r.Command[0], err)
	}

	res := drainAgent(stdout, emit, logw, progressFunc(ctx))
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == protocol.ExitRestart {
			return res, &protocol.TransientError{Err: fmt.Errorf("agent %s exited %d", r.Command[0], protocol.ExitRestart)}
		}
		return res, fmt.Errorf("agent %s %s: %w", r.Command[0], strings.Join(r.Command[1:], " "), waitErr)
	}
	return res, nil
}

// drainAgent reads agent stdout until EOF.
func drainAgent(stdout io.Reader, emit Emit, logw io.Writer, progress func()) Result {
	var res Result
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg protocol.Message
		if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &msg) != nil || msg.Type == "" {
			fmt.Fprintln(logw, string(line))
			progress()
			continue
		}
		switch {
		case msg.Type == protocol.MsgUsage && msg.Usage != nil:
			res.CostUSD += msg.Usage.Usage.CostUSD
			res.Rounds++
		case msg.Type == protocol.MsgTaskMetrics && msg.TaskMetrics != nil:
			res.ToolCalls += msg.TaskMetrics.ToolCalls
			res.ToolErrors += msg.TaskMetrics.ToolErrors
			continue
		case msg.Type == protocol.MsgSendMessage && msg.SendMessage != nil:
			res.Summary = msg.SendMessage.Text
		}
		emit(msg)
	}
	return res
}

type progressKey struct{}

// WithProgress returns a context whose runners call fn for output that is
// not a protocol message, such as plain agent stdout.
func WithProgress(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

func progressFunc(ctx context.Context) func() {
	if fn, ok := ctx.Value(progressKey{}).(func()); ok && fn != nil {
		return fn
	}
	return func() {}
}

// FuncRunner adapts a function to TaskRunner.
type FuncRunner func(ctx context.Context, task protocol.Task, emit Emit) (Result, error)

// Run calls f.
func (f FuncRunner) Run(ctx context.Context, task protocol.Task, emit Emit) (Result, error) {
	return f(ctx, task, emit)
}
