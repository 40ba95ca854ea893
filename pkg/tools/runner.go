package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/executor"
)

// Command is one external process launch.
type Command struct {
	// Program is the executable name or path
	Program string

	// Args are passed verbatim, never through a shell
	Args []string

	// Env is appended to the current environment
	Env map[string]string

	// Dir is the working directory; empty means the current one
	Dir string

	// Group runs the process in its own process group so that
	// cancellation also kills the workers it forks
	Group bool
}

// String renders the command line for logs and diagnostics.
func (c Command) String() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

// Result holds the output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
	Duration time.Duration
}

// Runner executes a Command synchronously. A non-nil error means the
// process could not be started or exited non-zero; the Result is still
// populated with whatever output was captured.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner is the process backed Runner. Plain commands go through the
// catalyst executor; Group commands are started in a fresh process group.
type ExecRunner struct {
	// Stream, if set, receives the combined output while the process runs
	Stream io.Writer

	// WaitDelay bounds how long output pipes of a killed group are drained
	WaitDelay time.Duration
}

// NewExecRunner returns a Runner with default settings.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 5 * time.Second}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	combined := &lockedBuffer{}
	var shared io.Writer = combined
	if r.Stream != nil {
		shared = &lockedWriter{w: io.MultiWriter(combined, r.Stream)}
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	if c.Group {
		res, err = r.runGroup(ctx, c, shared)
	} else {
		res, err = execute(ctx, c, shared)
	}
	res.Combined = combined.String()
	res.Duration = time.Since(start)

	if err != nil {
		return res, fmt.Errorf("%s: %w", c.Program, err)
	}
	return res, nil
}

func execute(ctx context.Context, c Command, shared io.Writer) (*Result, error) {
	opts := []executor.Option{
		executor.WithCapture(true, true, false),
		executor.WithStdoutWriter(shared),
		executor.WithStderrWriter(shared),
	}
	if c.Dir != "" {
		opts = append(opts, executor.WithWorkingDir(c.Dir))
	}
	if len(c.Env) > 0 {
		opts = append(opts, executor.WithEnv(c.Env))
	}

	out, err := executor.New(c.Program, c.Args...).Execute(ctx, opts...)
	res := &Result{ExitCode: -1}
	if out != nil {
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
		res.ExitCode = out.ExitCode
	}
	return res, err
}

// runGroup starts c as the leader of a new process group and kills the
// whole group when ctx is done.
func (r *ExecRunner) runGroup(ctx context.Context, c Command, shared io.Writer) (*Result, error) {
	cmd := exec.Command(c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = r.WaitDelay
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}
	setGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, shared)
	cmd.Stderr = io.MultiWriter(&stderr, shared)

	if err := cmd.Start(); err != nil {
		return &Result{ExitCode: -1}, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		err = fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}
	if cmd.ProcessState != nil && ctx.Err() == nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res, err
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// lockedBuffer serialises the stdout and stderr copy goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
