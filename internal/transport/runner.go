package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Command is an external program invocation.
type Command struct {
	Name string
	Args []string
	// Env is appended to the process environment.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Process is a started command whose output is read line by line.
type Process interface {
	// Lines yields stdout split on newlines and carriage returns. The channel
	// closes when the output ends.
	Lines() <-chan string
	Kill() error
	Wait() error
}

// Runner starts external commands.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
	// Run executes cmd to completion and returns its combined output.
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExitError reports a non-zero exit with the tail of stderr.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// ExitCode extracts the exit status from an error returned by Wait or Run,
// or -1 when the command did not exit normally.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	out, err := r.command(ctx, c).CombinedOutput()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return out, &ExitError{Code: ee.ExitCode(), Stderr: tail(string(out))}
		}
		return out, fmt.Errorf("%s: %w", c.Name, err)
	}
	return out, nil
}

// Start implements Runner.
func (r ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	cmd := r.command(ctx, c)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, lines: make(chan string, 64)}
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}
	go p.pump(stdout)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	lines  chan string
	stderr lockedBuffer
}

func (p *execProcess) pump(r io.Reader) {
	defer close(p.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanCRLF)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
}

func (p *execProcess) Lines() <-chan string { return p.lines }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	// drain so the pump can finish before Wait closes the pipe
	for range p.lines {
	}
	err := p.cmd.Wait()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return &ExitError{Code: ee.ExitCode(), Stderr: tail(p.stderr.String())}
		}
	}
	return err
}

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

// scanCRLF splits on \n and on the bare \r rsync uses to redraw progress.
func scanCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		adv := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			adv++
		}
		return adv, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " ")
}
