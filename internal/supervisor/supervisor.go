// Package supervisor runs a launch spec as a child process, streams its
// output and reports how it ended.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/launch"
	"github.com/provide-io/kiln/pkg/logging"
)

// DefaultGracePeriod is how long Stop waits after the termination signal
// before killing the process.
const DefaultGracePeriod = 10 * time.Second

// Stream identifies where a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of child output.
type Line struct {
	Stream Stream
	Text   string
	Time   time.Time
}

// State is the terminal state of a process.
type State int

const (
	// Exited means the process ended on its own with status 0.
	Exited State = iota
	// Crashed means the process ended on its own with a non-zero status or
	// a signal nobody asked for.
	Crashed
	// Killed means the process was stopped by Stop or context cancellation.
	Killed
)

func (s State) String() string {
	switch s {
	case Exited:
		return "exited"
	case Crashed:
		return "crashed"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Status describes how a process ended.
type Status struct {
	State    State
	Code     int
	Signal   string
	Err      error
	Duration time.Duration
}

func (s Status) String() string {
	switch {
	case s.Signal != "":
		return fmt.Sprintf("%s (%s)", s.State, s.Signal)
	case s.State == Killed:
		return s.State.String()
	default:
		return fmt.Sprintf("%s (code %d)", s.State, s.Code)
	}
}

// Option configures Start.
type Option func(*config)

type config struct {
	logger     hclog.Logger
	grace      time.Duration
	lineBuffer int
	stdin      io.Reader
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithGracePeriod sets the delay between the termination signal and the
// kill used on context cancellation.
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithLineBuffer sets how many output lines may queue before the child's
// writes block.
func WithLineBuffer(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.lineBuffer = n
		}
	}
}

// WithStdin connects the child's standard input.
func WithStdin(r io.Reader) Option {
	return func(c *config) { c.stdin = r }
}

// Process is a supervised child.
type Process struct {
	// ID tags every log line of this launch.
	ID string

	cmd    *exec.Cmd
	logger hclog.Logger
	grace  time.Duration
	start  time.Time

	lines chan Line
	done  chan Status

	mu        sync.Mutex
	stopping  bool
	signalled bool
	exited    chan struct{}
	status    Status
}

// Start spawns spec. Lines must be drained or the child blocks once the
// line buffer is full.
func Start(ctx context.Context, spec *launch.Spec, opts ...Option) (*Process, error) {
	cfg := config{grace: DefaultGracePeriod, lineBuffer: 256}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	logger := logging.OrNull(cfg.logger).Named("supervisor").With("launch_id", id)

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdin = cfg.stdin
	configureCommand(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, kilnerr.ProcessSpawnFailed(spec.Executable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, kilnerr.ProcessSpawnFailed(spec.Executable, err)
	}

	if spec.Dir != "" {
		if err := os.MkdirAll(spec.Dir, 0755); err != nil {
			return nil, kilnerr.ProcessSpawnFailed(spec.Executable, err)
		}
	}

	logger.Info("🚀 Starting process", "path", spec.Executable, "dir", spec.Dir)
	logger.Debug("🚀 Full command with args", "args", spec.Redacted().Args)

	if err := cmd.Start(); err != nil {
		logger.Error("❌ Failed to start process", "error", err)
		return nil, kilnerr.ProcessSpawnFailed(spec.Executable, err)
	}

	p := &Process{
		ID:     id,
		cmd:    cmd,
		logger: logger,
		grace:  cfg.grace,
		start:  time.Now(),
		lines:  make(chan Line, cfg.lineBuffer),
		done:   make(chan Status, 1),
		exited: make(chan struct{}),
	}
	logger.Debug("✅ Process started", "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(&readers, stdout, Stdout)
	go p.pump(&readers, stderr, Stderr)

	go func() {
		readers.Wait()
		close(p.lines)
		p.finish(cmd.Wait())
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("⏹️ Context cancelled, stopping process")
			p.Stop(p.grace)
		case <-p.exited:
		}
	}()

	return p, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Lines streams stdout and stderr lines. It closes when both pipes reach
// EOF.
func (p *Process) Lines() <-chan Line {
	return p.lines
}

// Done delivers the terminal status once and then closes.
func (p *Process) Done() <-chan Status {
	return p.done
}

// Wait blocks until the process ends and returns its status.
func (p *Process) Wait() Status {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stop asks the process to terminate and kills it if it is still running
// after grace. It returns once the process has ended.
func (p *Process) Stop(grace time.Duration) Status {
	p.mu.Lock()
	alreadyStopping := p.stopping
	p.stopping = true
	p.mu.Unlock()

	if !alreadyStopping {
		p.logger.Info("⏹️ Stopping process", "grace", grace)
		if !p.signal(terminate) {
			return p.Wait()
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.logger.Warn("⚠️ Process ignored termination, killing", "pid", p.cmd.Process.Pid)
			p.signal(kill)
		}
	}
	return p.Wait()
}

// signal delivers a termination signal unless the process has already
// ended. Only a delivered signal makes the final state Killed.
func (p *Process) signal(send func(*exec.Cmd) error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
		return false
	default:
	}
	if err := send(p.cmd); err != nil {
		p.logger.Debug("⚠️ Signal not delivered", "error", err)
		return false
	}
	p.signalled = true
	return true
}

func (p *Process) pump(wg *sync.WaitGroup, r io.Reader, stream Stream) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.lines <- Line{Stream: stream, Text: scanner.Text(), Time: time.Now()}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug("⚠️ Output stream ended with error", "stream", stream.String(), "error", err)
	}
	// keep draining so the child never blocks on a full pipe
	io.Copy(io.Discard, r)
}

func (p *Process) finish(waitErr error) {
	p.mu.Lock()
	st := exitStatus(waitErr, p.signalled)
	st.Duration = time.Since(p.start)
	p.status = st
	close(p.exited)
	p.mu.Unlock()

	switch st.State {
	case Exited:
		p.logger.Info("✅ Process exited", "code", st.Code, "duration", st.Duration.Round(time.Millisecond))
	case Killed:
		p.logger.Info("⏹️ Process stopped", "duration", st.Duration.Round(time.Millisecond))
	default:
		p.logger.Warn("💥 Process crashed", "code", st.Code, "signal", st.Signal)
	}

	p.done <- st
	close(p.done)
}

// exitStatus classifies the result of Wait. A process that received a
// signal from Stop is Killed however it then ended.
func exitStatus(waitErr error, signalled bool) Status {
	var st Status
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		st.State = Exited
	case errors.As(waitErr, &exitErr):
		st.Code = exitErr.ExitCode()
		st.Signal = signalName(exitErr)
		st.State = Crashed
	default:
		st.State = Crashed
		st.Code = -1
		st.Err = waitErr
	}
	if signalled {
		st.State = Killed
	}
	return st
}

// mergeEnv applies KEY=VALUE overrides to base, replacing existing keys.
func mergeEnv(base, overrides []string) []string {
	if len(overrides) == 0 {
		return base
	}
	index := make(map[string]int, len(base))
	out := append([]string(nil), base...)
	for i, kv := range out {
		key, _, _ := strings.Cut(kv, "=")
		index[envKey(key)] = i
	}
	for _, kv := range overrides {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[envKey(key)]; ok {
			out[i] = kv
			continue
		}
		index[envKey(key)] = len(out)
		out = append(out, kv)
	}
	return out
}
