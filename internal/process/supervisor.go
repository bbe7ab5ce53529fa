package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/config"
)

// State is the lifecycle state of the supervised daemon.
type State string

const (
	StateIdle     State = "idle"
	StateLaunched State = "launched"
	StateUp       State = "up"
	StateCrashed  State = "crashed"
	StateGaveUp   State = "gave_up"
)

const (
	defaultRestartDelay  = 5 * time.Second
	defaultStopGrace     = 10 * time.Second
	defaultProbeInterval = 30 * time.Second
	probeTimeout         = 5 * time.Second
	maxFailedProbes      = 3
	maxOutputLineLength  = 64 * 1024
	killReapTimeout      = 5 * time.Second
)

// ErrAlreadyRunning is returned by Start while the daemon is up.
var ErrAlreadyRunning = errors.New("process: daemon already running")

// Options configures a Supervisor.
type Options struct {
	// Name labels log entries, e.g. "canbridge".
	Name   string
	Binary string
	Args   []string

	Restart      bool
	RestartDelay time.Duration

	// MaxRestarts bounds consecutive restarts. 0 means unlimited.
	MaxRestarts int

	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	// Probe, when set, is called every ProbeInterval while the daemon runs.
	// Three consecutive failures kill the daemon so it can be restarted.
	Probe         func(ctx context.Context) error
	ProbeInterval time.Duration
}

// FromBridgeConfig maps the bridge section of the configuration to Options.
func FromBridgeConfig(cfg config.BridgeConfig) Options {
	return Options{
		Name:         "canbridge",
		Binary:       cfg.Binary,
		Args:         cfg.Args,
		Restart:      cfg.RestartOnFailure,
		RestartDelay: time.Duration(cfg.RestartDelaySeconds) * time.Second,
		MaxRestarts:  cfg.MaxRestartAttempts,
	}
}

// Logger is the logging interface used by the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Supervisor runs one bus bridge daemon and restarts it when it dies.
type Supervisor struct {
	opts   Options
	logger Logger

	mu       sync.RWMutex
	cmd      *exec.Cmd
	state    State
	restarts int
	lastErr  error
	started  time.Time
	stopping bool
	exited   chan struct{}
}

// New returns an idle supervisor with defaults applied to zero fields.
func New(opts Options) *Supervisor {
	if opts.Name == "" {
		opts.Name = "daemon"
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = defaultRestartDelay
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	return &Supervisor{opts: opts, logger: noopLogger{}, state: StateIdle}
}

// SetLogger sets the logger. Call before Start.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Start launches the daemon and keeps it alive until Stop or ctx ends.
// Only the first launch error is returned; later failures are logged.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateUp || s.state == StateLaunched {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateLaunched
	s.stopping = false
	s.restarts = 0
	s.exited = make(chan struct{})
	exited := s.exited
	s.mu.Unlock()

	if err := s.launch(ctx); err != nil {
		s.mu.Lock()
		s.state = StateCrashed
		s.lastErr = err
		s.mu.Unlock()
		close(exited)
		return err
	}

	go s.watch(ctx, exited)
	return nil
}

func (s *Supervisor) launch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.opts.Binary, s.opts.Args...) //nolint:gosec // binary comes from operator configuration
	// Own process group so Stop reaches any children the daemon forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching %s: %w", s.opts.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.state = StateUp
	s.started = time.Now()
	s.mu.Unlock()

	go s.forward("stdout", stdout)
	go s.forward("stderr", stderr)

	s.logger.Info("daemon launched", "name", s.opts.Name, "pid", cmd.Process.Pid, "args", s.opts.Args)
	return nil
}

// forward logs daemon output line by line.
func (s *Supervisor) forward(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxOutputLineLength)
	for scanner.Scan() {
		s.logger.Debug("daemon output", "name", s.opts.Name, "stream", stream, "line", scanner.Text())
	}
}

// wait returns when the daemon exits or stops answering probes.
func (s *Supervisor) wait(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	if s.opts.Probe == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	failed := 0
	for {
		select {
		case err := <-exitCh:
			return err
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := s.opts.Probe(probeCtx)
			cancel()
			if err == nil {
				failed = 0
				continue
			}
			failed++
			s.logger.Warn("daemon probe failed", "name", s.opts.Name, "error", err, "consecutive", failed)
			if failed < maxFailedProbes {
				continue
			}
			s.logger.Error("daemon unresponsive, killing", "name", s.opts.Name)
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			select {
			case <-exitCh:
			case <-time.After(killReapTimeout):
			}
			return fmt.Errorf("%s unresponsive after %d probes", s.opts.Name, failed)
		}
	}
}

func (s *Supervisor) watch(ctx context.Context, exited chan struct{}) {
	defer close(exited)

	for {
		s.mu.RLock()
		cmd := s.cmd
		s.mu.RUnlock()

		err := s.wait(ctx, cmd)

		s.mu.Lock()
		if s.stopping || ctx.Err() != nil {
			s.state = StateIdle
			s.mu.Unlock()
			s.logger.Info("daemon stopped", "name", s.opts.Name)
			return
		}
		s.state = StateCrashed
		s.lastErr = err
		s.restarts++
		attempt := s.restarts
		s.mu.Unlock()

		s.logger.Warn("daemon exited", "name", s.opts.Name, "error", err)

		if !s.opts.Restart {
			return
		}
		if s.opts.MaxRestarts > 0 && attempt > s.opts.MaxRestarts {
			s.setState(StateGaveUp)
			s.logger.Error("daemon restart limit reached", "name", s.opts.Name, "attempts", attempt-1)
			return
		}

		for {
			s.logger.Info("restarting daemon", "name", s.opts.Name, "attempt", attempt, "delay", s.opts.RestartDelay)
			select {
			case <-ctx.Done():
				s.setState(StateIdle)
				return
			case <-time.After(s.opts.RestartDelay):
			}
			if s.stopRequested() {
				s.setState(StateIdle)
				return
			}
			err := s.launch(ctx)
			if err == nil {
				break
			}
			s.logger.Error("daemon relaunch failed", "name", s.opts.Name, "error", err)

			s.mu.Lock()
			s.lastErr = err
			s.restarts++
			attempt = s.restarts
			s.mu.Unlock()
			if s.opts.MaxRestarts > 0 && attempt > s.opts.MaxRestarts {
				s.setState(StateGaveUp)
				return
			}
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) stopRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopping
}

// Stop sends SIGTERM to the daemon's process group, escalating to SIGKILL
// after the grace period, and waits for the supervisor to finish.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	exited := s.exited
	if exited == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	var pid int
	if s.state == StateUp && s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	if pid == 0 {
		<-exited
		return nil
	}

	s.logger.Info("stopping daemon", "name", s.opts.Name, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("SIGTERM failed", "name", s.opts.Name, "error", err)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(s.opts.StopGrace):
		s.logger.Warn("daemon ignored SIGTERM, killing", "name", s.opts.Name, "grace", s.opts.StopGrace)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing %s: %w", s.opts.Name, err)
	}
	<-exited
	return nil
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Name     string        `json:"name"`
	State    State         `json:"state"`
	PID      int           `json:"pid,omitempty"`
	Uptime   time.Duration `json:"uptime,omitempty"`
	Restarts int           `json:"restarts"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Status returns the current state of the daemon.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{Name: s.opts.Name, State: s.state, Restarts: s.restarts}
	if s.state == StateUp {
		if s.cmd != nil && s.cmd.Process != nil {
			st.PID = s.cmd.Process.Pid
		}
		st.Uptime = time.Since(s.started)
	}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	return st
}

// Running reports whether the daemon process is up.
func (s *Supervisor) Running() bool {
	return s.Status().State == StateUp
}
