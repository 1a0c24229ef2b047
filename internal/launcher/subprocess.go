package launcher

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
)

// SubprocessStrategy spawns each instance as a child process running the
// standalone service entry. Coordination with the child happens solely over
// the bus; the strategy only watches the process handle.
type SubprocessStrategy struct {
	entry      config.ServiceEntry
	binary     string
	configFile string
	runnerID   string
	parentName string
	logger     zerolog.Logger
}

// NewSubprocessStrategy builds the subprocess launch strategy for one
// descriptor. binary is the resolved executable: the bundled service entry
// for internal module paths, the registry-mapped path otherwise.
func NewSubprocessStrategy(entry config.ServiceEntry, binary, configFile, runnerID, parentName string, logger zerolog.Logger) *SubprocessStrategy {
	return &SubprocessStrategy{
		entry:      entry,
		binary:     binary,
		configFile: configFile,
		runnerID:   runnerID,
		parentName: parentName,
		logger:     logger.With().Str("runner", entry.ServiceID()).Logger(),
	}
}

// Launch implements Strategy.
func (s *SubprocessStrategy) Launch(ctx context.Context, attempt int) (Handle, error) {
	// Flags first: the entry's flag parsing stops at the first positional.
	var args []string
	if s.entry.IsInternal() {
		args = append(args, "--type", s.entry.Type)
	}
	if s.runnerID != "" {
		args = append(args, "--runner-id", s.runnerID)
	}
	if s.parentName != "" {
		args = append(args, "--parent-name", s.parentName)
	}
	if s.configFile != "" {
		args = append(args, s.configFile)
	}
	args = append(args, s.entry.Variant)

	cmd := exec.Command(s.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("binary", s.binary).Strs("args", args).Msg("spawning service process")
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &subprocessHandle{
		cmd:      cmd,
		logger:   s.logger.With().Int("pid", cmd.Process.Pid).Logger(),
		exited:   make(chan ExitResult, 1),
		waitDone: make(chan struct{}),
	}
	go h.relay(stdout)
	go h.relay(stderr)
	go h.wait()
	return h, nil
}

type subprocessHandle struct {
	cmd      *exec.Cmd
	logger   zerolog.Logger
	exited   chan ExitResult
	waitDone chan struct{}

	mu       sync.Mutex
	stopping bool
}

// relay forwards one line of child output at a time into the launcher log.
func (h *subprocessHandle) relay(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.logger.Info().Msg(scanner.Text())
	}
}

func (h *subprocessHandle) wait() {
	err := h.cmd.Wait()
	close(h.waitDone)

	h.mu.Lock()
	stopping := h.stopping
	h.mu.Unlock()
	if stopping {
		return
	}

	result := ExitResult{Code: 0}
	if err != nil {
		result.Code = -1
		result.Err = err
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.Err = nil
			result.Code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				result.Signaled = true
				result.Code = 128 + int(ws.Signal())
			}
		}
	}
	h.logger.Info().Int("code", result.Code).Bool("signaled", result.Signaled).Msg("service process exited")
	h.exited <- result
}

// Stop terminates the child gracefully: TERM, then KILL once the context
// deadline passes.
func (h *subprocessHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	select {
	case <-h.waitDone:
		return nil
	case <-ctx.Done():
	}

	h.logger.Warn().Msg("process did not terminate in grace window, killing")
	_ = h.cmd.Process.Kill()
	<-h.waitDone
	return nil
}

func (h *subprocessHandle) Exited() <-chan ExitResult { return h.exited }

func (h *subprocessHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
