package agentstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

// Process is one runtime subprocess with a protocol client wired to its
// pipes. Construction opens the pipes without starting anything, so the
// caller can attach handlers before the first byte is read.
type Process struct {
	cmd    *exec.Cmd
	client *Client
	stdin  io.WriteCloser
	stderr *boundedBuffer
	logger *logger.Logger

	finished <-chan struct{}

	waitOnce sync.Once
	waitErr  error
}

// NewProcess prepares the runtime invocation described by opts. The
// context bounds the subprocess lifetime once started.
func NewProcess(ctx context.Context, opts Options, log *logger.Logger) (*Process, error) {
	if log == nil {
		log = logger.Default()
	}
	if opts.Binary == "" {
		return nil, fmt.Errorf("runtime binary not configured")
	}

	cmd := exec.CommandContext(ctx, opts.Binary, opts.Args()...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime stdout: %w", err)
	}
	stderr := &boundedBuffer{limit: 64 * 1024}
	cmd.Stderr = stderr

	return &Process{
		cmd:    cmd,
		client: NewClient(stdin, stdout, log),
		stdin:  stdin,
		stderr: stderr,
		logger: log.WithFields(zap.String("component", "agent-process")),
	}, nil
}

// Start launches the subprocess and the stdout read loop.
func (p *Process) Start(ctx context.Context) error {
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runtime %q: %w", p.cmd.Path, err)
	}
	p.logger = p.logger.WithFields(zap.Int("pid", p.cmd.Process.Pid))
	p.logger.Info("runtime started",
		zap.String("binary", p.cmd.Path), zap.String("cwd", p.cmd.Dir))
	p.finished = p.client.Start(ctx)
	return nil
}

// Client returns the protocol client bound to the subprocess pipes.
func (p *Process) Client() *Client {
	return p.client
}

// Done closes when the stdout stream has drained, which trails the
// subprocess exiting or being killed.
func (p *Process) Done() <-chan struct{} {
	return p.finished
}

// Wait reaps the subprocess after the stream has drained. The stderr tail
// is folded into the error for diagnostics.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		if p.finished != nil {
			<-p.finished
		}
		p.client.Stop()
		err := p.cmd.Wait()
		if err != nil {
			if tail := p.stderr.String(); tail != "" {
				err = fmt.Errorf("%w: %s", err, tail)
			}
			p.logger.Warn("runtime exited with error", zap.Error(err))
		}
		p.waitErr = err
	})
	return p.waitErr
}

// Kill closes stdin and terminates the subprocess. The runtime treats
// stdin EOF as a shutdown request; the kill covers runtimes that do not.
func (p *Process) Kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Shutdown closes stdin and gives the runtime a grace period to exit
// before killing it.
func (p *Process) Shutdown(grace time.Duration) error {
	_ = p.stdin.Close()
	if p.finished != nil {
		select {
		case <-p.finished:
		case <-time.After(grace):
			p.logger.Warn("runtime ignored stdin close, killing", zap.Duration("grace", grace))
			p.Kill()
		}
	}
	return p.Wait()
}

// boundedBuffer keeps the last writes up to a fixed limit. Stderr is only
// read for error reporting, so old content is droppable.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len()+len(p) > b.limit {
		overflow := b.buf.Len() + len(p) - b.limit
		if overflow >= b.buf.Len() {
			b.buf.Reset()
		} else {
			b.buf.Next(overflow)
		}
	}
	if len(p) > b.limit {
		p = p[len(p)-b.limit:]
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
