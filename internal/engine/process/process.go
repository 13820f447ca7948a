// Package process drives an external agent CLI that speaks newline-delimited
// stream-json on stdin and stdout. One subprocess serves one session at a
// time; switching sessions restarts it with --resume.
package process

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

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

// protocolFlags select the stream-json transport. They follow any
// user-supplied arguments.
var protocolFlags = []string{
	"--output-format", "stream-json",
	"--input-format", "stream-json",
	"--verbose",
	"--include-partial-messages",
}

const (
	maxLineBytes = 1024 * 1024
	stderrTail   = 4096
)

// ErrProcessExited reports a subprocess that ended in the middle of a turn.
var ErrProcessExited = errors.New("engine process exited")

// Config configures a Connector.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	// Env is appended to the relay's own environment.
	Env []string
}

// FromModel maps the env-loaded engine config.
func FromModel(cfg model.ProcessEngineConfig) Config {
	return Config{Command: cfg.Command, Args: cfg.Args, WorkDir: cfg.WorkDir}
}

// Connector is an engine.Connector for stream-json subprocesses. Processes
// start lazily on the first query of a connection.
type Connector struct {
	cfg Config
}

func NewConnector(cfg Config) (*Connector, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("process engine: command is empty")
	}
	return &Connector{cfg: cfg}, nil
}

func (c *Connector) Connect(ctx context.Context, opts engine.ConnectOptions) (engine.Client, error) {
	return &Client{cfg: c.cfg, slot: opts.Slot, connected: true}, nil
}

// Client is one pooled connection; it owns at most one subprocess.
type Client struct {
	cfg  Config
	slot int

	mu        sync.Mutex
	connected bool
	proc      *proc
	// session is the engine session the running process is bound to.
	session string
	busy    bool
}

func (c *Client) Query(ctx context.Context, req engine.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return engine.ErrNotConnected
	}
	if c.busy {
		return fmt.Errorf("process engine: query while another response is in flight")
	}

	line, err := EncodeUser(req.SessionID, req.Content)
	if err != nil {
		return fmt.Errorf("process engine: %w", err)
	}

	if c.proc != nil && (c.proc.exited() || req.SessionID != c.session) {
		c.proc.stop()
		_ = c.proc.wait(ctx)
		c.proc = nil
	}
	if c.proc == nil {
		p, err := startProc(c.cfg, req.SessionID, c.slot)
		if err != nil {
			return err
		}
		c.proc = p
		c.session = req.SessionID
	}

	if err := c.proc.write(line); err != nil {
		c.proc.stop()
		c.proc = nil
		return fmt.Errorf("process engine: write query: %w", err)
	}
	c.busy = true
	return nil
}

func (c *Client) ReceiveResponse(ctx context.Context) (*schema.StreamReader[engine.Message], error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, engine.ErrNotConnected
	}
	p := c.proc
	if !c.busy || p == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("process engine: no pending query")
	}
	c.mu.Unlock()

	sr, sw := schema.Pipe[engine.Message](64)
	go func() {
		defer func() {
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
			sw.Close()
		}()
		// Keep consuming after the reader goes away so the next turn starts
		// on a clean stream.
		closed := false
		for {
			select {
			case m, ok := <-p.msgs:
				if !ok {
					if !closed {
						sw.Send(nil, fmt.Errorf("%w: %s", ErrProcessExited, p.exitReason()))
					}
					return
				}
				if sid := m.Session(); sid != "" {
					c.bind(p, sid)
				}
				if !closed {
					closed = sw.Send(m, nil)
				}
				if _, done := m.(engine.ResultMessage); done {
					return
				}
			case <-ctx.Done():
				// The rest of the turn is unread, so the process cannot
				// serve another query.
				c.discard(p)
				if !closed {
					sw.Send(nil, ctx.Err())
				}
				return
			}
		}
	}()
	return sr, nil
}

func (c *Client) bind(p *proc, sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == p {
		c.session = sid
	}
}

func (c *Client) discard(p *proc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.stop()
	if c.proc == p {
		c.proc = nil
		c.session = ""
	}
}

func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return engine.ErrNotConnected
	}
	if c.proc == nil || !c.busy {
		return nil
	}
	line, err := EncodeInterrupt("req_" + uuid.NewString())
	if err != nil {
		return err
	}
	if err := c.proc.write(line); err != nil {
		// A process that cannot take the request is killed; the pending
		// response then ends with ErrProcessExited.
		logx.Warn().Err(err).Int("slot", c.slot).Msg("interrupt write failed; killing engine process")
		c.proc.stop()
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.session = ""
	if c.proc == nil {
		return nil
	}
	p := c.proc
	c.proc = nil
	p.stop()
	return p.wait(ctx)
}

type proc struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	slot   int

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	msgs chan engine.Message
	done chan struct{}

	stderr  *tailBuffer
	waitErr error
}

func startProc(cfg Config, resume string, slot int) (*proc, error) {
	args := append([]string{}, cfg.Args...)
	args = append(args, protocolFlags...)
	if resume != "" {
		args = append(args, "--resume", resume)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("process engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("process engine: stdout pipe: %w", err)
	}
	p := &proc{
		cmd:    cmd,
		ctx:    ctx,
		cancel: cancel,
		slot:   slot,
		stdin:  stdin,
		msgs:   make(chan engine.Message, 64),
		done:   make(chan struct{}),
		stderr: &tailBuffer{max: stderrTail},
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("process engine: start %s: %w", cfg.Command, err)
	}
	logx.Info().
		Int("slot", slot).
		Int("pid", cmd.Process.Pid).
		Str("resume", resume).
		Msg("engine process started")

	go p.readLoop(stdout)
	return p, nil
}

func (p *proc) readLoop(stdout io.Reader) {
	defer close(p.done)
	defer close(p.msgs)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		m, err := Decode(line)
		if err != nil {
			logx.Warn().Err(err).Int("slot", p.slot).Msg("skipping undecodable engine output")
			continue
		}
		if m == nil {
			continue
		}
		select {
		case p.msgs <- m:
			continue
		case <-p.ctx.Done():
		}
		break
	}
	if err := scanner.Err(); err != nil {
		logx.Warn().Err(err).Int("slot", p.slot).Msg("engine stdout read failed")
	}
	p.waitErr = p.cmd.Wait()
	logx.Debug().Err(p.waitErr).Int("slot", p.slot).Msg("engine process exited")
}

func (p *proc) write(line []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	_, err := p.stdin.Write(line)
	return err
}

func (p *proc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *proc) exitReason() string {
	<-p.done
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		return tail
	}
	if p.waitErr != nil {
		return p.waitErr.Error()
	}
	return "end of output"
}

func (p *proc) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *proc) stop() {
	p.stdinMu.Lock()
	_ = p.stdin.Close()
	p.stdinMu.Unlock()
	p.cancel()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
