package adapter

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
	"sync"
	"syscall"
	"time"

	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
)

// killGrace is how long a process gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

var defaultClaudeArgs = []string{
	"--print",
	"--verbose",
	"--output-format", "stream-json",
	"--input-format", "stream-json",
	"--include-partial-messages",
}

// ProcessHandle runs one Claude Code process per turn and parses its
// stream-json output.
type ProcessHandle struct {
	*emitter

	sessionID string
	command   string
	args      []string
	cfg       Config
	logger    logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	turnCancel context.CancelFunc
	idle       *time.Timer
}

func NewProcess(sessionID string, cfg Config) *ProcessHandle {
	args := cfg.Args
	if len(args) == 0 {
		args = defaultClaudeArgs
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &ProcessHandle{
		emitter:   newEmitter(),
		sessionID: sessionID,
		command:   cfg.command("claude"),
		args:      args,
		cfg:       cfg,
		logger:    cfg.logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.mu.Lock()
	h.idle = time.AfterFunc(cfg.idleTimeout(), h.idleExpired)
	h.mu.Unlock()
	return h
}

// userInput is one stream-json input line. The message is carried in both
// the flat and the nested form Claude Code accepts.
type userInput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// Send spawns a fresh process for the turn. Claude Code has no attachment
// input on stdin, so attachments are ignored.
func (h *ProcessHandle) Send(_ context.Context, requestID, text string, _ []protocol.Attachment) error {
	if h.terminated() {
		return ErrTerminated
	}

	h.mu.Lock()
	if h.turnCancel != nil {
		h.mu.Unlock()
		return ErrBusy
	}
	turnCtx, turnCancel := context.WithCancel(h.ctx)
	h.turnCancel = turnCancel
	h.mu.Unlock()
	h.touch()

	cmd := exec.CommandContext(turnCtx, h.command, h.args...)
	cmd.Dir = h.cfg.WorkDir
	cmd.Env = append(os.Environ(), h.cfg.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.endTurn()
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.endTurn()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.endTurn()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		h.endTurn()
		return fmt.Errorf("starting %s: %w", h.command, err)
	}

	in := userInput{Type: "user", Content: text}
	in.Message.Role = "user"
	in.Message.Content = text
	payload, err := json.Marshal(in)
	if err != nil {
		turnCancel()
		_ = cmd.Wait()
		h.endTurn()
		return err
	}
	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(append(payload, '\n')); err != nil {
			h.logger.Debug("write to agent stdin failed", "session_id", h.sessionID, "err", err.Error())
		}
	}()
	go h.logStderr(stderr)
	go h.runTurn(turnCtx, requestID, cmd, stdout)
	return nil
}

func (h *ProcessHandle) runTurn(ctx context.Context, requestID string, cmd *exec.Cmd, stdout io.Reader) {
	defer h.endTurn()

	scanner := bufio.NewScanner(stdout)
	// Tool results can produce long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var classifier streamClassifier
	finished := false
	for scanner.Scan() {
		h.touch()
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		events, err := classifier.classify(line)
		if err != nil {
			h.logger.Debug("ignoring agent output line", "session_id", h.sessionID, "request_id", requestID, "err", err.Error())
			continue
		}
		for _, ev := range events {
			if finished || ctx.Err() != nil {
				break
			}
			h.emit(requestID, ev)
			finished = ev.Terminal()
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		h.logger.Warn("reading agent output failed", "session_id", h.sessionID, "err", err.Error())
	}

	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		// Interrupted or terminated; the owner already knows.
	case waitErr != nil:
		msg := fmt.Sprintf("%s failed: %v", h.command, waitErr)
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("%s exited with code %d", h.command, exitErr.ExitCode())
		}
		if finished {
			h.logger.Warn("agent process exited abnormally after completing", "session_id", h.sessionID, "err", msg)
			return
		}
		h.emit(requestID, failure(protocol.CodeAdapterCrash, msg))
	case !finished:
		h.emit(requestID, done())
	}
}

func (h *ProcessHandle) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			h.logger.Debug("agent stderr", "session_id", h.sessionID, "line", string(line))
		}
	}
}

func (h *ProcessHandle) endTurn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.turnCancel != nil {
		h.turnCancel()
		h.turnCancel = nil
	}
}

// Interrupt stops the running process, if any. No terminal event follows.
func (h *ProcessHandle) Interrupt() {
	h.mu.Lock()
	cancel := h.turnCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *ProcessHandle) Terminate() {
	if !h.markDone() {
		return
	}
	h.mu.Lock()
	if h.idle != nil {
		h.idle.Stop()
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *ProcessHandle) touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idle != nil && !h.terminated() {
		h.idle.Reset(h.cfg.idleTimeout())
	}
}

func (h *ProcessHandle) idleExpired() {
	if h.terminated() {
		return
	}
	h.logger.Warn("session idle timeout, terminating", "session_id", h.sessionID, "after", h.cfg.idleTimeout().String())
	h.Terminate()
}
