package adapter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	TypeClaude   = "claude"
	TypeCodex    = "codex"
	TypeOpenClaw = "openclaw"
	TypeGemini   = "gemini"
)

var (
	ErrUnsupportedType = errors.New("unsupported agent type")
	ErrUnavailable     = errors.New("agent backend unavailable")
)

// Types lists the agent types the bridge can drive.
func Types() []string {
	return []string{TypeClaude, TypeCodex, TypeOpenClaw}
}

// Normalize canonicalizes a declared agent type.
func Normalize(agentType string) string {
	return strings.ToLower(strings.TrimSpace(agentType))
}

// New opens a handle for sessionID on the backend named by agentType.
func New(agentType, sessionID string, cfg Config) (Handle, error) {
	switch Normalize(agentType) {
	case TypeClaude:
		return NewProcess(sessionID, cfg), nil
	case TypeCodex:
		return NewMCP(sessionID, cfg), nil
	case TypeOpenClaw:
		return NewSocket(sessionID, cfg), nil
	case TypeGemini:
		return nil, fmt.Errorf("%w: %s is not implemented yet", ErrUnsupportedType, agentType)
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedType, agentType, strings.Join(Types(), ", "))
	}
}

// Probe checks that the backend for agentType can be reached before the
// bridge advertises it.
func Probe(ctx context.Context, agentType string, cfg Config) error {
	switch t := Normalize(agentType); t {
	case TypeClaude, TypeCodex:
		bin := cfg.command(t)
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s not found on PATH", ErrUnavailable, bin)
		}
		return nil
	case TypeOpenClaw:
		if err := ProbeOpenClaw(ctx, cfg.GatewayURL); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	default:
		_, err := New(agentType, "", cfg)
		return err
	}
}

// Capabilities is what a bridge declares in its register frame.
func Capabilities(agentType string) []string {
	switch Normalize(agentType) {
	case TypeClaude, TypeCodex:
		return []string{"chat", "code"}
	default:
		return []string{"chat"}
	}
}
