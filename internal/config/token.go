package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// SaveToken stores the agent token (and id, when given) in the config file
// at path, keeping every other setting. Concurrent writers are serialized by
// a lock file next to it.
func SaveToken(path, agentID, token string) error {
	if token == "" {
		return errors.New("token is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read config: %w", err)
	}

	agent, _ := doc["agent"].(map[string]any)
	if agent == nil {
		agent = map[string]any{}
	}
	agent["token"] = token
	if agentID != "" {
		agent["id"] = agentID
	}
	doc["agent"] = agent

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeFileAtomic(path, out)
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp dest: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp dest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func DefaultOpenClawConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".openclaw", "openclaw.json")
	}
	return filepath.Join(home, ".openclaw", "openclaw.json")
}

// ReadOpenClawToken returns gateway.auth.token from OpenClaw's own config,
// or "" if the file is missing, unreadable or has no token.
func ReadOpenClawToken(path string) string {
	if path == "" {
		path = DefaultOpenClawConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var doc struct {
		Gateway struct {
			Auth struct {
				Token string `json:"token"`
			} `json:"auth"`
		} `json:"gateway"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Gateway.Auth.Token
}

// ResolveToken returns the configured token, falling back to OpenClaw's config.
func (o OpenClawConfig) ResolveToken() string {
	if o.Token != "" {
		return o.Token
	}
	return ReadOpenClawToken(o.ConfigPath)
}
