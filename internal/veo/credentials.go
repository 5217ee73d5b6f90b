package veo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrNoCredentials is returned when no API key is available.
var ErrNoCredentials = errors.New("no API key selected")

// Credentials supplies the vendor API key at the moment it is needed.
type Credentials interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticCredentials is a fixed key, typically read from configuration.
type StaticCredentials string

func (s StaticCredentials) APIKey(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredentials
	}
	return string(s), nil
}

// PromptCredentials asks for a key on first use and remembers the answer.
type PromptCredentials struct {
	in  *bufio.Reader
	out io.Writer

	mu  sync.Mutex
	key string
}

// NewPromptCredentials prompts on out and reads the key from in.
func NewPromptCredentials(in io.Reader, out io.Writer) *PromptCredentials {
	return &PromptCredentials{in: bufio.NewReader(in), out: out}
}

func (p *PromptCredentials) APIKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != "" {
		return p.key, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprint(p.out, "API key: ")
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read API key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", ErrNoCredentials
	}
	p.key = key
	return key, nil
}

// SelectableCredentials holds a key chosen at runtime. The selection can be
// cleared when the vendor rejects it, forcing the user to pick another.
type SelectableCredentials struct {
	mu  sync.RWMutex
	key string
}

// NewSelectableCredentials returns credentials preselected with key, which
// may be empty.
func NewSelectableCredentials(key string) *SelectableCredentials {
	return &SelectableCredentials{key: strings.TrimSpace(key)}
}

func (s *SelectableCredentials) APIKey(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == "" {
		return "", ErrNoCredentials
	}
	return s.key, nil
}

// HasSelected reports whether a key is currently selected.
func (s *SelectableCredentials) HasSelected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != ""
}

// Select replaces the current key.
func (s *SelectableCredentials) Select(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("API key must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	return nil
}

// Clear drops the current key.
func (s *SelectableCredentials) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = ""
}
