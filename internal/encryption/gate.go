package encryption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/rs/zerolog"
)

// StateFileName is the name of the persisted encryption state inside the backups directory.
const StateFileName = "enc-state.json"

// Gate caches the profile's encryption state. The first Load reads the state file;
// concurrent callers share that single read. A nil *State means encryption is disabled.
type Gate struct {
	path   string
	logger zerolog.Logger

	mu       sync.Mutex
	loaded   bool
	value    *State
	inflight *pendingLoad
}

type pendingLoad struct {
	done  chan struct{}
	value *State
}

// NewGate creates a gate over the state file at path.
func NewGate(path string, logger zerolog.Logger) *Gate {
	return &Gate{
		path:   path,
		logger: logger.With().Str("component", "encryption-gate").Logger(),
	}
}

// Path returns the state file location.
func (g *Gate) Path() string {
	return g.path
}

// Load returns the cached state, reading it from disk on first use. Read or parse
// failures resolve to disabled (nil) and are only logged. The only error returned
// is ctx's when the caller stops waiting.
func (g *Gate) Load(ctx context.Context) (*State, error) {
	g.mu.Lock()
	if g.loaded {
		v := g.value
		g.mu.Unlock()
		return v, nil
	}
	l := g.inflight
	if l == nil {
		l = &pendingLoad{done: make(chan struct{})}
		g.inflight = l
		go g.load(l)
	}
	g.mu.Unlock()

	select {
	case <-l.done:
		return l.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) load(l *pendingLoad) {
	st := g.readFile()

	g.mu.Lock()
	// A Store or Clear that landed while the file was being read wins.
	if g.inflight == l {
		g.value = st
		g.loaded = true
		g.inflight = nil
	}
	l.value = g.value
	g.mu.Unlock()
	close(l.done)
}

func (g *Gate) readFile() *State {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			g.logger.Debug().Str("path", g.path).Msg("No encryption state, encryption disabled")
		} else {
			g.logger.Warn().Err(err).Str("path", g.path).Msg("Failed to read encryption state, treating as disabled")
		}
		return nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		g.logger.Warn().Err(err).Str("path", g.path).Msg("Failed to parse encryption state, treating as disabled")
		return nil
	}
	if err := st.Validate(); err != nil {
		g.logger.Warn().Err(err).Str("path", g.path).Msg("Invalid encryption state, treating as disabled")
		return nil
	}
	return &st
}

// Store persists state and caches it.
func (g *Gate) Store(state *State) error {
	if state == nil {
		return fmt.Errorf("encryption state is nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal encryption state: %w", err)
	}
	if err := writeFileAtomic(g.path, data); err != nil {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to persist encryption state")
	}

	g.mu.Lock()
	g.value = state
	g.loaded = true
	g.inflight = nil
	g.mu.Unlock()
	return nil
}

// Clear deletes the state file, if present, and caches disabled.
func (g *Gate) Clear() error {
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return backuperr.Wrap(backuperr.KindFileSystem, err, "failed to delete encryption state")
	}

	g.mu.Lock()
	g.value = nil
	g.loaded = true
	g.inflight = nil
	g.mu.Unlock()
	return nil
}

// WriteStateFile serializes state into path without touching any gate. Used when
// recovery writes a freshly derived state into a new profile.
func WriteStateFile(path string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal encryption state: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
