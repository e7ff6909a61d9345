package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Registry holds the known agent definitions.
type Registry struct {
	dir    string
	logger zerolog.Logger

	mu     sync.RWMutex
	agents map[string]*Definition
}

// NewRegistry creates a registry for definitions stored in dir. dir may
// be empty for registries filled through Register.
func NewRegistry(dir string, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:    dir,
		logger: logger.With().Str("component", "agents").Logger(),
		agents: make(map[string]*Definition),
	}
}

func isDefinitionFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Load reads every definition file in the directory. Valid files are
// registered even when others fail; the failures are returned joined.
func (r *Registry) Load() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn().Str("dir", r.dir).Msg("agents directory does not exist")
			return nil
		}
		return fmt.Errorf("failed to read agents directory: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		if err := r.loadFile(filepath.Join(r.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info().Int("count", len(r.List())).Msg("agents loaded")
	return errors.Join(errs...)
}

func (r *Registry) loadFile(path string) error {
	def, err := LoadDefinition(path)
	if err != nil {
		return err
	}
	r.Register(def)
	return nil
}

// Register adds or replaces def.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	r.agents[def.Name] = def
	r.mu.Unlock()
}

// Get returns the named agent.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return def, nil
}

// List returns all agents sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.agents))
	for _, d := range r.agents {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) removePath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.agents {
		if d.Path == path {
			delete(r.agents, name)
			r.logger.Info().Str("agent", name).Msg("agent removed")
		}
	}
}

// Watch reloads definitions as files in the directory change, until ctx
// is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return fmt.Errorf("registry has no directory to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				r.handleEvent(ev)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error().Err(err).Msg("watcher error")
			}
		}
	}()
	return nil
}

func (r *Registry) handleEvent(ev fsnotify.Event) {
	if !isDefinitionFile(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		r.removePath(ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		r.removePath(ev.Name)
		if err := r.loadFile(ev.Name); err != nil {
			r.logger.Warn().Err(err).Str("path", ev.Name).Msg("agent reload failed")
			return
		}
		r.logger.Info().Str("path", ev.Name).Msg("agent reloaded")
	}
}
