package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Manager owns skill discovery, gating, and hot reload. It is safe for
// concurrent use once Discover has run.
type Manager struct {
	sources   []*DirSource
	overrides map[string]*Override
	logger    *slog.Logger

	mu       sync.RWMutex
	skills   map[string]*Skill
	eligible map[string]*Skill

	reloadMu sync.Mutex
	onReload []func()
	scanned  bool

	watcher     *fsnotify.Watcher
	watchPaths  map[string]struct{}
	watchMu     sync.Mutex
	watchWg     sync.WaitGroup
	watchCancel context.CancelFunc
}

// NewManager builds a manager scanning the configured directories plus
// <workspace>/skills, which wins name conflicts.
func NewManager(dirs []string, workspaceRoot string, overrides map[string]*Override, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	var sources []*DirSource
	for _, dir := range dirs {
		sources = append(sources, NewDirSource(dir, SourceConfigured, PriorityConfigured))
	}
	if workspaceRoot != "" {
		sources = append(sources, NewDirSource(filepath.Join(workspaceRoot, "skills"), SourceWorkspace, PriorityWorkspace))
	}
	return &Manager{
		sources:   sources,
		overrides: overrides,
		logger:    logger.With("component", "skills"),
		skills:    make(map[string]*Skill),
		eligible:  make(map[string]*Skill),
	}
}

// Discover scans all sources, refreshes the eligible set, and notifies
// reload subscribers on every scan after the first.
func (m *Manager) Discover(ctx context.Context) error {
	merged := discoverAll(ctx, m.sources, m.logger)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	gating := NewGatingContext(m.overrides)
	all := make([]*Skill, 0, len(merged))
	for _, skill := range merged {
		all = append(all, skill)
	}
	eligible := FilterEligible(all, gating)

	m.mu.Lock()
	m.skills = merged
	m.eligible = make(map[string]*Skill, len(eligible))
	for _, skill := range eligible {
		m.eligible[skill.Name] = skill
	}
	m.mu.Unlock()

	m.logger.Info("discovered skills",
		"total", len(merged),
		"eligible", len(eligible))

	if err := m.refreshWatches(); err != nil {
		m.logger.Warn("refresh skill watches failed", "error", err)
	}

	m.reloadMu.Lock()
	notify := m.scanned
	m.scanned = true
	subscribers := append([]func(){}, m.onReload...)
	m.reloadMu.Unlock()
	if notify {
		for _, fn := range subscribers {
			fn()
		}
	}
	return nil
}

// OnReload registers a callback invoked after each rescan triggered by
// the watcher (or a repeated Discover). The initial Discover does not
// fire it.
func (m *Manager) OnReload(fn func()) {
	if fn == nil {
		return
	}
	m.reloadMu.Lock()
	m.onReload = append(m.onReload, fn)
	m.reloadMu.Unlock()
}

// Get returns a discovered skill by name.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skill, ok := m.skills[name]
	return skill, ok
}

// GetEligible returns an eligible skill by name.
func (m *Manager) GetEligible(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skill, ok := m.eligible[name]
	return skill, ok
}

// Enabled reports whether a skill is enabled after config overrides.
// Unknown names report true; discovery decides existence.
func (m *Manager) Enabled(name string) bool {
	skill, ok := m.Get(name)
	if !ok {
		return true
	}
	return skill.IsEnabled(m.overrides)
}

// ListAll returns every discovered skill sorted by name.
func (m *Manager) ListAll() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.skills)
}

// ListEligible returns eligible skills sorted by name, optionally
// filtered to the given groups.
func (m *Manager) ListEligible(groups ...string) []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Skill
	for _, skill := range m.eligible {
		if skill.InGroups(groups) {
			out = append(out, skill)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IneligibleReasons explains why discovered skills were gated out.
func (m *Manager) IneligibleReasons() map[string]string {
	return IneligibleReasons(m.ListAll(), NewGatingContext(m.overrides))
}

// EnvFor returns the environment variables a skill's tools run with:
// the configured api_key under the skill's primary_env plus any env
// overrides. Values already present in the process environment are not
// included; the caller layers this over os.Environ.
func (m *Manager) EnvFor(name string) map[string]string {
	skill, ok := m.Get(name)
	if !ok {
		return nil
	}
	cfg, ok := m.overrides[name]
	if !ok {
		return nil
	}

	env := make(map[string]string)
	if cfg.APIKey != "" && skill.Metadata != nil && skill.Metadata.PrimaryEnv != "" {
		if _, exists := os.LookupEnv(skill.Metadata.PrimaryEnv); !exists {
			env[skill.Metadata.PrimaryEnv] = cfg.APIKey
		}
	}
	for k, v := range cfg.Env {
		if _, exists := os.LookupEnv(k); !exists {
			env[k] = v
		}
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

// StartWatching begins watching skill directories and rescanning on
// change. Rescans are debounced.
func (m *Manager) StartWatching(ctx context.Context) error {
	m.watchMu.Lock()
	if m.watcher != nil {
		m.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watchMu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	m.watcher = watcher
	m.watchPaths = make(map[string]struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	m.watchMu.Unlock()

	if err := m.refreshWatches(); err != nil {
		m.logger.Warn("initial skill watch refresh failed", "error", err)
	}

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx)
	return nil
}

// Close stops the watcher and waits for its goroutine.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.watchWg.Done()
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleRescan := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(defaultWatchDebounce, func() {
			if err := m.Discover(context.Background()); err != nil {
				m.logger.Warn("skill rescan failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					m.addWatchPath(event.Name)
				}
			}
			scheduleRescan()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("skill watch error", "error", err)
		}
	}
}

// refreshWatches reconciles the watched path set with the current
// source directories and skill directories.
func (m *Manager) refreshWatches() error {
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return nil
	}

	desired := make(map[string]struct{})
	for _, source := range m.sources {
		if path, ok := watchablePath(source.Path()); ok {
			desired[path] = struct{}{}
		}
	}
	m.mu.RLock()
	for _, skill := range m.skills {
		if path, ok := watchablePath(skill.Path); ok {
			desired[path] = struct{}{}
		}
	}
	m.mu.RUnlock()

	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	for path := range desired {
		if _, ok := m.watchPaths[path]; ok {
			continue
		}
		if err := watcher.Add(path); err != nil {
			m.logger.Debug("cannot watch path", "path", path, "error", err)
			continue
		}
		m.watchPaths[path] = struct{}{}
	}
	for path := range m.watchPaths {
		if _, ok := desired[path]; ok {
			continue
		}
		if err := watcher.Remove(path); err != nil {
			m.logger.Debug("cannot unwatch path", "path", path, "error", err)
		}
		delete(m.watchPaths, path)
	}
	return nil
}

func (m *Manager) addWatchPath(path string) {
	cleaned, ok := watchablePath(path)
	if !ok {
		return
	}
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher == nil {
		return
	}
	if _, exists := m.watchPaths[cleaned]; exists {
		return
	}
	if err := m.watcher.Add(cleaned); err != nil {
		m.logger.Debug("cannot watch path", "path", cleaned, "error", err)
		return
	}
	m.watchPaths[cleaned] = struct{}{}
}

func watchablePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return filepath.Clean(path), true
}

func sortedValues(skills map[string]*Skill) []*Skill {
	out := make([]*Skill, 0, len(skills))
	for _, skill := range skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
