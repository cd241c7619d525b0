package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads skill definitions from a directory of YAML files and
// serves them from an immutable in-memory map. Reload builds a fresh map
// and swaps it atomically; readers never observe a partial set.
type Loader struct {
	dir        string
	knownTools func() []string
	logger     *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a loader for the given directory. knownTools supplies
// the registered tool names used to validate each skill's allow-list; it
// is consulted on every reload so late-registered tools are picked up.
func NewLoader(dir string, knownTools func() []string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:        dir,
		knownTools: knownTools,
		logger:     logger.With("component", "skills"),
		skills:     make(map[string]*Skill),
	}
}

// Load performs the initial load. A missing directory yields an empty
// set; individual invalid skills are logged and excluded without
// blocking the rest.
func (l *Loader) Load() error {
	return l.Reload()
}

// Reload re-reads the directory and atomically swaps the skill set.
func (l *Loader) Reload() error {
	loaded, err := l.loadDir()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()

	l.logger.Info("skills loaded", "count", len(loaded))
	return nil
}

func (l *Loader) loadDir() (map[string]*Skill, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn("skills directory does not exist", "dir", l.dir)
			return map[string]*Skill{}, nil
		}
		return nil, fmt.Errorf("failed to read skills directory: %w", err)
	}

	known := map[string]struct{}{}
	if l.knownTools != nil {
		for _, name := range l.knownTools() {
			known[name] = struct{}{}
		}
	}

	loaded := make(map[string]*Skill)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())

		skill, err := parseSkillFile(path)
		if err != nil {
			l.logger.Error("skipping invalid skill", "file", entry.Name(), "error", err)
			continue
		}

		if _, dup := loaded[skill.Name]; dup {
			l.logger.Error("skipping duplicate skill name", "file", entry.Name(), "skill", skill.Name)
			continue
		}

		if bad := unknownTools(skill, known); len(bad) > 0 {
			l.logger.Error("skipping skill with unknown tools", "skill", skill.Name, "tools", bad)
			continue
		}

		loaded[skill.Name] = skill
	}

	// Sub-agent references are advisory; unknown names warn, not fail.
	for _, skill := range loaded {
		for _, sub := range skill.SubAgents {
			if _, ok := loaded[sub]; !ok {
				l.logger.Warn("skill references unknown sub-agent", "skill", skill.Name, "sub_agent", sub)
			}
		}
	}
	return loaded, nil
}

func parseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var skill Skill
	if err := yaml.Unmarshal(data, &skill); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	skill.applyDefaults()
	if err := skill.Validate(); err != nil {
		return nil, err
	}
	return &skill, nil
}

func unknownTools(skill *Skill, known map[string]struct{}) []string {
	var bad []string
	for _, tool := range skill.Tools {
		if _, ok := known[tool]; !ok {
			bad = append(bad, tool)
		}
	}
	return bad
}

// Get returns a skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skill, ok := l.skills[name]
	return skill, ok
}

// List returns all loaded skills sorted by name.
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Skill, 0, len(l.skills))
	for _, skill := range l.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch starts a filesystem watcher that reloads the skill set when the
// directory changes. Events are debounced; a burst of writes triggers
// one reload. Stop with Close.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch skills directory: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})

	go func() {
		var timer *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case <-l.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("skills watcher error", "error", err)
			case <-reload:
				if err := l.Reload(); err != nil {
					l.logger.Error("skills reload failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (l *Loader) Close() error {
	if l.done != nil {
		close(l.done)
		l.done = nil
	}
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}
