package gametype

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v3"
)

//go:embed gametypes.yaml
var defaultFiles embed.FS

// GameType describes one time control offered for matchmaking and challenges.
type GameType struct {
	Name        string `yaml:"name"`
	InitialMs   int64  `yaml:"initial_ms"`
	IncrementMs int64  `yaml:"increment_ms"`
	Rated       bool   `yaml:"rated"`
}

// Initial returns the starting clock budget.
func (g GameType) Initial() time.Duration { return time.Duration(g.InitialMs) * time.Millisecond }

// Increment returns the per-move clock credit.
func (g GameType) Increment() time.Duration { return time.Duration(g.IncrementMs) * time.Millisecond }

type catalogFile struct {
	GameTypes []GameType `yaml:"game_types"`
}

// Catalog holds the known game types, loaded from embedded defaults and an
// optional override directory of YAML files.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]GameType
}

// New loads the embedded defaults and then applies overrides from dir if provided.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]GameType)}
	raw, err := fs.ReadFile(defaultFiles, "gametypes.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded game types: %w", err)
	}
	if err := c.applyYAML(raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := c.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read game type dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".yaml") || strings.HasSuffix(n, ".yml") {
			files = append(files, n)
		}
	}
	sort.Strings(files)
	for _, n := range files {
		raw, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return fmt.Errorf("read %s: %w", n, err)
		}
		if err := c.applyYAML(raw); err != nil {
			return fmt.Errorf("apply %s: %w", n, err)
		}
	}
	return nil
}

func (c *Catalog) applyYAML(raw []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse game types: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, gt := range f.GameTypes {
		name := strings.ToLower(strings.TrimSpace(gt.Name))
		if name == "" {
			return fmt.Errorf("game type with empty name")
		}
		if gt.InitialMs <= 0 {
			return fmt.Errorf("game type %q: initial_ms must be positive", name)
		}
		if gt.IncrementMs < 0 {
			return fmt.Errorf("game type %q: increment_ms must not be negative", name)
		}
		gt.Name = name
		c.byName[name] = gt
	}
	return nil
}

// Get looks up a game type by name, case-insensitive.
func (c *Catalog) Get(name string) (GameType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gt, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return gt, ok
}

// Names returns the known game type names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byName))
	for n := range c.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
