// Package plugin discovers and activates game-type plugins. A plugin is a
// directory under the configured root holding a plugin.yaml manifest and a
// Lua rule script; the registry maps each manifest UUID to a factory that
// constructs fresh sandboxed game instances.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
)

// Plugin is one activated game type: its manifest plus the precompiled rule
// script. Immutable once built; the registry swaps whole Plugin values on
// reload.
type Plugin struct {
	Manifest Manifest

	proto *lua.FunctionProto
}

// UUID returns the game-type identifier.
func (p *Plugin) UUID() string { return p.Manifest.UUID }

// Registry maps game-type identifiers to plugins. Reload rebuilds the whole
// map; lookups are safe from any goroutine. Reload before accepting
// connections only — reloading while games are live is undefined.
type Registry struct {
	mu      sync.RWMutex
	root    string
	plugins map[string]*Plugin
	logger  *zap.Logger
}

// NewRegistry creates an empty Registry scanning root on Reload.
//
// Precondition: logger must be non-nil.
func NewRegistry(root string, logger *zap.Logger) *Registry {
	return &Registry{
		root:    root,
		plugins: make(map[string]*Plugin),
		logger:  logger,
	}
}

// Reload rescans the plugin root and rebuilds the identifier map. Every
// manifest is validated and every script compiled before the new map is
// installed; any failure returns an error and leaves the previous map
// untouched. Idempotent.
//
// Postcondition: On nil return the registry reflects exactly the plugins
// currently on disk.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("reading plugin root %q: %w", r.root, err)
	}

	next := make(map[string]*Plugin)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, e.Name())
		manifestPath := filepath.Join(dir, ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			// Not a plugin directory.
			continue
		}

		p, err := loadPlugin(dir, manifestPath)
		if err != nil {
			return fmt.Errorf("loading plugin %q: %w", e.Name(), err)
		}
		if prev, ok := next[p.Manifest.UUID]; ok {
			return fmt.Errorf("duplicate game type %q (already provided by %q)",
				p.Manifest.UUID, prev.Manifest.Name)
		}
		next[p.Manifest.UUID] = p
		r.logger.Info("activated game plugin",
			zap.String("game_type", p.Manifest.UUID),
			zap.String("name", p.Manifest.Name),
			zap.Int("players", p.Manifest.Players),
		)
	}

	r.mu.Lock()
	r.plugins = next
	r.mu.Unlock()

	r.logger.Info("plugin registry reloaded", zap.Int("count", len(next)))
	return nil
}

// loadPlugin parses the manifest and compiles the rule script once, so that
// instance creation only re-executes the compiled chunk.
func loadPlugin(dir, manifestPath string) (*Plugin, error) {
	manifest, err := loadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	scriptPath := filepath.Join(dir, manifest.Script)
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}

	chunk, err := parse.Parse(strings.NewReader(string(src)), scriptPath)
	if err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	proto, err := lua.Compile(chunk, scriptPath)
	if err != nil {
		return nil, fmt.Errorf("compiling script: %w", err)
	}

	return &Plugin{Manifest: manifest, proto: proto}, nil
}

// Get returns the plugin for gameType. Unknown types are not an error here;
// the caller decides how to surface them.
//
// Postcondition: Returns (plugin, true) if registered, (nil, false) otherwise.
func (r *Registry) Get(gameType string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[gameType]
	return p, ok
}

// UUIDs returns the sorted identifiers of all known game types, primarily
// for diagnostic error messages.
func (r *Registry) UUIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for uuid := range r.plugins {
		out = append(out, uuid)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered game types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
