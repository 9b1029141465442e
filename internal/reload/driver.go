// Package reload implements spec component G, redesigned per SPEC_FULL.md
// §4.5 for a compiled language: a node is a declarative app-descriptor
// YAML file instead of a Python source module, and "imports" become an
// explicit includes: list. The forward/reverse closure, 500ms debounce,
// and app-definition-file detection by suffix are carried over from
// domovoy/core/dependency_tracking/dependency_tracker.py.
package reload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"habitat/internal/engine"
)

const debounceWindow = 500 * time.Millisecond

// AppEntry is one app declared inside a descriptor file.
type AppEntry struct {
	Name   string                 `yaml:"name"`
	Class  string                 `yaml:"class"`
	Config map[string]interface{} `yaml:"config"`
}

// Descriptor is the parsed shape of one app-descriptor YAML file.
type Descriptor struct {
	Includes []string   `yaml:"includes"`
	Apps     []AppEntry `yaml:"apps"`
}

// Driver watches appPath for YAML descriptor changes and drives
// engine.Engine's register/terminate/reload calls accordingly.
type Driver struct {
	appPath   string
	appSuffix string
	eng       *engine.Engine
	logger    *zap.Logger

	mu    sync.Mutex
	graph *graph

	watcher *fsnotify.Watcher

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

// New constructs a Driver. appSuffix is the app-definition file suffix
// (without ".yaml"), defaulting to "_apps" when empty.
func New(appPath, appSuffix string, eng *engine.Engine, logger *zap.Logger) *Driver {
	if appSuffix == "" {
		appSuffix = "_apps"
	}
	return &Driver{
		appPath:   appPath,
		appSuffix: appSuffix,
		eng:       eng,
		logger:    logger,
		graph:     newGraph(),
		debounce:  make(map[string]*time.Timer),
	}
}

func (d *Driver) isAppFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, d.appSuffix+".yaml")
}

// Start walks appPath loading every app-definition file, then begins
// watching the tree for changes.
func (d *Driver) Start(ctx context.Context) error {
	d.logger.Info("reload: starting dependency tracker", zap.String("app_path", d.appPath))

	var appFiles []string
	err := filepath.Walk(d.appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if d.isAppFile(path) {
			appFiles = append(appFiles, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reload: failed to walk %s: %w", d.appPath, err)
	}

	for _, path := range appFiles {
		d.loadOrReload(path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reload: failed to start file watcher: %w", err)
	}
	d.watcher = watcher

	if err := filepath.Walk(d.appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("reload: failed to watch %s: %w", d.appPath, err)
	}

	go d.watchLoop(ctx)
	return nil
}

// Stop tears down the file watcher.
func (d *Driver) Stop() error {
	if d.watcher == nil {
		return nil
	}
	return d.watcher.Close()
}

func (d *Driver) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			d.scheduleDebounced(ev.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("reload: file watcher error", zap.Error(err))
		}
	}
}

// scheduleDebounced coalesces rapid-fire events on the same path
// (editors frequently emit write+chmod in quick succession) into one
// handleChange call, 500ms after the last event.
func (d *Driver) scheduleDebounced(path string) {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()

	if t, ok := d.debounce[path]; ok {
		t.Stop()
	}
	d.debounce[path] = time.AfterFunc(debounceWindow, func() {
		d.debounceMu.Lock()
		delete(d.debounce, path)
		d.debounceMu.Unlock()
		d.handleChange(path)
	})
}

func (d *Driver) handleChange(path string) {
	if strings.HasSuffix(path, ".ignore.yaml") {
		d.logger.Warn("reload: ignoring descriptor", zap.String("path", path))
		return
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.handleDeletion(path)
		return
	}

	d.logger.Info("reload: descriptor changed", zap.String("path", path))
	d.loadOrReload(path)
}

func (d *Driver) handleDeletion(path string) {
	d.logger.Info("reload: descriptor deleted", zap.String("path", path))

	d.mu.Lock()
	n, ok := d.graph.get(path)
	if !ok {
		d.mu.Unlock()
		return
	}
	reverse := d.graph.reverseClosure(n)
	d.graph.remove(path)
	d.mu.Unlock()

	for _, affected := range reverse {
		if affected.isAppFile {
			if err := d.eng.TerminateAppsFromPath(affected.path); err != nil {
				d.logger.Error("reload: failed to terminate apps from deleted descriptor",
					zap.String("path", affected.path), zap.Error(err))
			}
		}
	}
}

// loadOrReload is load_or_reload_filepath's generalization: parse the
// descriptor, rebuild its includes edges, terminate every app-file in
// the reverse closure, then (re)register every app-file in the union
// of the forward and reverse closures, leaf-first.
func (d *Driver) loadOrReload(path string) {
	desc, err := parseDescriptor(path)
	if err != nil {
		d.logger.Error("reload: failed to parse descriptor", zap.String("path", path), zap.Error(err))
		return
	}

	dir := filepath.Dir(path)

	d.mu.Lock()
	n := d.graph.getOrCreate(path)
	d.graph.resetEdges(n)
	n.isAppFile = d.isAppFile(path)
	n.descriptor = desc

	for _, rel := range desc.Includes {
		depPath := rel
		if !filepath.IsAbs(depPath) {
			depPath = filepath.Join(dir, depPath)
		}
		dep := d.graph.getOrCreate(depPath)
		d.graph.addInclude(n, dep)
	}

	forward := d.graph.forwardClosure(n)
	reverse := d.graph.reverseClosure(n)
	d.mu.Unlock()

	union := dedupeNodes(forward, reverse)

	hasAppFile := false
	for _, x := range union {
		if x.isAppFile {
			hasAppFile = true
			break
		}
	}
	if !hasAppFile {
		d.logger.Warn("reload: dependency tree has no app-definition file, skipping", zap.String("path", path))
		return
	}

	for _, affected := range reverse {
		if affected.isAppFile {
			if err := d.eng.TerminateAppsFromPath(affected.path); err != nil {
				d.logger.Error("reload: failed to terminate apps before reload",
					zap.String("path", affected.path), zap.Error(err))
			}
		}
	}

	appFiles := make([]*node, 0, len(union))
	for _, x := range union {
		if x.isAppFile {
			appFiles = append(appFiles, x)
		}
	}
	sortByDepthAscending(appFiles)

	for _, appFile := range appFiles {
		d.registerAppsFrom(appFile)
	}
}

func (d *Driver) registerAppsFrom(n *node) {
	if n.descriptor == nil {
		return
	}
	for _, entry := range n.descriptor.Apps {
		reg := engine.Registration{
			AppName:   entry.Name,
			ClassName: entry.Class,
			AppPath:   n.path,
			Config:    entry.Config,
		}
		if err := d.eng.RegisterApp(reg); err != nil {
			d.logger.Error("reload: failed to register app",
				zap.String("app", entry.Name), zap.String("path", n.path), zap.Error(err))
		}
	}
}

func parseDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &desc, nil
}

func dedupeNodes(sets ...[]*node) []*node {
	seen := make(map[string]*node)
	for _, set := range sets {
		for _, n := range set {
			seen[n.path] = n
		}
	}
	return values(seen)
}
