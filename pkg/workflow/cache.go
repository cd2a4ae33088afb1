package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Cache loads named job templates from a directory and keeps the parsed
// form for the process lifetime. Load returns a fresh deep copy per call so
// concurrent callers never share mutable graph state. Constructed once at
// startup and threaded through callers.
type Cache struct {
	dir    string
	logger zerolog.Logger

	mu        sync.Mutex
	templates map[string]Template
}

func NewCache(dir string, logger zerolog.Logger) *Cache {
	return &Cache{dir: dir, logger: logger, templates: make(map[string]Template)}
}

// Load returns a deep copy of the named template, reading storage only on
// the first request for a name. A missing or malformed file is an error;
// callers treat it as "feature unavailable".
func (c *Cache) Load(name string) (Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.templates[name]; ok {
		return cached.Copy(), nil
	}
	path := filepath.Join(c.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Error().Err(err).Str("template", name).Msg("workflow: template read failed")
		return nil, fmt.Errorf("load template %s: %w", name, err)
	}
	tpl, err := ParseTemplate(data)
	if err != nil {
		c.logger.Error().Err(err).Str("template", name).Msg("workflow: template parse failed")
		return nil, fmt.Errorf("load template %s: %w", name, err)
	}
	c.templates[name] = tpl
	c.logger.Info().Str("template", name).Int("nodes", len(tpl)).Msg("workflow: template loaded")
	return tpl.Copy(), nil
}

// Invalidate drops every cached template. The next Load per name reads
// storage again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.templates = make(map[string]Template)
	c.mu.Unlock()
	c.logger.Info().Msg("workflow: template cache invalidated")
}

func (c *Cache) invalidateFile(path string) {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	if ext != ".yaml" {
		return
	}
	name = name[:len(name)-len(ext)]
	c.mu.Lock()
	_, ok := c.templates[name]
	delete(c.templates, name)
	c.mu.Unlock()
	if ok == true {
		c.logger.Info().Str("template", name).Msg("workflow: cached template invalidated by file change")
	}
}

// Watch invalidates cached entries when their backing file changes on disk.
// Blocks until ctx is done.
func (c *Cache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if ok == false {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.invalidateFile(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if ok == false {
				return nil
			}
			c.logger.Warn().Err(err).Msg("workflow: watcher error")
		}
	}
}
