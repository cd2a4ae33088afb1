package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Preferences is the persisted user -> model choice document. Loaded once
// at startup and rewritten wholesale through an atomic temp-file rename on
// every change.
type Preferences struct {
	path   string
	logger zerolog.Logger

	mu sync.Mutex
	m  map[string]string
}

func LoadPreferences(path string, logger zerolog.Logger) (*Preferences, error) {
	p := &Preferences{path: path, logger: logger, m: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &p.m); err != nil {
		// a corrupt document is dropped rather than fatal
		logger.Error().Err(err).Str("file", path).Msg("store: preferences unreadable, starting empty")
		p.m = map[string]string{}
	}
	return p, nil
}

func (p *Preferences) Model(userid string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	model, ok := p.m[userid]
	return model, ok
}

func (p *Preferences) SetModel(userid string, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m[userid] == model {
		return nil
	}
	p.m[userid] = model
	return p.save()
}

func (p *Preferences) save() error {
	data, err := json.Marshal(p.m)
	if err != nil {
		return err
	}
	return atomicWrite(p.path, data)
}

// atomicWrite replaces path with content through a same-directory temp file
// and rename, so readers never observe a partial document.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".comfycord-*")
	if err != nil {
		return err
	}
	tmpname := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpname)
	}()
	if _, err := tmp.Write(content); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpname, path)
}
