package store

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Admins is the persisted allowlist of privileged user ids.
type Admins struct {
	path   string
	logger zerolog.Logger

	mu  sync.Mutex
	ids []string
}

func LoadAdmins(path string, logger zerolog.Logger) (*Admins, error) {
	a := &Admins{path: path, logger: logger, ids: []string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &a.ids); err != nil {
		logger.Error().Err(err).Str("file", path).Msg("store: admin list unreadable, starting empty")
		a.ids = []string{}
	}
	return a, nil
}

func (a *Admins) Contains(userid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.ids {
		if id == userid {
			return true
		}
	}
	return false
}

// Add appends a user id to the allowlist. Adding an existing id is a no-op.
func (a *Admins) Add(userid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.ids {
		if id == userid {
			return nil
		}
	}
	a.ids = append(a.ids, userid)
	return a.save()
}

func (a *Admins) Remove(userid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.ids[:0]
	for _, id := range a.ids {
		if id != userid {
			kept = append(kept, id)
		}
	}
	a.ids = kept
	return a.save()
}

func (a *Admins) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.ids...)
}

func (a *Admins) save() error {
	data, err := json.MarshalIndent(a.ids, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(a.path, data)
}
