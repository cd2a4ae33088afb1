package prompt

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	stylesFile   = "styles.txt"
	subjectsFile = "subjects.txt"
	settingsFile = "settings.txt"
)

// Options caches the newline-delimited inspiration word lists. Constructed
// once at startup; each accessor returns an independent copy of the cached
// list. A missing file is created empty rather than treated as an error.
type Options struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	lists map[string][]string
}

func NewOptions(dir string, logger zerolog.Logger) *Options {
	return &Options{dir: dir, logger: logger, lists: make(map[string][]string)}
}

func (o *Options) load(name string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cached, ok := o.lists[name]; ok {
		return append([]string{}, cached...)
	}
	path := filepath.Join(o.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			os.MkdirAll(o.dir, 0755)
			os.WriteFile(path, []byte{}, 0644)
			return []string{}
		}
		o.logger.Error().Err(err).Str("file", name).Msg("options: load failed")
		return []string{}
	}
	options := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			options = append(options, line)
		}
	}
	o.lists[name] = options
	return append([]string{}, options...)
}

// Inspire returns a random "style subject in a setting" prompt, or an error
// when any of the three lists is empty.
func (o *Options) Inspire() (string, error) {
	styles := o.load(stylesFile)
	subjects := o.load(subjectsFile)
	settings := o.load(settingsFile)
	if len(styles) == 0 || len(subjects) == 0 || len(settings) == 0 {
		return "", fmt.Errorf("prompt option lists are empty or missing")
	}
	style := styles[rand.Intn(len(styles))]
	subject := subjects[rand.Intn(len(subjects))]
	setting := settings[rand.Intn(len(settings))]
	return fmt.Sprintf("%s %s in a %s", style, subject, setting), nil
}

// AddStyle appends a style to the styles file and refreshes the cached list.
func (o *Options) AddStyle(style string) error {
	o.mu.Lock()
	path := filepath.Join(o.dir, stylesFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	_, err = f.WriteString(style + "\n")
	f.Close()
	delete(o.lists, stylesFile)
	o.mu.Unlock()
	return err
}
