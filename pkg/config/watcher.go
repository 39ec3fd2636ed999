package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/coresgate/pkg/metrics"
)

// Emitter is the slice of the event bus the manager needs.
type Emitter interface {
	Emit(topic string, payload any)
}

// Manager keeps a live configuration view. It watches the directory that
// contains the config file and, when the file itself is rewritten, reloads
// the view and announces it on the bus under EventNames.ConfigurationReloaded.
//
// A reload that fails (unreadable file, wrong content type, malformed JSON,
// missing keys) is logged and skipped; the previous view stays in effect and
// nothing is emitted.
type Manager struct {
	path    string // absolute
	emitter Emitter

	mu   sync.Mutex
	view *View

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager loads the view at path and starts the directory watcher. The
// initial load must succeed: a broken config at boot is an operator error.
func NewManager(path string, emitter Emitter) (*Manager, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	view, err := Load(abs)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	m := &Manager{
		path:    abs,
		emitter: emitter,
		view:    view,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go m.watch()

	log.Info().Str("config", abs).Msg("configuration loaded, watching for changes")
	return m, nil
}

// Current returns the live view. The pointer is immutable once published;
// reloads swap in a fresh one.
func (m *Manager) Current() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Stop closes the watcher and joins the watch goroutine. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		_ = m.watcher.Close()
		<-m.done
	})
}

func (m *Manager) watch() {
	defer close(m.done)
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if filepath.Clean(ev.Name) != m.path {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (m *Manager) reload() {
	view, err := Load(m.path)
	if err != nil {
		metrics.ConfigReloadErrors.Inc()
		log.Error().Err(err).Str("config", m.path).Msg("config reload failed, keeping previous view")
		return
	}

	m.mu.Lock()
	m.view = view
	m.mu.Unlock()

	metrics.ConfigReloads.Inc()
	log.Info().Str("config", m.path).Msg("configuration reloaded")
	m.emitter.Emit(view.EventNames.ConfigurationReloaded, view)
}
