package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Preference keys the kernel understands. Unknown keys are rejected so
// typos surface immediately instead of silently doing nothing.
var recognizedKeys = map[string]bool{
	"agent_name":             true,
	"agent_personality":      true,
	"agent_emoji":            true,
	"user_name":              true,
	"user_info":              true,
	"language":               true,
	"onboarding_completed":   true,
	"default_provider":       true,
	"default_model":          true,
	"rag_optimizer_provider": true,
	"rag_optimizer_model":    true,
	"theme":                  true,
	"voice_enabled":          true,
}

// ErrUnknownKey rejects preference keys the kernel does not understand.
type ErrUnknownKey struct{ Key string }

func (e *ErrUnknownKey) Error() string {
	return fmt.Sprintf("unknown preference key %q", e.Key)
}

// prefsDebounce coalesces bursts of file events into one reload.
const prefsDebounce = 200 * time.Millisecond

// Prefs is the runtime key/value preference store. Readers get an
// immutable snapshot; writers publish a new snapshot atomically and
// write through to disk. External edits to the file are picked up by a
// watcher.
type Prefs struct {
	path string

	mu       sync.Mutex
	snapshot map[string]string
	subs     []chan map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// OpenPrefs loads (or initializes) the preference file.
func OpenPrefs(path string) (*Prefs, error) {
	p := &Prefs{path: path, snapshot: map[string]string{}}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &p.snapshot); err != nil {
			return nil, fmt.Errorf("failed to parse preferences: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	return p, nil
}

// Get returns one preference value, empty when unset.
func (p *Prefs) Get(key string) string {
	return p.All()[key]
}

// All returns the current snapshot. The returned map is a copy.
func (p *Prefs) All() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyMap(p.snapshot)
}

// Set updates one preference, persists the store, and notifies
// subscribers. Unknown keys are rejected; an empty value deletes.
func (p *Prefs) Set(key, value string) error {
	if !recognizedKeys[key] {
		return &ErrUnknownKey{Key: key}
	}

	p.mu.Lock()
	next := copyMap(p.snapshot)
	if value == "" {
		delete(next, key)
	} else {
		next[key] = value
	}
	p.snapshot = next

	if err := p.persistLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	subs := append([]chan map[string]string(nil), p.subs...)
	snap := copyMap(next)
	p.mu.Unlock()

	notify(subs, snap)
	return nil
}

// Subscribe returns a channel that receives the new snapshot after
// every change. Slow subscribers miss intermediate snapshots but always
// see the latest.
func (p *Prefs) Subscribe() <-chan map[string]string {
	ch := make(chan map[string]string, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Watch starts picking up external edits to the preference file.
func (p *Prefs) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory; editors replace the file rather than write
	// in place, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch preferences: %w", err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.watchLoop(watcher, done)
	return nil
}

// Close stops the watcher.
func (p *Prefs) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	close(p.done)
	err := p.watcher.Close()
	p.watcher = nil
	return err
}

func (p *Prefs) watchLoop(watcher *fsnotify.Watcher, done <-chan struct{}) {
	var debounce *time.Timer
	for {
		select {
		case <-done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(prefsDebounce, p.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("[prefs] watcher error: %v", err)
		}
	}
}

// reload re-reads the file after an external edit.
func (p *Prefs) reload() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		logging.Warnf("[prefs] reload failed: %v", err)
		return
	}
	var next map[string]string
	if err := json.Unmarshal(data, &next); err != nil {
		logging.Warnf("[prefs] reload skipped, invalid JSON: %v", err)
		return
	}

	p.mu.Lock()
	p.snapshot = next
	subs := append([]chan map[string]string(nil), p.subs...)
	snap := copyMap(next)
	p.mu.Unlock()

	logging.Debugf("[prefs] reloaded from disk")
	notify(subs, snap)
}

// persistLocked writes the store atomically via a temp file. Caller
// holds p.mu.
func (p *Prefs) persistLocked() error {
	data, err := json.MarshalIndent(p.snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	return nil
}

func notify(subs []chan map[string]string, snap map[string]string) {
	for _, ch := range subs {
		// Replace a pending stale snapshot instead of blocking.
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
