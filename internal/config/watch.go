package config

import (
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands each
// successfully loaded version to the registered callbacks.
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	onChange []func(old, updated Config)

	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching path. initial is the configuration already in use.
// The parent directory is watched so that editors that replace the file
// on save are still noticed.
func Watch(path string, initial Config) (*Watcher, error) {
	return watch(path, initial, reloadDebounce)
}

func watch(path string, initial Config, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		fsw:      fsw,
		debounce: debounce,
		done:     make(chan struct{}),
	}
	w.current.Store(&initial)
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(old, updated Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	target := filepath.Clean(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("WARN config: watcher error path=%s err=%v", w.path, err)
		}
	}
}

func (w *Watcher) reload() {
	updated, err := Load(w.path)
	if err != nil {
		log.Printf("WARN config: reload failed, keeping current config path=%s err=%v", w.path, err)
		return
	}
	old := *w.current.Swap(&updated)
	if old == updated {
		return
	}
	log.Printf("INFO config: reloaded path=%s", w.path)
	if old.Data != updated.Data || old.Server != updated.Server || old.HNSW != updated.HNSW || old.Resources != updated.Resources {
		log.Printf("WARN config: data, server, hnsw or resources settings changed, restart required to apply them path=%s", w.path)
	}

	w.mu.Lock()
	callbacks := append([]func(old, updated Config){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(old, updated)
	}
}
