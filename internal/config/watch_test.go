package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	initial, _, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	w, err := watch(path, initial, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	changes := make(chan Config, 4)
	w.OnChange(func(_, updated Config) { changes <- updated })

	next := Default()
	next.Guardrails.MaxTopK = 7
	if err := os.WriteFile(path, []byte(Render(next)), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case got := <-changes:
		if got.Guardrails.MaxTopK != 7 {
			t.Fatalf("reloaded max_top_k: got=%d want=7", got.Guardrails.MaxTopK)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload observed")
	}
	if w.Current().Guardrails.MaxTopK != 7 {
		t.Fatalf("current config not swapped")
	}
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectordb.yaml")
	initial, _, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}
	w, err := Watch(path, initial)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("guardrails: [broken\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.reload()
	if w.Current() != initial {
		t.Fatalf("bad reload replaced the config")
	}
}
