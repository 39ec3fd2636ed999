package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

type recordEmitter struct {
	ch chan any
}

func newRecordEmitter() *recordEmitter { return &recordEmitter{ch: make(chan any, 16)} }

func (r *recordEmitter) Emit(_ string, payload any) { r.ch <- payload }

func (r *recordEmitter) wait(t *testing.T, timeout time.Duration) *View {
	t.Helper()
	select {
	case p := <-r.ch:
		v, ok := p.(*View)
		if !ok {
			t.Fatalf("payload is %T, want *View", p)
		}
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for reload event")
	}
	return nil
}

func Test_ManagerReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validConfig)
	em := newRecordEmitter()

	m, err := NewManager(path, em)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)

	if got := m.Current().MaxSamples; got != 10 {
		t.Fatalf("initial MaxSamples: want 10, got %d", got)
	}

	updated := strings.Replace(validConfig, `"MaxSamples": { "Value": 10 }`, `"MaxSamples": { "Value": 3 }`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	v := em.wait(t, 3*time.Second)
	if v.MaxSamples != 3 {
		t.Fatalf("reloaded MaxSamples: want 3, got %d", v.MaxSamples)
	}
	if got := m.Current().MaxSamples; got != 3 {
		t.Fatalf("Current() after reload: want 3, got %d", got)
	}
}

func Test_ManagerKeepsViewOnBadJSON(t *testing.T) {
	path := writeConfig(t, validConfig)
	em := newRecordEmitter()

	m, err := NewManager(path, em)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)

	if err := os.WriteFile(path, []byte(`{"EnableMitigation": tru`), 0o644); err != nil {
		t.Fatal(err)
	}

	// The watcher fires and the load fails; nothing may be emitted and the
	// previous view must survive.
	select {
	case p := <-em.ch:
		t.Fatalf("unexpected reload event: %v", p)
	case <-time.After(500 * time.Millisecond):
	}
	if got := m.Current().MaxSamples; got != 10 {
		t.Fatalf("view changed after bad reload: MaxSamples=%d", got)
	}
}

func Test_ManagerIgnoresSiblingFiles(t *testing.T) {
	path := writeConfig(t, validConfig)
	em := newRecordEmitter()

	m, err := NewManager(path, em)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)

	sibling := path + ".bak"
	if err := os.WriteFile(sibling, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-em.ch:
		t.Fatalf("sibling write triggered a reload: %v", p)
	case <-time.After(500 * time.Millisecond):
	}
}

func Test_ManagerStopIsIdempotent(t *testing.T) {
	path := writeConfig(t, validConfig)
	m, err := NewManager(path, newRecordEmitter())
	if err != nil {
		t.Fatal(err)
	}
	m.Stop()
	m.Stop()
}

func Test_ManagerFailsOnBrokenInitialConfig(t *testing.T) {
	path := writeConfig(t, `{"oops": true}`)
	if _, err := NewManager(path, newRecordEmitter()); err == nil {
		t.Fatal("want error for broken initial config")
	}
}
