package control

import (
	"sync"
	"testing"
)

func TestConfigStoreSetAndSnapshot(t *testing.T) {
	cs := NewConfigStore()
	cs.SetConfig(map[string]any{"bind": "0.0.0.0:9000", "workers": 4})

	snap := cs.GetSnapshot()
	if snap["bind"] != "0.0.0.0:9000" || snap["workers"] != 4 {
		t.Fatalf("snapshot = %+v", snap)
	}

	v, ok := cs.Get("workers")
	if !ok || v != 4 {
		t.Fatalf("Get(workers) = %v, %v", v, ok)
	}
	if _, ok := cs.Get("missing"); ok {
		t.Fatal("Get(missing) reported found")
	}
}

func TestConfigStoreReloadListenersFireOnSet(t *testing.T) {
	cs := NewConfigStore()

	var wg sync.WaitGroup
	wg.Add(2)
	cs.OnReload(func() { wg.Done() })
	cs.OnReload(func() { wg.Done() })

	cs.SetConfig(map[string]any{"k": "v"})
	wg.Wait()
}

func TestErrorWithContext(t *testing.T) {
	err := NewError(ErrCodeNotFound, "file missing").WithContext("path", "/tmp/x")
	if err.Code != ErrCodeNotFound {
		t.Fatalf("Code = %v", err.Code)
	}
	if err.Context["path"] != "/tmp/x" {
		t.Fatalf("Context = %+v", err.Context)
	}
	if err.Error() == "" {
		t.Fatal("Error() returned empty string")
	}
}
