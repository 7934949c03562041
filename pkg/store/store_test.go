package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Paficent/pesde/pkg/manifest"
	"github.com/Paficent/pesde/pkg/source"
)

func testID() source.PackageID {
	return source.PackageID{
		Ref:     source.Ref{Kind: source.RefRegistry, IndexURL: "https://github.com/acme/index"},
		Name:    manifest.MustParsePackageName("scope/hello"),
		Version: "1.1.0",
		Target:  manifest.TargetLune,
	}
}

func TestEnsureMaterializesOnce(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	var calls int32
	materialize := func(ctx context.Context, dir string) (string, error) {
		atomic.AddInt32(&calls, 1)
		if err := os.WriteFile(filepath.Join(dir, "init.luau"), []byte("return {}\n"), 0644); err != nil {
			return "", err
		}
		return "sha256:abc", nil
	}

	dir, err := s.Ensure(context.Background(), testID(), materialize)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "init.luau")); err != nil {
		t.Errorf("contents missing: %v", err)
	}

	// Second call is a no-op.
	if _, err := s.Ensure(context.Background(), testID(), materialize); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("materialize called %d times, want 1", got)
	}

	digest, err := s.Integrity(testID())
	if err != nil || digest != "sha256:abc" {
		t.Errorf("Integrity = %q, %v", digest, err)
	}
}

func TestEnsureSingleFlight(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	var calls int32
	start := make(chan struct{})
	materialize := func(ctx context.Context, dir string) (string, error) {
		atomic.AddInt32(&calls, 1)
		if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644); err != nil {
			return "", err
		}
		return "sha256:def", nil
	}

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = s.Ensure(context.Background(), testID(), materialize)
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("worker %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("materialize called %d times under contention, want 1", got)
	}
}

func TestEnsureFailureLeavesNoEntry(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	boom := os.ErrPermission
	_, err = s.Ensure(context.Background(), testID(), func(ctx context.Context, dir string) (string, error) {
		return "", boom
	})
	if err == nil {
		t.Fatal("Ensure should propagate materializer failure")
	}
	if s.Present(testID()) {
		t.Error("failed materialization must not leave an entry")
	}

	// The entry can be materialized afterwards.
	_, err = s.Ensure(context.Background(), testID(), func(ctx context.Context, dir string) (string, error) {
		return "sha256:ok", os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644)
	})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if !s.Present(testID()) {
		t.Error("entry missing after successful retry")
	}
}

func TestEntryDirLayout(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := s.EntryDir(testID())

	want := filepath.Join("scope+hello", "1.1.0", "lune")
	if got := filepath.Join(filepath.Base(filepath.Dir(filepath.Dir(dir))), filepath.Base(filepath.Dir(dir)), filepath.Base(dir)); got != want {
		t.Errorf("entry dir tail = %s, want %s", got, want)
	}
	// Two targets of one version are distinct entries.
	other := testID()
	other.Target = manifest.TargetRoblox
	if s.EntryDir(other) == dir {
		t.Error("targets must not share an entry dir")
	}
}
