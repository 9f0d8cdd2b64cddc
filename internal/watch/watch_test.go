package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Rorqualx/chatfilter-go/internal/dom"
	"github.com/Rorqualx/chatfilter-go/internal/patterns"
	"github.com/Rorqualx/chatfilter-go/internal/types"
)

// fakeAttacher records attach and detach calls.
type fakeAttacher struct {
	err      error
	detachEr error
	attached atomic.Int32
	detached atomic.Int32
	block    chan struct{} // when set, Attach waits on it
}

func (f *fakeAttacher) Attach(ctx context.Context, w *Watch) (func() error, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	f.attached.Add(1)
	return func() error {
		f.detached.Add(1)
		return f.detachEr
	}, nil
}

func newTestManager(a Attacher, max int) *Manager {
	return NewManager(patterns.Default(), a, max)
}

func TestCreateAndGet(t *testing.T) {
	a := &fakeAttacher{}
	m := newTestManager(a, 5)
	defer m.Close()

	w, err := m.Create(context.Background(), "https://steam.tv/dota2")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if w.ID == "" {
		t.Error("Expected a watch ID")
	}
	if w.Host != "steam.tv" {
		t.Errorf("Expected host steam.tv, got %q", w.Host)
	}
	if a.attached.Load() != 1 {
		t.Errorf("Expected 1 attach, got %d", a.attached.Load())
	}

	got, err := m.Get(w.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != w {
		t.Error("Get returned a different watch")
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 watch, got %d", m.Count())
	}
}

func TestCreateRejectsURLs(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want error
	}{
		{"not activated", "https://example.com/chat", types.ErrURLNotActivated},
		{"lookalike host", "https://steam.tv.evil.com/", types.ErrURLNotActivated},
		{"bad scheme", "ftp://steam.tv/", types.ErrURLNotActivated},
		{"no host", "steam.tv", types.ErrInvalidURL},
		{"unparsable", "http://[::1", types.ErrInvalidURL},
	}

	a := &fakeAttacher{}
	m := newTestManager(a, 5)
	defer m.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(context.Background(), tt.url)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
	if a.attached.Load() != 0 {
		t.Errorf("Expected no attach for rejected URLs, got %d", a.attached.Load())
	}
}

func TestCreateAttachFailure(t *testing.T) {
	attachErr := types.NewWatchError("navigate", "https://steam.tv/", errors.New("boom"))
	m := newTestManager(&fakeAttacher{err: attachErr}, 1)
	defer m.Close()

	_, err := m.Create(context.Background(), "https://steam.tv/")
	var we *types.WatchError
	if !errors.As(err, &we) || we.Stage != "navigate" {
		t.Fatalf("Expected WatchError at navigate, got %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Expected no watches after failure, got %d", m.Count())
	}

	// The failed create must release its slot.
	m.attacher = &fakeAttacher{}
	if _, err := m.Create(context.Background(), "https://steam.tv/"); err != nil {
		t.Errorf("Expected slot to be free after failure, got %v", err)
	}
}

func TestMaxWatches(t *testing.T) {
	m := newTestManager(&fakeAttacher{}, 2)
	defer m.Close()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(context.Background(), "https://steam.tv/"); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}
	if _, err := m.Create(context.Background(), "https://steam.tv/"); !errors.Is(err, types.ErrTooManyWatches) {
		t.Errorf("Expected ErrTooManyWatches, got %v", err)
	}
}

func TestMaxWatchesConcurrent(t *testing.T) {
	a := &fakeAttacher{block: make(chan struct{})}
	m := newTestManager(a, 3)
	defer m.Close()

	var wg sync.WaitGroup
	var ok, full atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(context.Background(), "https://steam.tv/")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, types.ErrTooManyWatches):
				full.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	close(a.block)
	wg.Wait()

	if ok.Load() != 3 || full.Load() != 7 {
		t.Errorf("Expected 3 created and 7 rejected, got %d and %d", ok.Load(), full.Load())
	}
}

func TestDestroy(t *testing.T) {
	a := &fakeAttacher{}
	m := newTestManager(a, 5)
	defer m.Close()

	w, err := m.Create(context.Background(), "https://steam.tv/")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Destroy(w.ID); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if a.detached.Load() != 1 {
		t.Errorf("Expected 1 detach, got %d", a.detached.Load())
	}
	if _, err := m.Get(w.ID); !errors.Is(err, types.ErrWatchNotFound) {
		t.Errorf("Expected ErrWatchNotFound after destroy, got %v", err)
	}
	if err := m.Destroy(w.ID); !errors.Is(err, types.ErrWatchNotFound) {
		t.Errorf("Expected ErrWatchNotFound on second destroy, got %v", err)
	}
}

func TestDestroyDetachError(t *testing.T) {
	detachErr := errors.New("page already gone")
	m := newTestManager(&fakeAttacher{detachEr: detachErr}, 5)
	defer m.Close()

	w, err := m.Create(context.Background(), "https://steam.tv/")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Destroy(w.ID); !errors.Is(err, detachErr) {
		t.Errorf("Expected detach error, got %v", err)
	}
	if m.Count() != 0 {
		t.Error("Watch should be removed even when detach fails")
	}
}

func TestListOrder(t *testing.T) {
	m := newTestManager(&fakeAttacher{}, 5)
	defer m.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		w, err := m.Create(context.Background(), "https://steamcommunity.com/broadcast/watch/1")
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, w.ID)
	}

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("Expected 3 watches, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.Before(list[i-1].CreatedAt) {
			t.Error("List is not ordered by creation time")
		}
	}
}

func TestClose(t *testing.T) {
	a := &fakeAttacher{}
	m := newTestManager(a, 5)

	for i := 0; i < 3; i++ {
		if _, err := m.Create(context.Background(), "https://steam.tv/"); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
	if a.detached.Load() != 3 {
		t.Errorf("Expected 3 detaches, got %d", a.detached.Load())
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second Close returned error: %v", err)
	}
	if _, err := m.Create(context.Background(), "https://steam.tv/"); !errors.Is(err, types.ErrWatchManagerDown) {
		t.Errorf("Expected ErrWatchManagerDown after Close, got %v", err)
	}
}

func TestCloseDuringAttach(t *testing.T) {
	a := &fakeAttacher{block: make(chan struct{})}
	m := newTestManager(a, 5)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Create(context.Background(), "https://steam.tv/")
		errCh <- err
	}()

	// Wait until the create holds its slot.
	for {
		m.mu.RLock()
		p := m.pending
		m.mu.RUnlock()
		if p == 1 {
			break
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	close(a.block)

	if err := <-errCh; !errors.Is(err, types.ErrWatchManagerDown) {
		t.Errorf("Expected ErrWatchManagerDown, got %v", err)
	}
	if a.detached.Load() != 1 {
		t.Errorf("Expected the late watch to be detached, got %d", a.detached.Load())
	}
}

func TestWatchInfo(t *testing.T) {
	m := newTestManager(&fakeAttacher{}, 5)
	defer m.Close()

	w, err := m.Create(context.Background(), "https://steam.tv/dota2?token=secret")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	info := w.Info()
	if info.LastScan != 0 {
		t.Error("Expected no last scan before any scan")
	}

	w.RecordScan(dom.ScanReport{Scanned: 10, Matched: 2, Hidden: 2, Containers: 1})
	w.RecordScan(dom.ScanReport{Scanned: 10})

	info = w.Info()
	if info.ID != w.ID || info.Host != "steam.tv" {
		t.Errorf("Unexpected info: %+v", info)
	}
	if info.Scans != 2 || info.Hidden != 2 {
		t.Errorf("Expected 2 scans and 2 hidden, got %d and %d", info.Scans, info.Hidden)
	}
	if info.LastScan == 0 {
		t.Error("Expected last scan timestamp")
	}
	if info.URL == w.URL {
		t.Error("Expected token to be redacted from info URL")
	}
}

func TestAttacherFunc(t *testing.T) {
	called := false
	var a Attacher = AttacherFunc(func(ctx context.Context, w *Watch) (func() error, error) {
		called = true
		return func() error { return nil }, nil
	})
	m := NewManager(patterns.Default(), a, 0)
	defer m.Close()

	if _, err := m.Create(context.Background(), "https://steam.tv/"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !called {
		t.Error("AttacherFunc was not called")
	}
	// maxWatches below 1 is raised to 1.
	if _, err := m.Create(context.Background(), "https://steam.tv/"); !errors.Is(err, types.ErrTooManyWatches) {
		t.Errorf("Expected ErrTooManyWatches, got %v", err)
	}
}
