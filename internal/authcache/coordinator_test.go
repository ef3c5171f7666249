package authcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/protocol"
)

type identityUpdate struct {
	sourceID   int64
	telegramID int64
	username   string
}

type fakeRegistry struct {
	mu        sync.Mutex
	sources   []*model.Source
	listErr   error
	listDelay time.Duration
	listCalls int
	updates   []identityUpdate
	updateErr error
}

func (r *fakeRegistry) ListActiveSubscribed(ctx context.Context) ([]*model.Source, error) {
	r.mu.Lock()
	r.listCalls++
	delay := r.listDelay
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]*model.Source, len(r.sources))
	for i, s := range r.sources {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (r *fakeRegistry) UpdateResolvedIdentity(ctx context.Context, sourceID, telegramID int64, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updates = append(r.updates, identityUpdate{sourceID, telegramID, username})
	return nil
}

func (r *fakeRegistry) GetSchedule(ctx context.Context) (string, error) { return "", nil }

func (r *fakeRegistry) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls
}

type fakeResolver struct {
	ids  map[string]*protocol.Identity
	errs map[string]error
}

func (f *fakeResolver) Connect(ctx context.Context) error { return nil }
func (f *fakeResolver) Close() error                      { return nil }
func (f *fakeResolver) OnNewMessage(h protocol.EventHandler) {}
func (f *fakeResolver) FetchNewer(ctx context.Context, entity string, minID int64, visit func(*model.Event) bool) error {
	return nil
}

func (f *fakeResolver) Resolve(ctx context.Context, url string) (*protocol.Identity, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if id, ok := f.ids[url]; ok {
		return id, nil
	}
	return nil, errors.New("unknown channel")
}

type fakeReporter struct {
	mu      sync.Mutex
	entries []string
}

func (r *fakeReporter) Report(ctx context.Context, level, message string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, level+": "+message)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func staleCoordinator(reg *fakeRegistry, res protocol.Client) *Coordinator {
	c := NewCoordinator(reg, res, time.Minute, nil)
	// The zero snapshot timestamp makes the first read stale.
	return c
}

func TestCoordinator_RefreshCollapse(t *testing.T) {
	reg := &fakeRegistry{
		sources:   []*model.Source{{ID: 1, TelegramID: 100, URL: "https://t.me/a", Active: true}},
		listDelay: 50 * time.Millisecond,
	}
	c := staleCoordinator(reg, &fakeResolver{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := reg.calls(); got != 1 {
		t.Errorf("Expected 1 registry read for concurrent refreshes, got %d", got)
	}
}

func TestCoordinator_RefreshSkippedWhenFresh(t *testing.T) {
	reg := &fakeRegistry{
		sources: []*model.Source{{ID: 1, TelegramID: 100, URL: "https://t.me/a", Active: true}},
	}
	c := staleCoordinator(reg, &fakeResolver{})

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Second refresh failed: %v", err)
	}

	if got := reg.calls(); got != 1 {
		t.Errorf("Expected fresh cache to skip registry read, got %d reads", got)
	}
}

func TestCoordinator_ResolvesAndPersistsMissingIdentity(t *testing.T) {
	reg := &fakeRegistry{
		sources: []*model.Source{
			{ID: 1, URL: "https://t.me/a", Active: true},
			{ID: 2, TelegramID: 200, URL: "https://t.me/b", Active: true},
		},
	}
	res := &fakeResolver{
		ids: map[string]*protocol.Identity{
			"https://t.me/a": {TelegramID: 100, Username: "a"},
		},
	}
	c := staleCoordinator(reg, res)

	active := c.Active(context.Background())
	if len(active) != 2 {
		t.Fatalf("Expected 2 active sources, got %d", len(active))
	}
	if _, ok := active[100]; !ok {
		t.Error("Resolved source missing from cache")
	}
	if _, ok := active[200]; !ok {
		t.Error("Already-resolved source missing from cache")
	}

	if len(reg.updates) != 1 {
		t.Fatalf("Expected 1 identity persist, got %d", len(reg.updates))
	}
	u := reg.updates[0]
	if u.sourceID != 1 || u.telegramID != 100 || u.username != "a" {
		t.Errorf("Unexpected identity update: %+v", u)
	}
}

func TestCoordinator_ResolutionFailureIsolated(t *testing.T) {
	reg := &fakeRegistry{
		sources: []*model.Source{
			{ID: 1, URL: "https://t.me/broken", Active: true},
			{ID: 2, TelegramID: 200, URL: "https://t.me/b", Active: true},
		},
	}
	res := &fakeResolver{
		errs: map[string]error{"https://t.me/broken": errors.New("flood wait")},
	}
	c := staleCoordinator(reg, res)

	active := c.Active(context.Background())
	if len(active) != 1 {
		t.Fatalf("Expected failing source to be excluded, got %d entries", len(active))
	}
	if _, ok := active[200]; !ok {
		t.Error("Healthy source missing from cache")
	}
}

func TestCoordinator_RegistryFailureKeepsPreviousSnapshot(t *testing.T) {
	reg := &fakeRegistry{
		sources: []*model.Source{{ID: 1, TelegramID: 100, URL: "https://t.me/a", Active: true}},
	}
	c := staleCoordinator(reg, &fakeResolver{})

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Force the next refresh to fail.
	reg.mu.Lock()
	reg.listErr = errors.New("store timeout")
	reg.mu.Unlock()
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("Expected refresh error")
	}

	if _, ok := c.Lookup(100); !ok {
		t.Error("Previous snapshot lost after failed refresh")
	}

	// Active falls back to the stale snapshot rather than failing.
	active := c.Active(context.Background())
	if _, ok := active[100]; !ok {
		t.Error("Active did not serve the previous snapshot")
	}
}

func TestCoordinator_RegistryFailureShipsRemoteLog(t *testing.T) {
	reg := &fakeRegistry{listErr: errors.New("store timeout")}
	rep := &fakeReporter{}
	c := NewCoordinator(reg, &fakeResolver{}, time.Minute, rep)

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("Expected refresh error")
	}

	if rep.count() != 1 {
		t.Errorf("Expected 1 shipped log entry, got %d", rep.count())
	}
}

func TestCoordinator_PersistFailureStillCaches(t *testing.T) {
	reg := &fakeRegistry{
		sources:   []*model.Source{{ID: 1, URL: "https://t.me/a", Active: true}},
		updateErr: errors.New("store timeout"),
	}
	res := &fakeResolver{
		ids: map[string]*protocol.Identity{"https://t.me/a": {TelegramID: 100, Username: "a"}},
	}
	c := staleCoordinator(reg, res)

	active := c.Active(context.Background())
	if _, ok := active[100]; !ok {
		t.Error("Source missing from cache after persist failure")
	}
}
