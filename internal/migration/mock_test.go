package migration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-import/internal/lookup"
	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/store"
	"github.com/sells-group/crm-import/internal/transform"
	"github.com/sells-group/crm-import/internal/upsert"
	"github.com/sells-group/crm-import/pkg/crm"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// fakeQueue records enqueued messages in order.
type fakeQueue struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *fakeQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return Message{}, false
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, true
}

func (q *fakeQueue) pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.msgs...)
}

// fakeClient serves canned pages per endpoint and records every request.
type fakeClient struct {
	mu    sync.Mutex
	pages map[string][]*crm.Page // endpoint -> pages, 1-based by index+1
	errs  map[string]error       // endpoint -> error returned for every call
	calls []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{pages: make(map[string][]*crm.Page), errs: make(map[string]error)}
}

// serve registers one page per record slice.
func (c *fakeClient) serve(endpoint string, pages ...[]crm.Resource) {
	for i, recs := range pages {
		c.pages[endpoint] = append(c.pages[endpoint], &crm.Page{
			Records: recs,
			Pagination: crm.Pagination{
				CurrentPage: i + 1,
				TotalPages:  len(pages),
				TotalCount:  len(recs),
				HasMore:     i+1 < len(pages) && len(recs) > 0,
			},
		})
	}
}

func (c *fakeClient) FetchPage(_ context.Context, endpoint string, req crm.PageRequest) (*crm.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, endpoint)
	if err := c.errs[endpoint]; err != nil {
		return nil, err
	}
	pages := c.pages[endpoint]
	if req.Page > len(pages) {
		return &crm.Page{Pagination: crm.Pagination{CurrentPage: req.Page, TotalPages: len(pages)}}, nil
	}
	return pages[req.Page-1], nil
}

func (c *fakeClient) endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeCreds struct {
	client crm.Client
	err    error
}

func (f fakeCreds) ClientFor(context.Context, string) (crm.Client, error) {
	return f.client, f.err
}

// fakeUpserter counts every candidate as created.
type fakeUpserter struct {
	mu     sync.Mutex
	calls  int
	seen   []string
	caches []*lookup.Caches
	err    error
}

func (u *fakeUpserter) UpsertBatch(_ context.Context, caches *lookup.Caches, runID string, phase model.Phase, cands []model.Candidate) (upsert.BatchResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.caches = append(u.caches, caches)
	var res upsert.BatchResult
	if u.err != nil {
		return res, u.err
	}
	for _, c := range cands {
		u.seen = append(u.seen, c.ExternalID)
		res.Record(runID, phase, c.ExternalID, upsert.OutcomeCreated, nil, testNow)
	}
	return res, nil
}

// racingStore bumps the stored run's version before the caller's save, as
// a concurrent writer would, for the first conflicts saves.
type racingStore struct {
	store.RunStore
	conflicts int
}

func (s *racingStore) SaveRun(ctx context.Context, run *model.MigrationRun) error {
	if s.conflicts > 0 {
		s.conflicts--
		other, err := s.RunStore.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if err := s.RunStore.SaveRun(ctx, other); err != nil {
			return err
		}
	}
	return s.RunStore.SaveRun(ctx, run)
}

// syncLogDown fails every sync log read while err is set.
type syncLogDown struct {
	store.RunStore
	err error
}

func (s *syncLogDown) LastSync(ctx context.Context, integrationID string, phase model.Phase) (time.Time, error) {
	if s.err != nil {
		return time.Time{}, s.err
	}
	return s.RunStore.LastSync(ctx, integrationID, phase)
}

func newSQLiteRuns(t *testing.T) *store.SQLiteRunStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type harness struct {
	o        *Orchestrator
	runs     store.RunStore
	queue    *fakeQueue
	client   *fakeClient
	upserter *fakeUpserter
	caches   *lookup.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, newSQLiteRuns(t), opts...)
}

func newHarnessWith(t *testing.T, runs store.RunStore, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		runs:     runs,
		queue:    &fakeQueue{},
		client:   newFakeClient(),
		upserter: &fakeUpserter{},
		caches:   lookup.NewRegistry(),
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	h.o = New(runs, fakeCreds{client: h.client}, transform.New("crm"), h.upserter, h.caches, h.queue, opts...)
	return h
}

// drain handles queued messages until none are left, ignoring delays.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		msg, ok := h.queue.pop()
		if !ok {
			return
		}
		require.NoError(t, h.o.Handle(context.Background(), msg))
	}
	t.Fatal("queue did not drain")
}

func (h *harness) run(t *testing.T, id string) *model.MigrationRun {
	t.Helper()
	run, err := h.runs.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func userResource(id, email string) crm.Resource {
	return crm.Resource{
		ID:         crm.ID(id),
		Type:       "user",
		Attributes: []byte(`{"first_name": "User", "last_name": "` + id + `", "email": "` + email + `"}`),
	}
}
