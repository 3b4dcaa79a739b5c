package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/graph-batch-client/internal/testutil"
	"github.com/Sternrassler/graph-batch-client/pkg/batch"
	"github.com/Sternrassler/graph-batch-client/pkg/client"
	"github.com/Sternrassler/graph-batch-client/pkg/dispatcher"
	"github.com/Sternrassler/graph-batch-client/pkg/request"
	"github.com/Sternrassler/graph-batch-client/pkg/stream"
	"github.com/rs/zerolog"
)

type user struct {
	ID string `json:"id"`
}

func userItem(i int) any {
	return map[string]string{"id": fmt.Sprintf("u%04d", i)}
}

func quietLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

func newDispatcher(t *testing.T, baseURL string) *dispatcher.Dispatcher {
	t.Helper()
	scfg := client.DefaultConfig()
	scfg.Logger = quietLogger()
	scfg.Retry.TransientBackoff = 10 * time.Millisecond
	scfg.Retry.DefaultRetryAfter = 10 * time.Millisecond
	sender, err := client.NewSender(scfg)
	if err != nil {
		t.Fatal(err)
	}

	cfg := dispatcher.DefaultConfig(sender)
	cfg.BaseURL = baseURL
	cfg.Concurrency = 4
	cfg.IdleFlush = 20 * time.Millisecond
	cfg.Logger = quietLogger()
	d, err := dispatcher.New(cfg)
	if err != nil {
		t.Fatalf("dispatcher.New() error = %v", err)
	}
	t.Cleanup(d.Dispose)
	return d
}

func get(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := request.New(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func collect[T any](t *testing.T, q *Query[T]) ([]T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return q.Collect(ctx)
}

func ids(users []user) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	slices.Sort(out)
	return out
}

// stubSubmitter records requests without answering them.
type stubSubmitter struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	reqs []*http.Request
	cbs  []batch.Callback
}

func newStubSubmitter() *stubSubmitter {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &stubSubmitter{ctx: ctx, cancel: cancel}
}

func (s *stubSubmitter) Enqueue(req *http.Request, cb batch.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	s.cbs = append(s.cbs, cb)
}

func (s *stubSubmitter) Context() context.Context { return s.ctx }

func (s *stubSubmitter) OnCancel(fn func()) func() bool {
	return context.AfterFunc(s.ctx, fn)
}

func (s *stubSubmitter) requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reqs)
}

func TestCollection_FollowsNextLinks(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetHandler("/users", testutil.CollectionHandler(250, 100, userItem))

	d := newDispatcher(t, mock.URL())
	q := NewQuery(d, "users", CollectionConstructor[user]())
	if err := q.Submit(get(t, mock.URL()+"/users")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	q.Close()

	got, err := collect(t, q)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 250 {
		t.Errorf("items = %d, want 250", len(got))
	}
	if n := len(slices.Compact(ids(got))); n != 250 {
		t.Errorf("unique items = %d, want 250", n)
	}
	if n := mock.PathCount("/users"); n != 3 {
		t.Errorf("page requests = %d, want 3", n)
	}
	if q.DeltaLink() == "" {
		t.Error("DeltaLink() is empty")
	}
}

func TestCollection_ErrorStatusFailsStream(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetHandler("/users", testutil.JSONHandler(http.StatusForbidden,
		`{"error":{"code":"Authorization_RequestDenied","message":"denied"}}`))

	d := newDispatcher(t, mock.URL())
	q := NewQuery(d, "users", CollectionConstructor[user]())
	if err := q.Submit(get(t, mock.URL()+"/users")); err != nil {
		t.Fatal(err)
	}
	q.Close()

	_, err := collect(t, q)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Collect() error = %v, want *client.APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", apiErr.StatusCode)
	}
}

func TestCollection_IgnoredStatusCompletesQuietly(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	d := newDispatcher(t, mock.URL())
	q := NewQuery(d, "missing", CollectionConstructor[user](), IgnoreStatus(http.StatusNotFound))
	if err := q.Submit(get(t, mock.URL()+"/nowhere")); err != nil {
		t.Fatal(err)
	}
	q.Close()

	got, err := collect(t, q)
	if err != nil {
		t.Fatalf("Collect() error = %v, want nil", err)
	}
	if len(got) != 0 {
		t.Errorf("items = %d, want 0", len(got))
	}
}

func TestPartitioning_Scan(t *testing.T) {
	tests := []struct {
		name         string
		total        int
		partitions   int
		pageSize     int
		wantRequests int
	}{
		{"fewer items than partitions cover", 250, 16, 100, 18},
		{"single partition", 250, 1, 100, 3},
		{"exact multiple", 200, 2, 100, 4},
		{"empty collection", 0, 4, 100, 4},
		{"small pages", 95, 3, 10, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockGraph()
			defer mock.Close()
			mock.SetHandler("/users", testutil.CollectionHandler(tt.total, tt.pageSize, userItem))

			d := newDispatcher(t, mock.URL())
			q := NewQuery(d, "users", PartitioningConstructor[user](), WithPartitions(tt.partitions, tt.pageSize))
			if err := q.Submit(get(t, mock.URL()+"/users?$filter=accountEnabled%20eq%20true")); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			q.Close()

			got, err := collect(t, q)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if len(got) != tt.total {
				t.Errorf("items = %d, want %d", len(got), tt.total)
			}
			if n := len(slices.Compact(ids(got))); n != tt.total {
				t.Errorf("unique items = %d, want %d", n, tt.total)
			}
			if n := mock.PathCount("/users"); n != tt.wantRequests {
				t.Errorf("window requests = %d, want %d", n, tt.wantRequests)
			}
		})
	}
}

func TestPartitioning_RejectsRangeParams(t *testing.T) {
	tests := []string{
		"/users?$top=5",
		"/users?$skip=10",
		"/users?%24top=5",
		"/users?$filter=x&$SKIP=1",
	}

	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			sub := newStubSubmitter()
			q := NewQuery[user](sub, "users", PartitioningConstructor[user]())

			err := q.Submit(get(t, "https://graph.example.com/v1.0"+path))
			if !errors.Is(err, ErrRangeParamsNotAllowed) {
				t.Errorf("Submit() error = %v, want ErrRangeParamsNotAllowed", err)
			}
			if n := len(sub.requests()); n != 0 {
				t.Errorf("enqueued = %d, want 0", n)
			}

			q.Close()
			select {
			case <-q.Results().Done():
			case <-time.After(time.Second):
				t.Fatal("stream did not complete after rejected submit")
			}
		})
	}
}

func TestPartitioning_InitialWindows(t *testing.T) {
	sub := newStubSubmitter()
	q := NewQuery[user](sub, "users", PartitioningConstructor[user](), WithPartitions(16, 100))
	if err := q.Submit(get(t, "https://graph.example.com/v1.0/users")); err != nil {
		t.Fatal(err)
	}

	reqs := sub.requests()
	if len(reqs) != 16 {
		t.Fatalf("initial windows = %d, want 16", len(reqs))
	}
	for i, r := range reqs {
		want := fmt.Sprintf("$skip=%d&$top=100", i*100)
		if r.URL.RawQuery != want {
			t.Errorf("window %d query = %q, want %q", i, r.URL.RawQuery, want)
		}
	}
}

type member struct {
	ID string `json:"id"`
}

type group struct {
	ID      string
	Members []member
}

func attachMembers(g group, ms []member) group {
	g.Members = ms
	return g
}

func TestNested_EmitsParentsWithAllChildren(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetHandler("/groups/g1/members", testutil.CollectionHandler(5, 2, func(i int) any {
		return map[string]string{"id": fmt.Sprintf("m%d", i)}
	}))
	mock.SetHandler("/groups/g2/members", testutil.CollectionHandler(0, 2, nil))

	d := newDispatcher(t, mock.URL())
	q := NewQuery(d, "groups", Constructor[group](nil), IgnoreStatus(http.StatusNotFound))
	for _, id := range []string{"g1", "g2", "g3"} {
		ctor := NestedConstructor(group{ID: id}, attachMembers, CollectionConstructor[member]())
		if err := q.SubmitWith(ctor, get(t, mock.URL()+"/groups/"+id+"/members")); err != nil {
			t.Fatalf("SubmitWith(%s) error = %v", id, err)
		}
	}
	q.Close()

	got, err := collect(t, q)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	want := map[string]int{"g1": 5, "g2": 0, "g3": 0}
	if len(got) != len(want) {
		t.Fatalf("parents = %d, want %d", len(got), len(want))
	}
	for _, g := range got {
		if len(g.Members) != want[g.ID] {
			t.Errorf("%s members = %d, want %d", g.ID, len(g.Members), want[g.ID])
		}
	}
	if n := mock.PathCount("/groups/g1/members"); n != 3 {
		t.Errorf("g1 member pages = %d, want 3", n)
	}
}

func TestNested_ChildInitializeErrorEmitsNothing(t *testing.T) {
	sub := newStubSubmitter()
	q := NewQuery(sub, "groups", NestedConstructor(group{ID: "g1"}, attachMembers, PartitioningConstructor[member]()))

	err := q.Submit(get(t, "https://graph.example.com/v1.0/groups/g1/members?$top=5"))
	if !errors.Is(err, ErrRangeParamsNotAllowed) {
		t.Fatalf("Submit() error = %v, want ErrRangeParamsNotAllowed", err)
	}
	q.Close()

	got, err := collect(t, q)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("parents = %v, want none", got)
	}
	if n := len(sub.requests()); n != 0 {
		t.Errorf("enqueued = %d, want 0", n)
	}
}

func TestNested_ChildErrorFailsOuterStream(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetHandler("/groups/g1/members", testutil.JSONHandler(http.StatusForbidden,
		`{"error":{"code":"Forbidden","message":"no"}}`))

	d := newDispatcher(t, mock.URL())
	q := NewQuery(d, "groups", NestedConstructor(group{ID: "g1"}, attachMembers, CollectionConstructor[member]()))
	if err := q.Submit(get(t, mock.URL()+"/groups/g1/members")); err != nil {
		t.Fatal(err)
	}
	q.Close()

	got, err := collect(t, q)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Collect() error = %v, want *client.APIError", err)
	}
	if len(got) != 0 {
		t.Errorf("parents = %d, want 0", len(got))
	}
}

func TestSingleOperation_Results(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetHandler("/users/ok", testutil.JSONHandler(http.StatusOK, `{"id":"ok"}`))
	mock.SetHandler("/users/nocontent", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mock.SetHandler("/users/bad", testutil.JSONHandler(http.StatusBadRequest,
		`{"error":{"code":"Request_BadRequest","message":"invalid value"}}`))
	mock.SetHandler("/users/plain", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("conflict"))
	})

	d := newDispatcher(t, mock.URL())
	progress := NewProgress(*quietLogger())
	q := NewQuery(d, "ops", SingleOperationConstructor[user](progress))
	for _, id := range []string{"ok", "nocontent", "bad", "plain"} {
		if err := q.Submit(get(t, mock.URL()+"/users/"+id)); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()

	got, err := collect(t, q)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("results = %d, want 4", len(got))
	}

	tests := []struct {
		key      string
		wantOK   bool
		wantID   string
		wantCode string
		status   int
	}{
		{"/users/ok", true, "ok", "", 0},
		{"nocontent", true, "", "", 0},
		{"/users/bad", false, "", "Request_BadRequest", 400},
		{"users/plain", false, "", "Conflict", 409},
	}
	for _, tt := range tests {
		r := resultFor(got, tt.key)
		if r == nil {
			t.Errorf("no result for %s", tt.key)
			continue
		}
		if r.Succeeded() != tt.wantOK {
			t.Errorf("%s: Succeeded() = %v, want %v", tt.key, r.Succeeded(), tt.wantOK)
		}
		if r.Item.ID != tt.wantID {
			t.Errorf("%s: Item.ID = %q, want %q", tt.key, r.Item.ID, tt.wantID)
		}
		if r.Error != nil {
			if r.Error.Error.Code != tt.wantCode {
				t.Errorf("%s: code = %q, want %q", tt.key, r.Error.Error.Code, tt.wantCode)
			}
			if r.Error.StatusCode != tt.status {
				t.Errorf("%s: status = %d, want %d", tt.key, r.Error.StatusCode, tt.status)
			}
		}
	}

	succeeded, failed := progress.Counts()
	if succeeded != 2 || failed != 2 {
		t.Errorf("Counts() = %d, %d, want 2, 2", succeeded, failed)
	}
}

func resultFor(results []OperationResult[user], suffix string) *OperationResult[user] {
	for i := range results {
		uri := results[i].RequestURI
		if len(uri) >= len(suffix) && uri[len(uri)-len(suffix):] == suffix {
			return &results[i]
		}
	}
	return nil
}

func TestHandler_CancelReleasesProducerSlot(t *testing.T) {
	sub := newStubSubmitter()
	q := NewQuery[user](sub, "users", CollectionConstructor[user]())
	if err := q.Submit(get(t, "https://graph.example.com/v1.0/users")); err != nil {
		t.Fatal(err)
	}
	q.Close()

	cause := errors.New("batch failed")
	sub.cancel(cause)

	_, err := collect(t, q)
	if !errors.Is(err, cause) {
		t.Errorf("Collect() error = %v, want %v", err, cause)
	}
}

func TestQuery_SubmitAfterClose(t *testing.T) {
	sub := newStubSubmitter()
	q := NewQuery[user](sub, "users", CollectionConstructor[user]())
	q.Close()

	err := q.Submit(get(t, "https://graph.example.com/v1.0/users"))
	if !errors.Is(err, stream.ErrNoMoreProducers) {
		t.Errorf("Submit() error = %v, want ErrNoMoreProducers", err)
	}
}

func TestRegistry(t *testing.T) {
	r := StandardRegistry[user]()

	for _, kind := range []Kind{KindCollection, KindPartitioned} {
		if _, err := r.Lookup(kind); err != nil {
			t.Errorf("Lookup(%s) error = %v", kind, err)
		}
	}
	if _, err := r.Lookup("delta"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Lookup(delta) error = %v, want ErrUnknownKind", err)
	}

	r.Register("delta", CollectionConstructor[user]())
	if got := len(r.Kinds()); got != 3 {
		t.Errorf("Kinds() = %d, want 3", got)
	}
}

func TestProgress_Counts(t *testing.T) {
	p := NewProgress(*quietLogger())
	var wg sync.WaitGroup
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Record(i%5 != 0)
		}()
	}
	wg.Wait()

	s, f := p.Counts()
	if s != 200 || f != 50 {
		t.Errorf("Counts() = %d, %d, want 200, 50", s, f)
	}
}
