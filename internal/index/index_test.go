package index

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

func seed(t *testing.T, idx Index) {
	t.Helper()
	docs := []Document{
		{ID: 1, DatasetID: 1, Text: "What is 2 + 2?", Category: "math", Difficulty: "easy"},
		{ID: 2, DatasetID: 1, Text: "Solve the equation 2x = 4", Category: "math", Difficulty: "medium"},
		{ID: 3, DatasetID: 1, Text: "Who crossed the Rubicon?", Category: "history", Difficulty: "easy"},
		{ID: 4, DatasetID: 2, Text: "Equation of a line, equation of a plane", Category: "math", Difficulty: "hard"},
	}
	if err := idx.Upsert(context.Background(), docs); err != nil {
		t.Fatal(err)
	}
}

func ids(r Result) []uint {
	out := make([]uint, 0, len(r.Hits))
	for _, h := range r.Hits {
		out = append(out, h.ID)
	}
	return out
}

func equalIDs(a, b []uint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemoryIndexSearch(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx)
	ctx := context.Background()

	tests := []struct {
		name  string
		q     Query
		p     Page
		want  []uint
		total int64
	}{
		{"category filter orders by id", Query{Category: "math", DatasetID: 1}, Page{}, []uint{1, 2}, 2},
		{"keyword relevance first", Query{Keyword: "equation"}, Page{}, []uint{4, 2}, 2},
		{"keyword with filter", Query{Keyword: "equation", DatasetID: 1}, Page{}, []uint{2}, 1},
		{"no match", Query{Keyword: "photosynthesis"}, Page{}, []uint{}, 0},
		{"paging", Query{}, Page{Page: 2, PageSize: 3}, []uint{4}, 4},
		{"past the end", Query{}, Page{Page: 5, PageSize: 3}, []uint{}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := idx.Search(ctx, tt.q, tt.p)
			if err != nil {
				t.Fatal(err)
			}
			if got := ids(res); !equalIDs(got, tt.want) || res.Total != tt.total {
				t.Fatalf("got %v total %d, want %v total %d", got, res.Total, tt.want, tt.total)
			}
		})
	}
}

func TestMemoryIndexUpsertReplacesAndDelete(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx)
	ctx := context.Background()

	_ = idx.Upsert(ctx, []Document{{ID: 3, DatasetID: 1, Text: "Name a prime number", Category: "math"}})
	res, _ := idx.Search(ctx, Query{Keyword: "rubicon"}, Page{})
	if res.Total != 0 {
		t.Fatal("old text still indexed after replace")
	}
	res, _ = idx.Search(ctx, Query{Category: "math", DatasetID: 1}, Page{})
	if !equalIDs(ids(res), []uint{1, 2, 3}) {
		t.Fatalf("got %v", ids(res))
	}

	_ = idx.DeleteDataset(ctx, 1)
	res, _ = idx.Search(ctx, Query{}, Page{})
	if !equalIDs(ids(res), []uint{4}) {
		t.Fatalf("after delete got %v", ids(res))
	}
}

func TestAckTracker(t *testing.T) {
	tr := NewAckTracker()
	ctx := context.Background()

	if err := tr.Wait(ctx, 1); err != nil {
		t.Fatalf("wait with nothing pending: %v", err)
	}

	tr.Expect(1, "a")
	tr.Expect(1, "b")
	done := make(chan error, 1)
	go func() { done <- tr.Wait(ctx, 1) }()

	tr.Ack(1, "a", nil)
	tr.Ack(1, "unknown", nil)
	select {
	case <-done:
		t.Fatal("Wait returned with a job still pending")
	case <-time.After(20 * time.Millisecond):
	}
	tr.Ack(1, "b", nil)
	if err := <-done; err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	tr.Expect(2, "c")
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := tr.Wait(tctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	tr.Ack(2, "c", errors.New("boom"))
	if err := tr.Wait(ctx, 2); err == nil {
		t.Fatal("failed job should fail Wait")
	}
}

func TestUpdaterAppliesAndAcks(t *testing.T) {
	idx := NewMemoryIndex()
	tr := NewAckTracker()
	h := NewHandler(idx, tr)
	var applied []uint
	h.OnApplied = func(_ context.Context, id uint) { applied = append(applied, id) }

	u := NewUpdater(h, 1)
	u.Start(context.Background())
	defer u.Close()

	for i, text := range []string{"alpha", "beta", "gamma"} {
		job := Job{ID: text, DatasetID: 7, Batch: i + 1, Docs: []Document{{ID: uint(i + 1), DatasetID: 7, Text: text}}}
		tr.Expect(7, job.ID)
		if err := u.Dispatch(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Wait(ctx, 7); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	res, _ := idx.Search(context.Background(), Query{DatasetID: 7}, Page{})
	if res.Total != 3 || len(applied) != 3 {
		t.Fatalf("total %d applied %v", res.Total, applied)
	}

	u.Close()
	if err := u.Dispatch(context.Background(), Job{}); !errors.Is(err, ErrUpdaterClosed) {
		t.Fatalf("dispatch after close: %v", err)
	}
}

func newFakeES(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, body string)) *elasticsearch.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		b, _ := io.ReadAll(r.Body)
		handle(w, r, string(b))
	}))
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestElasticIndexUpsertOnlyQuestionFields(t *testing.T) {
	var gotBody, gotQuery string
	client := newFakeES(t, func(w http.ResponseWriter, r *http.Request, body string) {
		gotBody = body
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"errors":false,"items":[]}`)
	})
	idx := NewElasticIndex(client, "questions")

	err := idx.Upsert(context.Background(), []Document{{ID: 5, DatasetID: 1, Text: "What is 2+2?", Category: "math"}})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if !strings.Contains(gotQuery, "refresh=wait_for") {
		t.Fatalf("bulk query = %q", gotQuery)
	}
	lines := strings.Split(strings.TrimSpace(gotBody), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"_id":"5"`) {
		t.Fatalf("bulk body = %q", gotBody)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &doc); err != nil {
		t.Fatal(err)
	}
	for k := range doc {
		switch k {
		case "id", "dataset_id", "text", "category", "difficulty":
		default:
			t.Fatalf("unexpected field %q in indexed document", k)
		}
	}
}

func TestElasticIndexBulkItemError(t *testing.T) {
	client := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `{"errors":true,"items":[{"index":{"status":400,"error":{"reason":"mapper_parsing_exception"}}}]}`)
	})
	err := NewElasticIndex(client, "questions").Upsert(context.Background(), []Document{{ID: 1, Text: "x"}})
	if err == nil || !strings.Contains(err.Error(), "mapper_parsing_exception") {
		t.Fatalf("expected item error, got %v", err)
	}
}

func TestElasticIndexSearch(t *testing.T) {
	var query map[string]any
	client := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, body string) {
		_ = json.Unmarshal([]byte(body), &query)
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":2},"hits":[
			{"_id":"4","_score":null,"sort":[2.5,4]},
			{"_id":"2","_score":null,"sort":[1.1,2]}]}}`)
	})
	res, err := NewElasticIndex(client, "questions").Search(context.Background(),
		Query{Keyword: "equation", Category: "math"}, Page{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !equalIDs(ids(res), []uint{4, 2}) || res.Total != 2 || res.Hits[0].Score != 2.5 {
		t.Fatalf("result = %+v", res)
	}
	sort, _ := query["sort"].([]any)
	if len(sort) != 2 {
		t.Fatalf("sort = %v", query["sort"])
	}
}
