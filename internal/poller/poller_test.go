package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runverify/replay-runner/internal/namecache"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store/memory"
	"github.com/runverify/replay-runner/internal/wakeup"
)

func TestTrackedRun_SubmittedAt(t *testing.T) {
	r := TrackedRun{Submitted: "2024-01-01T00:00:00Z"}
	ts, ok := r.SubmittedAt()
	require.True(t, ok)
	assert.Equal(t, 2024, ts.Year())

	_, ok = TrackedRun{}.SubmittedAt()
	assert.False(t, ok)

	_, ok = TrackedRun{Submitted: "not-a-date"}.SubmittedAt()
	assert.False(t, ok)
}

func newTestServer(t *testing.T, runsByPage [][]TrackedRun) *httptest.Server {
	t.Helper()
	page := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if page >= len(runsByPage) {
			json.NewEncoder(w).Encode(runsResponse{Data: nil})
			return
		}
		resp := runsResponse{Data: runsByPage[page]}
		page++
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestPollPair_InsertsOnlyNovelRuns(t *testing.T) {
	server := newTestServer(t, [][]TrackedRun{
		{
			{ID: "R1", Game: "G", Category: "C", Submitted: "2024-01-01T00:00:00Z"},
			{ID: "R2", Game: "G", Category: "C", Submitted: "2024-01-02T00:00:00Z"},
		},
	})
	defer server.Close()

	client := NewClient(server.URL, nil)
	s := memory.New()
	onInsert := wakeup.New()

	rules := runmodel.RuleSet{"G": runmodel.GameRules{Categories: map[string]runmodel.CategoryRules{"C": {}}}}
	names := namecache.New(client)
	p := New(client, s, rules, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), time.Hour, onInsert, names)

	ctx := context.Background()
	n, err := p.pollPair(ctx, "G", "C")
	require.NoError(t, err)
	assert.Equal(t, 1, n) // only R2 is after the 2024-01-01T12:00 cutoff

	run, err := s.GetRun(ctx, "R2")
	require.NoError(t, err)
	assert.Equal(t, runmodel.StatusDiscovered, run.Status)

	_, err = s.GetRun(ctx, "R1")
	assert.Error(t, err)
}

func TestPollOnce_SignalsOnInsert(t *testing.T) {
	server := newTestServer(t, [][]TrackedRun{
		{{ID: "R1", Game: "G", Category: "C", Submitted: "2024-01-01T00:00:00Z"}},
	})
	defer server.Close()

	client := NewClient(server.URL, nil)
	s := memory.New()
	onInsert := wakeup.New()
	rules := runmodel.RuleSet{"G": runmodel.GameRules{Categories: map[string]runmodel.CategoryRules{"C": {}}}}
	names := namecache.New(client)
	p := New(client, s, rules, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour, onInsert, names)

	p.pollOnce(context.Background())

	select {
	case <-onInsert.C():
	default:
		t.Fatal("expected onInsert to be signaled")
	}
}

func TestStreamRuns_PaginatesUntilShortPage(t *testing.T) {
	full := make([]TrackedRun, defaultPageSize)
	for i := range full {
		full[i] = TrackedRun{ID: fmt.Sprintf("r%d", i), Submitted: "2024-01-01T00:00:00Z"}
	}
	short := []TrackedRun{{ID: "last", Submitted: "2024-01-02T00:00:00Z"}}

	server := newTestServer(t, [][]TrackedRun{full, short})
	defer server.Close()

	client := NewClient(server.URL, nil)
	all, err := client.StreamRuns(context.Background(), "G", "C")
	require.NoError(t, err)
	assert.Len(t, all, defaultPageSize+1)
}
