package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wecook/internal/auth"
	"wecook/internal/database"
	"wecook/internal/executor"
	"wecook/internal/planner"
	"wecook/internal/preferences"
	"wecook/internal/runs"
)

type slotTitles struct{}

func (slotTitles) ProposeTitle(ctx context.Context, p planner.SlotParams, exclude []string) (planner.TitleProposal, error) {
	return planner.TitleProposal{Title: fmt.Sprintf("%s %d", p.Meal, p.DayIndex)}, nil
}

// gatedExecutor fails while failures is positive and records every batch key
// it is asked to trigger.
type gatedExecutor struct {
	*executor.Memory

	mu        sync.Mutex
	failures  int
	batchKeys []string
}

func (g *gatedExecutor) TriggerBatch(ctx context.Context, jobs []executor.JobDescriptor, batchKey string) (executor.BatchHandle, error) {
	g.mu.Lock()
	g.batchKeys = append(g.batchKeys, batchKey)
	fail := g.failures > 0
	if fail {
		g.failures--
	}
	g.mu.Unlock()
	if fail {
		return executor.BatchHandle{}, errors.New("nats: timeout")
	}
	return g.Memory.TriggerBatch(ctx, jobs, batchKey)
}

func (g *gatedExecutor) failNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = n
}

func (g *gatedExecutor) keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.batchKeys...)
}

type fixture struct {
	srv    *httptest.Server
	exec   *gatedExecutor
	mem    *executor.Memory
	tokens *auth.Tokens
	user   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens := auth.NewTokens("secret", time.Hour)
	mem := executor.NewMemory(tokens)
	exec := &gatedExecutor{Memory: mem}
	prefs := preferences.NewRepository(db.SQL)
	plans := planner.NewPlanRepository(db.SQL)

	p := planner.NewPlanner(slotTitles{}, exec, planner.Options{Preferences: prefs, Plans: plans})
	s := NewServer(Deps{
		Planner:     p,
		Status:      runs.NewAggregator(mem, nil, nil),
		Users:       tokens,
		Preferences: prefs,
		History:     plans,
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "# metrics") }),
	})
	s.KeepAlive = 50 * time.Millisecond

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	userToken, err := tokens.IssueUserToken("u1", time.Hour)
	require.NoError(t, err)
	return &fixture{srv: srv, exec: exec, mem: mem, tokens: tokens, user: userToken}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func planBody() map[string]any {
	return map[string]any{
		"days":  3,
		"meals": map[string]bool{"breakfast": true, "dinner": true},
		"diet":  "vegetarian",
	}
}

func TestSubmitPlan(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/plans", f.user, planBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	got := decode[submitResponse](t, resp)
	assert.NotEmpty(t, got.BatchID)
	assert.NotEmpty(t, got.AccessToken)
	assert.Equal(t, 6, got.JobCount)

	// Retrying with the returned timestamp lands on the same batch.
	retry := planBody()
	retry["submitted_at"] = got.SubmittedAt
	resp = f.do(t, http.MethodPost, "/api/plans", f.user, retry)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, got.BatchID, decode[submitResponse](t, resp).BatchID)
	assert.Equal(t, 6, f.mem.Enqueued())

	resp = f.do(t, http.MethodGet, "/api/batches", f.user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]batchSummary](t, resp)
	require.Len(t, history, 1)
	assert.Equal(t, got.BatchID, history[0].BatchID)
}

func TestSubmitPlan_Errors(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/plans", "", planBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, decode[apiError](t, resp).Error)

	bad := planBody()
	bad["spice"] = "volcanic"
	resp = f.do(t, http.MethodPost, "/api/plans", f.user, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decode[apiError](t, resp)
	assert.Equal(t, CodeInvalidParameters, e.Error)
	assert.Equal(t, "spice", e.Field)

	assert.Equal(t, 0, f.mem.Enqueued())
}

func TestSubmitPlan_ExecutorFailureEchoesTimestamp(t *testing.T) {
	f := newFixture(t)
	f.exec.failNext(1)

	resp := f.do(t, http.MethodPost, "/api/plans", f.user, planBody())
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	e := decode[apiError](t, resp)
	assert.Equal(t, CodeExecutorFailure, e.Error)
	require.Positive(t, e.SubmittedAt)

	retry := planBody()
	retry["submitted_at"] = e.SubmittedAt
	resp = f.do(t, http.MethodPost, "/api/plans", f.user, retry)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	got := decode[submitResponse](t, resp)
	assert.Equal(t, e.SubmittedAt, got.SubmittedAt)

	keys := f.exec.keys()
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1], "retry reuses the batch key of the failed attempt")
	assert.Equal(t, 6, f.mem.Enqueued())
}

func TestPreferencesSeedSubmission(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/api/preferences", f.user, map[string]any{
		"meals": map[string]bool{"lunch": true},
		"diet":  "vegan",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/preferences", f.user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "vegan", decode[planner.RawRequest](t, resp).Diet)

	resp = f.do(t, http.MethodPost, "/api/plans", f.user, map[string]any{"days": 5})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	got := decode[submitResponse](t, resp)
	assert.Equal(t, 5, got.JobCount)

	jobs := f.mem.Jobs(got.BatchID)
	require.NotEmpty(t, jobs)
	assert.Equal(t, "vegan", jobs[0].Payload.Diet)
}

func TestBatchStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/plans", f.user, planBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sub := decode[submitResponse](t, resp)

	ids := f.mem.JobIDs(sub.BatchID)
	require.NoError(t, f.mem.SetStatus(sub.BatchID, ids[0], executor.StateCompleted, "recipe-1", ""))
	require.NoError(t, f.mem.SetStatus(sub.BatchID, ids[1], executor.StateFailed, "", "model refused"))

	resp = f.do(t, http.MethodGet, "/api/batches/"+sub.BatchID+"?token="+sub.AccessToken, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[runs.Snapshot](t, resp)
	assert.Equal(t, 6, snap.Total)
	assert.Equal(t, 17, snap.ProgressPercent)
	require.Len(t, snap.Errored, 1)
	assert.Equal(t, "model refused", snap.Errored[0].Error)

	resp = f.do(t, http.MethodGet, "/api/batches/"+sub.BatchID+"?token=forged", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBatchEvents(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/plans", f.user, map[string]any{
		"days":  3,
		"meals": map[string]bool{"dinner": true},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sub := decode[submitResponse](t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/batches/"+sub.BatchID+"/events?token="+sub.AccessToken, nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	go func() {
		for _, id := range f.mem.JobIDs(sub.BatchID) {
			f.mem.SetStatus(sub.BatchID, id, executor.StateCompleted, "recipe-"+id, "")
		}
	}()

	var events []string
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
			if name == "done" {
				break
			}
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "done", events[len(events)-1])
	assert.Contains(t, events, "snapshot")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
