package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/pipeline"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

type fakeControl struct {
	mu      sync.Mutex
	forced  []string
	ctxErrs []error
	paused  bool
}

func (f *fakeControl) Force(ctx context.Context, stage po3.Stage, instruments ...string) []pipeline.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	out := make([]pipeline.Report, 0, len(instruments))
	for _, inst := range instruments {
		f.forced = append(f.forced, inst+":"+stage.String())
		out = append(out, pipeline.Report{
			Instrument: inst, Stage: stage, Trigger: po3.TriggerForced,
			Verdict: po3.Verdict{Action: po3.ActionBlocked, Reason: "stage 1 incomplete"},
			From:    po3.StatusPendingBias, To: po3.StatusPendingBias,
		})
	}
	return out
}

func (f *fakeControl) Pause(context.Context) error  { f.paused = true; return nil }
func (f *fakeControl) Resume(context.Context) error { f.paused = false; return nil }
func (f *fakeControl) Paused(context.Context) bool  { return f.paused }

type webFixture struct {
	server  *Server
	srv     *httptest.Server
	control *fakeControl
	store   *storage.ContextStore
	repo    *storage.Repository
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	cfg := &config.Config{
		Instruments: []string{"EURUSD", "GBPUSD"},
		Trading:     config.TradingConfig{Timezone: "UTC"},
		Broker:      config.BrokerConfig{Provider: "mt5"},
	}
	f := &webFixture{
		control: &fakeControl{},
		store:   storage.NewContextStore(db, time.UTC),
		repo:    storage.NewRepository(db),
	}
	s := NewServer(f.control, f.store, f.repo, cfg, logger.Discard())
	s.spawn = func(fn func()) { fn() }
	f.server = s
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *webFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndMetrics(t *testing.T) {
	f := newWebFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStatusListsEveryInstrument(t *testing.T) {
	f := newWebFixture(t)
	f.control.paused = true

	resp, body := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Paused   bool           `json:"paused"`
		Contexts []*po3.Context `json:"contexts"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.Paused)
	require.Len(t, got.Contexts, 2)
	assert.Equal(t, "EURUSD", got.Contexts[0].Instrument)
	assert.Equal(t, po3.StatusPendingBias, got.Contexts[1].Status)
}

func TestContextEndpoint(t *testing.T) {
	f := newWebFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/contexts/eurusd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var c po3.Context
	require.NoError(t, json.Unmarshal(body, &c))
	assert.Equal(t, "EURUSD", c.Instrument)

	resp, _ = f.do(t, http.MethodGet, "/api/contexts/USDJPY", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/contexts/EURUSD/logs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForceWaitReturnsReports(t *testing.T) {
	f := newWebFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/force", ForceRequest{Stage: "3", Instruments: []string{"gbpusd"}, Wait: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []ReportView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "GBPUSD", views[0].Instrument)
	assert.Equal(t, 3, views[0].Stage)
	assert.Equal(t, "BLOCKED", views[0].Action)
	assert.Equal(t, []string{"GBPUSD:entry"}, f.control.forced)
}

func TestForceWaitSurvivesClientDisconnect(t *testing.T) {
	f := newWebFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body, err := json.Marshal(ForceRequest{Stage: "1", Instruments: []string{"EURUSD"}, Wait: true})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/force", bytes.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()

	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.control.ctxErrs, 1)
	assert.NoError(t, f.control.ctxErrs[0])
}

func TestForceAsyncDefaultsToAll(t *testing.T) {
	f := newWebFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/force", ForceRequest{Stage: "bias"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var acc ForceAccepted
	require.NoError(t, json.Unmarshal(body, &acc))
	assert.Equal(t, 1, acc.Stage)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, acc.Instruments)
	assert.Equal(t, []string{"EURUSD:bias", "GBPUSD:bias"}, f.control.forced)
}

func TestForceRejectsBadInput(t *testing.T) {
	f := newWebFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/force", ForceRequest{Stage: "9"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/force", ForceRequest{Stage: "1", Instruments: []string{"USDJPY"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "USDJPY")

	resp, _ = f.do(t, http.MethodGet, "/api/force", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Empty(t, f.control.forced)
}

func TestResetEndpoint(t *testing.T) {
	f := newWebFixture(t)
	ctx := context.Background()

	c, err := f.store.Get(ctx, "EURUSD")
	require.NoError(t, err)
	c.Status, c.Locked = po3.StatusPendingEntry, true
	require.NoError(t, f.store.Save(ctx, c))

	resp, _ := f.do(t, http.MethodPost, "/api/reset/EURUSD", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/reset/EURUSD?force=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got po3.Context
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, po3.StatusPendingBias, got.Status)
	assert.False(t, got.Locked)
}

func TestPauseResumeEndpoints(t *testing.T) {
	f := newWebFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/pause", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"paused":true}`, string(body))
	assert.True(t, f.control.paused)

	_, body = f.do(t, http.MethodPost, "/api/resume", nil)
	assert.JSONEq(t, `{"paused":false}`, string(body))
}

func TestOrdersAndDashboard(t *testing.T) {
	f := newWebFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.SaveOrder(ctx, &storage.OrderRecord{
		Instrument: "EURUSD", Ticket: "1001", Direction: "BUY", Status: storage.OrderActive, Price: 1.0832,
	}))
	require.NoError(t, f.repo.SaveOrder(ctx, &storage.OrderRecord{
		Instrument: "GBPUSD", Ticket: "1002", Direction: "SELL", Status: storage.OrderClosed, PnL: -4.5,
	}))

	resp, body := f.do(t, http.MethodGet, "/api/orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []storage.OrderRecord
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 2)

	_, body = f.do(t, http.MethodGet, "/api/orders?open=true", nil)
	var open []storage.OrderRecord
	require.NoError(t, json.Unmarshal(body, &open))
	require.Len(t, open, 1)
	assert.Equal(t, "1001", open[0].Ticket)

	resp, body = f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "EURUSD")
	assert.Contains(t, string(body), "1001")

	resp, _ = f.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
