package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formicaio/pkg/background"
	"github.com/cuemby/formicaio/pkg/batch"
	"github.com/cuemby/formicaio/pkg/events"
	"github.com/cuemby/formicaio/pkg/launcher"
	"github.com/cuemby/formicaio/pkg/locktable"
	"github.com/cuemby/formicaio/pkg/manager"
	"github.com/cuemby/formicaio/pkg/metrics"
	"github.com/cuemby/formicaio/pkg/metricscache"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

func newTestServer(t *testing.T) (*Server, storage.Store, *launcher.FakeLauncher) {
	t.Helper()
	store := storage.NewMemStore()
	fake := launcher.NewFakeLauncher()
	locks := locktable.New()
	cmds := events.NewBroker[types.BgCmd](zerolog.Nop())
	cmds.Start()
	t.Cleanup(cmds.Stop)
	cancel := events.NewBroker[types.BatchID](zerolog.Nop())
	cancel.Start()
	t.Cleanup(cancel.Stop)

	mgr := manager.New(store, locks, metricscache.New(store), fake, nil, cmds)
	sched := batch.New(mgr, store, locks, cancel)
	bg := background.New(store, locks, metricscache.New(store), fake, nil, nil, nil, cmds, types.Settings{})

	s := NewServer(mgr, sched, bg, store, nil, []string{"*"})
	return s, store, fake
}

func validOpts() types.NodeOpts {
	return types.NodeOpts{
		NodeIP:      "127.0.0.1",
		Port:        12000,
		MetricsPort: 14000,
		RewardsAddr: "0x1111111111111111111111111111111111111111",
	}
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleNodesList_ReturnsEmptyFleet(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/nodes/list", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var list types.NodeList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Nodes)
}

func TestHandleNodeCreate_RejectsInvalidRewardsAddr(t *testing.T) {
	s, _, _ := newTestServer(t)

	opts := validOpts()
	opts.RewardsAddr = "not-an-address"
	rec := doJSON(t, s, http.MethodPost, "/api/nodes/create", opts)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, string(types.KindInvalidInput), errResp.Kind)
}

func TestHandleNodeCreate_ThenListIncludesNode(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/nodes/create", validOpts())
	require.Equal(t, http.StatusCreated, rec.Code)
	var info types.NodeInstanceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.NotEmpty(t, info.NodeID)

	rec = doJSON(t, s, http.MethodPost, "/api/nodes/list", nil)
	var list types.NodeList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Nodes, 1)
}

func TestHandleNodeAction_StartUnknownNodeReturnsNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/nodes/deadbeef/start", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSettings_RoundTrip(t *testing.T) {
	s, _, _ := newTestServer(t)

	newSettings := types.Settings{NodesMetricsPollingSecs: 42, PageSize: 10}
	rec := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(newSettings))
		req := httptest.NewRequest(http.MethodPut, "/api/settings", &buf)
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		return rr
	}()
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 42, got.NodesMetricsPollingSecs)
}

func TestHandleBatchCreate_RejectsEmptyNodeListForNonCreate(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := batchCreateRequest{BatchType: types.BatchType{Kind: types.BatchStart}, IntervalSecs: 1}
	rec := doJSON(t, s, http.MethodPost, "/api/batches", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBatchCancel_AcceptsUnknownID(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/batches/1234", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleMcpStatus_ReportsNotRunningWhenUnwired(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/mcp/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, false, got["running"])
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleLive_AlwaysReturnsOK(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReady_ReportsNotReadyUntilComponentsRegister(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("launcher", true, "")
	metrics.RegisterComponent("api", true, "")

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
