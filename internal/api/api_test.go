package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sdn-guard/internal/alert"
	"sdn-guard/internal/anomaly"
	"sdn-guard/internal/archive"
	"sdn-guard/internal/controller"
	"sdn-guard/internal/group"
	"sdn-guard/internal/installer"
	"sdn-guard/internal/meter"
	"sdn-guard/internal/model"
	"sdn-guard/internal/pipeline"
	"sdn-guard/internal/policy"
	"sdn-guard/internal/rules"
	"sdn-guard/internal/stats"
	"sdn-guard/internal/switches"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSouthbound struct {
	mu        sync.Mutex
	failFlows map[uint64]bool
	polls     int
}

func (f *fakeSouthbound) InstallFlow(ctx context.Context, switchID uint64, command model.FlowCommand, entry model.FlowEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFlows[switchID] {
		return errors.New("table full")
	}
	return nil
}

func (f *fakeSouthbound) InstallMeter(ctx context.Context, switchID uint64, command model.ModCommand, m model.Meter) error {
	return nil
}

func (f *fakeSouthbound) InstallGroup(ctx context.Context, switchID uint64, command model.ModCommand, g model.Group) error {
	return nil
}

func (f *fakeSouthbound) RequestStats(ctx context.Context, switchID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return nil
}

func (f *fakeSouthbound) SendPacketOut(ctx context.Context, switchID uint64, decision model.PacketDecision) error {
	return nil
}

func (f *fakeSouthbound) fail(switchID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFlows[switchID] = true
}

func (f *fakeSouthbound) heal(switchID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failFlows, switchID)
}

type testEnv struct {
	srv      *Server
	handler  http.Handler
	ctrl     *controller.Controller
	sb       *fakeSouthbound
	alerts   *alert.Store
	detector *anomaly.Detector
	archive  *archive.Archive
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	mock := clock.NewMock()
	sb := &fakeSouthbound{failFlows: make(map[uint64]bool)}

	registry := switches.NewRegistry(mock, nil, logger)
	ctrl := controller.New(controller.Config{}, sb, controller.Components{
		Switches:  registry,
		Firewall:  policy.NewStore(model.KindFirewall, filepath.Join(dir, "firewall_rules.json"), nil, logger),
		Slices:    policy.NewStore(model.KindSlice, filepath.Join(dir, "slices.json"), nil, logger),
		Installer: installer.New(sb, registry, logger),
		Meters:    meter.NewManager(sb, nil, logger),
		Groups:    group.NewManager(sb, group.DefaultMinQuality, nil, logger),
		Stats:     stats.NewCollector(sb, mock, time.Second, time.Minute, nil, logger),
		Processor: pipeline.NewProcessor(rules.NewEngine(logger), nil, logger),
	}, nil, logger)

	arch, err := archive.Open(filepath.Join(dir, "data", "alerts.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	env := &testEnv{
		ctrl:     ctrl,
		sb:       sb,
		alerts:   alert.NewStore(100, logger),
		detector: anomaly.NewDetector(anomaly.Config{}, mock, nil, logger),
		archive:  arch,
	}
	env.srv = NewServer(Options{
		Controller: ctrl,
		Detector:   env.detector,
		Alerts:     env.alerts,
		Archive:    arch,
		Rules:      []model.Rule{{Name: "syn_flood", Enabled: true, Severity: model.SeverityHigh}},
		JWTSecret:  secret,
		Version:    "test",
		Logger:     logger,
	})
	env.handler = env.srv.Router()
	return env
}

func (e *testEnv) connect(t *testing.T, ids ...uint64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.ctrl.ConnectSwitch(context.Background(), model.SwitchFeatures{DatapathID: id, Ports: []uint32{1, 2, 3}}))
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndPreflight(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodOptions, "/api/v1/firewall/rules", nil, "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestFirewallRuleLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	rule := model.PolicyRule{ID: "block-ssh", Protocol: "tcp", DstPort: 22, Action: model.PolicyDeny}

	rec := env.do(t, http.MethodPost, "/api/v1/firewall/rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created controller.MutationResult
	decode(t, rec, &created)
	assert.Equal(t, "block-ssh", created.Rule.ID)
	assert.Empty(t, created.FailedSwitches)

	rec = env.do(t, http.MethodPost, "/api/v1/firewall/rules", rule)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/firewall/rules/block-ssh", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rule.DstPort = 2222
	rec = env.do(t, http.MethodPut, "/api/v1/firewall/rules/block-ssh", rule)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated controller.MutationResult
	decode(t, rec, &updated)
	assert.Equal(t, uint16(2222), updated.Rule.DstPort)

	rec = env.do(t, http.MethodGet, "/api/v1/firewall/rules", nil)
	var list []model.PolicyRule
	decode(t, rec, &list)
	assert.Len(t, list, 1)

	rec = env.do(t, http.MethodDelete, "/api/v1/firewall/rules/block-ssh", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/firewall/rules/block-ssh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/firewall/rules/block-ssh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidationErrorNamesField(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/v1/firewall/rules", model.PolicyRule{ID: "bad", SrcIP: "10.0.0.300", Action: model.PolicyDeny})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "src_ip", body["field"])
	assert.NotEmpty(t, body["reason"])

	rec = env.do(t, http.MethodPost, "/api/v1/slices", model.PolicyRule{ID: "empty"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, "hosts", body["field"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/slices", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	env.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestMutationReportsFailedSwitches(t *testing.T) {
	env := newTestEnv(t, "")
	env.connect(t, 1, 2)
	env.sb.fail(2)

	rec := env.do(t, http.MethodPost, "/api/v1/slices", model.PolicyRule{ID: "gold", Hosts: []string{"10.0.3.0/24"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result struct {
		Rule           model.PolicyRule  `json:"rule"`
		FailedSwitches map[string]string `json:"failed_switches"`
	}
	decode(t, rec, &result)
	assert.Equal(t, "gold", result.Rule.ID)
	require.Len(t, result.FailedSwitches, 1)
	assert.Contains(t, result.FailedSwitches, "2")

	_, ok := env.ctrl.Slices().Get("gold")
	assert.True(t, ok, "the slice is kept even though a switch rejected it")
}

func TestSwitchEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	env.connect(t, 1)

	rec := env.do(t, http.MethodGet, "/api/v1/switches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.Switch
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(1), list[0].DatapathID)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/switches/1", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/switches/0x1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/switches/9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/switches/abc", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/switches/1/meters", nil).Code)
}

func TestReinstallSwitch(t *testing.T) {
	env := newTestEnv(t, "")
	env.sb.fail(4)
	require.Error(t, env.ctrl.ConnectSwitch(context.Background(), model.SwitchFeatures{DatapathID: 4}))

	rec := env.do(t, http.MethodPost, "/api/v1/switches/4/reinstall", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	var failed struct {
		Error  string       `json:"error"`
		Switch model.Switch `json:"switch"`
	}
	decode(t, rec, &failed)
	assert.Contains(t, failed.Error, "table full")
	assert.True(t, failed.Switch.Degraded)

	env.sb.heal(4)
	rec = env.do(t, http.MethodPost, "/api/v1/switches/4/reinstall", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ok struct {
		Switch model.Switch `json:"switch"`
	}
	decode(t, rec, &ok)
	assert.Equal(t, model.SwitchActive, ok.Switch.State)
	assert.False(t, ok.Switch.Degraded)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/switches/9/reinstall", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/switches/abc/reinstall", nil).Code)
}

func TestRouteEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	env.connect(t, 1)

	rec := env.do(t, http.MethodPost, "/api/v1/switches/1/multipath", multipathRequest{
		DstIP:      "10.0.9.9",
		Candidates: []group.Candidate{{Port: 1, Quality: 0.9}, {Port: 2, Quality: 0.8}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var route controller.Route
	decode(t, rec, &route)
	assert.Equal(t, controller.RouteMultipath, route.Mode)
	assert.NotZero(t, route.GroupID)

	rec = env.do(t, http.MethodGet, "/api/v1/switches/1/groups", nil)
	var groups []model.Group
	decode(t, rec, &groups)
	assert.Len(t, groups, 1)

	rec = env.do(t, http.MethodPost, "/api/v1/switches/1/multipath", multipathRequest{
		DstIP:      "10.0.9.10",
		Candidates: []group.Candidate{{Port: 1, Quality: 0.1}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/switches/7/multipath", multipathRequest{DstIP: "10.0.9.9"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/switches/1/failover", failoverRequest{DstIP: "10.0.8.8", Primary: 1, Backups: []uint32{2}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/switches/1/routes", nil)
	var routes []controller.Route
	decode(t, rec, &routes)
	assert.Len(t, routes, 2)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/v1/switches/1/routes?dst_ip=10.0.9.9", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/v1/switches/1/routes?dst_ip=10.0.9.9", nil).Code)
}

func TestStatsEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	env.connect(t, 1)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/stats/flows", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/stats/flows?switch_id=1", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/stats/ports?switch_id=1", nil).Code)

	var poll map[string]interface{}
	rec := env.do(t, http.MethodPost, "/api/v1/stats/poll?switch_id=1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	decode(t, rec, &poll)
	assert.Equal(t, true, poll["polled"])

	rec = env.do(t, http.MethodPost, "/api/v1/stats/poll?switch_id=1", nil)
	decode(t, rec, &poll)
	assert.Equal(t, false, poll["polled"], "second poll inside the interval is throttled")

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/stats/poll?switch_id=5", nil).Code)
}

func idsAlert(id string, ts time.Time) model.Alert {
	return model.Alert{
		ID:        id,
		Category:  model.CategoryIDS,
		Type:      model.AlertSYNFlood,
		Severity:  model.SeverityHigh,
		SrcIP:     "10.0.0.66",
		Message:   "syn flood",
		Timestamp: ts,
	}
}

func TestAlertEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		a := idsAlert(id, base.Add(time.Duration(i)*time.Minute))
		env.alerts.Add(a)
		require.NoError(t, env.archive.SendAlert(a))
	}

	rec := env.do(t, http.MethodGet, "/api/v1/ids/alerts?limit=2", nil)
	var alerts []model.Alert
	decode(t, rec, &alerts)
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[0].ID)
	assert.Equal(t, "c", alerts[1].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/alerts/archive?since="+base.Add(30*time.Second).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &alerts)
	require.Len(t, alerts, 2)
	assert.Equal(t, "c", alerts[0].ID, "archive returns newest first")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/alerts/archive?since=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/alerts/archive?limit=-1", nil).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/anomaly/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status anomaly.Status
	decode(t, rec, &status)
	assert.Equal(t, anomaly.ModeLearning, status.Mode)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/anomaly/reset", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/anomaly/alerts", nil).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/rules", nil)
	var configured []model.Rule
	decode(t, rec, &configured)
	require.Len(t, configured, 1)
	assert.Equal(t, "syn_flood", configured[0].Name)
}

func TestArchiveDisabled(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.archive = nil
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/v1/alerts/archive", nil).Code)

	rec := env.do(t, http.MethodGet, "/api/v1/system/info", nil)
	var info map[string]interface{}
	decode(t, rec, &info)
	assert.Equal(t, false, info["archive_enabled"])
	assert.Equal(t, "test", info["version"])
}

func TestJWTGuardsMutations(t *testing.T) {
	const secret = "s3cret"
	env := newTestEnv(t, secret)
	rule := model.PolicyRule{ID: "block-ftp", Protocol: "tcp", DstPort: 21, Action: model.PolicyDeny}

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/firewall/rules", nil).Code, "reads stay open")
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/v1/firewall/rules", rule).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/v1/firewall/rules", rule, "Authorization", "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/v1/firewall/rules", rule, "Authorization", "Bearer not-a-jwt").Code)

	forged, err := IssueToken("other", "mallory", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/v1/firewall/rules", rule, "Authorization", "Bearer "+forged).Code)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	expiredToken, err := expired.SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/v1/firewall/rules", rule, "Authorization", "Bearer "+expiredToken).Code)

	token, err := IssueToken(secret, "operator", time.Hour)
	require.NoError(t, err)
	rec := env.do(t, http.MethodPost, "/api/v1/firewall/rules", rule, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestStreamAlerts(t *testing.T) {
	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream/alerts?category=ids"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello["type"])
	require.Equal(t, 1, env.alerts.Subscribers())

	env.alerts.Add(model.Alert{ID: "skip", Category: model.CategoryAnomaly, Type: model.AlertTrafficSpike})
	env.alerts.Add(idsAlert("x1", time.Now()))

	var msg struct {
		Type  string      `json:"type"`
		Alert model.Alert `json:"alert"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "x1", msg.Alert.ID)
}
