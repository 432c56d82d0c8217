package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/somfy-rts/internal/config"
	"github.com/shaunagostinho/somfy-rts/internal/controller"
	"github.com/shaunagostinho/somfy-rts/internal/metrics"
	"github.com/shaunagostinho/somfy-rts/internal/simulator"
)

type fixture struct {
	srv *Server
	ts  *httptest.Server
	dev *simulator.Device
	cfg *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	dev := simulator.New(simulator.Options{Paired: 2})
	reg := metrics.NewRegistry()
	ctl := controller.New(controller.SimulatorOpener(dev), controller.Options{MaxBlind: 4, Metrics: metrics.New(reg)})
	go ctl.Run(ctx)
	require.Eventually(t, func() bool { return ctl.Status().Connected }, 2*time.Second, 5*time.Millisecond)

	cfg := config.LoadConfig(filepath.Join(t.TempDir(), "config.yaml"), nil)
	web := fstest.MapFS{"index.html": {Data: []byte("<html>blinds</html>")}}
	srv := New(cfg, ctl, reg, web, nil)
	go srv.pump(ctx)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-ctl.Done()
	})
	return &fixture{srv: srv, ts: ts, dev: dev, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestStatusAndBlinds(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/api/status", "")
	assert.Equal(t, 200, code)
	var st controller.Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.True(t, st.Connected)

	code, body = f.do(t, "GET", "/api/blinds", "")
	assert.Equal(t, 200, code)
	var blinds []controller.Blind
	require.NoError(t, json.Unmarshal([]byte(body), &blinds))
	assert.Len(t, blinds, 2)

	code, body = f.do(t, "GET", "/api/blinds/1", "")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, `"inUse":true`)
}

func TestOperateEndpoint(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "POST", "/api/blinds/2/down", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, "down", f.dev.Position(2))

	code, _ = f.do(t, "POST", "/api/blinds/1/open", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, "up", f.dev.Position(1))

	code, body := f.do(t, "POST", "/api/blinds/3/up", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body, "NO ADDRESS")

	code, _ = f.do(t, "POST", "/api/blinds/2/sideways", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, "POST", "/api/blinds/0/up", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, "POST", "/api/blinds/300/up", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRemoveAndRescan(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "DELETE", "/api/blinds/1", "")
	assert.Equal(t, 200, code)
	code, body := f.do(t, "POST", "/api/blinds/rescan", "")
	assert.Equal(t, 200, code)
	var blinds []controller.Blind
	require.NoError(t, json.Unmarshal([]byte(body), &blinds))
	require.Len(t, blinds, 1)
	assert.Equal(t, uint8(2), blinds[0].ID)
}

func TestLedAndMaintenance(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "POST", "/api/led", `{"color":"red","action":"blink","duration":300}`)
	assert.Equal(t, 200, code)
	code, _ = f.do(t, "POST", "/api/led", `{"color":"blue","action":"blink"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, "POST", "/api/dongle/bcheck", "")
	assert.Equal(t, 200, code)
	code, _ = f.do(t, "POST", "/api/dongle/self-destruct", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := f.do(t, "GET", "/api/alive", "")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, `"rssi":-48`)
}

func TestConfigEndpoint(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/api/config", "")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, `"listenAddr":":8080"`)

	var changed atomic.Int32
	f.srv.OnConfigChange = func(*config.Config) { changed.Add(1) }

	code, _ = f.do(t, "POST", "/api/config", `{"dongle":{"rateLimit":5}}`)
	assert.Equal(t, 200, code)
	assert.EqualValues(t, 1, changed.Load())
	assert.Equal(t, 5.0, f.cfg.Dongle.RateLimit)
	assert.Equal(t, "passthrough", f.cfg.Dongle.WireFormat)

	code, _ = f.do(t, "POST", "/api/config", `not json`)
	assert.Equal(t, 400, code)
	code, _ = f.do(t, "PUT", "/api/config", `{}`)
	assert.Equal(t, 405, code)
}

func TestMetricsAndStatic(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/api/blinds/1/stop", "")

	code, body := f.do(t, "GET", "/metrics", "")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, `somfy_dongle_commands_total{op="operate-blind",result="ok"} 1`)
	assert.Contains(t, body, "somfy_dongle_connected 1")

	code, body = f.do(t, "GET", "/", "")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, "blinds")
}

func TestWebSocketEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Frame
	require.NoError(t, conn.ReadJSON(&first))
	require.NotNil(t, first.Status)
	assert.True(t, first.Status.Connected)
	assert.Len(t, first.Blinds, 2)

	code, _ := f.do(t, "POST", "/api/blinds/1/my", "")
	require.Equal(t, 200, code)

	var ev Frame
	require.NoError(t, conn.ReadJSON(&ev))
	require.NotNil(t, ev.Event)
	assert.Equal(t, controller.EventCommand, ev.Event.Type)
	assert.Equal(t, "operate-blind", ev.Event.Op)
	assert.Equal(t, 1, ev.Event.Blind)
	assert.Equal(t, "my", ev.Event.Action)
	assert.True(t, ev.Event.OK)
}
