package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

const (
	testUser     = "testuser"
	testPassword = "testpass2"
)

type staticAuth struct{}

func (staticAuth) Check(username, password string) bool {
	return username == testUser && password == testPassword
}

type fakeHistory struct {
	limit    int
	deviceID string
	readings []device.Reading
	err      error
}

func (h *fakeHistory) Recent(_ context.Context, deviceID string, limit int) ([]device.Reading, error) {
	h.deviceID, h.limit = deviceID, limit
	return h.readings, h.err
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func testDeps(store device.Store) Deps {
	return Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
			WebSocket: config.WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logger:   logging.Discard(),
		Store:    store,
		DeviceID: "device",
		Auth:     staticAuth{},
		Version:  "test",
	}
}

// testServer creates a Server over an in-memory device store.
func testServer(t *testing.T, mutate ...func(*Deps)) (*Server, *device.MemoryStore) {
	t.Helper()

	store := device.NewMemoryStore(device.DefaultValues())
	deps := testDeps(store)
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, store
}

func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func putAttribute(t *testing.T, srv *Server, attr, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/device/"+attr, strings.NewReader(body))
	if auth {
		req.SetBasicAuth(testUser, testPassword)
	}
	return do(t, srv, req)
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	store := device.NewMemoryStore(device.DefaultValues())
	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"no logger", func(d *Deps) { d.Logger = nil }},
		{"no store", func(d *Deps) { d.Store = nil }},
		{"no auth", func(d *Deps) { d.Auth = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps(store)
			tt.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

// ─── Health ────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Components = map[string]HealthChecker{
			"opcua": checkFunc(func(context.Context) error { return nil }),
		}
	})

	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" || resp.Components["opcua"] != "ok" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHealth_Degraded(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Components = map[string]HealthChecker{
			"opcua": checkFunc(func(context.Context) error { return nil }),
			"mqtt":  checkFunc(func(context.Context) error { return errors.New("mqtt: client not connected") }),
		}
	})

	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not connected") {
		t.Errorf("body = %s", w.Body.String())
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("X-Request-ID %q is not a UUID: %v", w.Header().Get("X-Request-ID"), err)
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")

	if got := do(t, srv, req).Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e.Code != ErrCodeNotFound {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := testServer(t)
	if w := do(t, srv, httptest.NewRequest(http.MethodGet, "/metrics", nil)); w.Code != http.StatusNotFound {
		t.Errorf("/metrics without handler = %d, want 404", w.Code)
	}

	srv, _ = testServer(t, func(d *Deps) {
		d.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("opcuasim_cycles_total 3\n"))
		})
	})
	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "opcuasim_cycles_total") {
		t.Errorf("/metrics = %d %q", w.Code, w.Body.String())
	}
}

// ─── Device ────────────────────────────────────────────────────────

func TestGetDevice(t *testing.T) {
	srv, store := testServer(t)
	if err := store.Set(device.AttrTemperature, 45.0); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/device", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var got device.Reading
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.DeviceID != "device" {
		t.Errorf("device_id = %q", got.DeviceID)
	}
	if !got.Snapshot.Switch || got.Snapshot.Temperature != 45 || got.Snapshot.DeviceName != "Huawei opcua simulator" {
		t.Errorf("snapshot = %+v", got.Snapshot)
	}
	if !got.TemperatureAlarm {
		t.Error("temperature 45 over threshold 40 should alarm")
	}
}

func TestWriteAttribute(t *testing.T) {
	tests := []struct {
		name     string
		attr     string
		body     string
		auth     bool
		wantCode int
		check    device.Attribute
		want     any
	}{
		{"switch off", "switch", `{"value":false}`, true, http.StatusOK, device.AttrSwitch, false},
		{"integer threshold", "temperature_threshold", `{"value":35}`, true, http.StatusOK, device.AttrTemperatureThreshold, 35.0},
		{"fractional threshold", "humidity_threshold", `{"value":70.5}`, true, http.StatusOK, device.AttrHumidityThreshold, 70.5},
		{"no credentials", "switch", `{"value":false}`, false, http.StatusUnauthorized, device.AttrSwitch, true},
		{"read-only temperature", "temperature", `{"value":12}`, true, http.StatusForbidden, device.AttrTemperature, 0.0},
		{"read-only humidity", "humidity", `{"value":12}`, true, http.StatusForbidden, device.AttrHumidity, 0.0},
		{"read-only name", "device_name", `{"value":"x"}`, true, http.StatusForbidden, device.AttrDeviceName, "Huawei opcua simulator"},
		{"unknown attribute", "pressure", `{"value":1}`, true, http.StatusNotFound, "", nil},
		{"wrong kind", "switch", `{"value":"off"}`, true, http.StatusBadRequest, device.AttrSwitch, true},
		{"invalid json", "switch", `{`, true, http.StatusBadRequest, device.AttrSwitch, true},
		{"missing value", "switch", `{}`, true, http.StatusBadRequest, device.AttrSwitch, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store := testServer(t)
			w := putAttribute(t, srv, tt.attr, tt.body, tt.auth)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.check == "" {
				return
			}
			got, _ := store.Get(tt.check)
			if got != tt.want {
				t.Errorf("%s = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestWriteAttribute_WrongPassword(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/device/switch", strings.NewReader(`{"value":false}`))
	req.SetBasicAuth(testUser, "wrong")

	w := do(t, srv, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
}

func TestWriteAttribute_ReturnsUpdatedDevice(t *testing.T) {
	srv, _ := testServer(t)
	w := putAttribute(t, srv, "switch", `{"value":false}`, true)

	var got device.Reading
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Snapshot.Switch {
		t.Error("response still shows switch on")
	}
}

// ─── History ───────────────────────────────────────────────────────

func TestDeviceHistory_Disabled(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/device/history", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestDeviceHistory(t *testing.T) {
	history := &fakeHistory{readings: []device.Reading{
		{ID: 2, DeviceID: "device", Snapshot: device.Snapshot{Temperature: 20}},
		{ID: 1, DeviceID: "device", Snapshot: device.Snapshot{Temperature: 10}},
	}}
	srv, _ := testServer(t, func(d *Deps) { d.History = history })

	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/device/history?limit=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if history.limit != 2 || history.deviceID != "device" {
		t.Errorf("Recent called with %q/%d", history.deviceID, history.limit)
	}

	var resp struct {
		Count    int              `json:"count"`
		Readings []device.Reading `json:"readings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 || resp.Readings[0].ID != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestDeviceHistory_Errors(t *testing.T) {
	history := &fakeHistory{}
	srv, _ := testServer(t, func(d *Deps) { d.History = history })

	for _, q := range []string{"?limit=abc", "?limit=0", "?limit=-3"} {
		w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/device/history"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}

	history.err = errors.New("disk full")
	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/v1/device/history", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Hub ───────────────────────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		client.subscriptions[ch] = struct{}{}
	}
	hub.Register(client)
	return client
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())
	client := newTestClient(hub, ChannelSnapshot)

	hub.Broadcast(ChannelSnapshot, map[string]any{"temperature": 1.5})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.Type != WSTypeEvent || wsMsg.EventType != ChannelSnapshot {
			t.Errorf("message = %+v", wsMsg)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())
	client := newTestClient(hub, "other.channel")

	hub.Broadcast(ChannelSnapshot, map[string]any{"temperature": 1.5})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ClientCountAndShutdown(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())
	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d", hub.ClientCount())
	}

	a := newTestClient(hub)
	newTestClient(hub)
	if hub.ClientCount() != 2 {
		t.Errorf("after register count = %d, want 2", hub.ClientCount())
	}

	hub.Unregister(a)
	hub.Unregister(a) // second call must not double-close
	if hub.ClientCount() != 1 {
		t.Errorf("after unregister count = %d, want 1", hub.ClientCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if hub.ClientCount() != 0 {
		t.Errorf("after shutdown count = %d, want 0", hub.ClientCount())
	}
}

func TestHub_SubscribeReplaysLastEvent(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())
	hub.Broadcast(ChannelSnapshot, map[string]any{"temperature": 21.5})

	client := newTestClient(hub)
	client.handleMessage([]byte(`{"type":"subscribe","id":"s1","payload":{"channels":["device.snapshot"]}}`))

	want := []string{WSTypeResponse, WSTypeEvent}
	for _, typ := range want {
		select {
		case msg := <-client.send:
			var wsMsg WSMessage
			if err := json.Unmarshal(msg, &wsMsg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if wsMsg.Type != typ {
				t.Errorf("message type = %q, want %q", wsMsg.Type, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestWSClient_HandleMessage(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType string
	}{
		{"ping", `{"type":"ping","id":"p"}`, WSTypePong},
		{"unsubscribe", `{"type":"unsubscribe","id":"u","payload":{"channels":["device.snapshot"]}}`, WSTypeResponse},
		{"empty channels", `{"type":"subscribe","id":"s","payload":{"channels":[]}}`, WSTypeError},
		{"missing payload", `{"type":"subscribe","id":"s"}`, WSTypeError},
		{"not json", `{`, WSTypeError},
		{"unknown type", `{"type":"bogus"}`, WSTypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(NewHub(config.WebSocketConfig{}, logging.Discard()), ChannelSnapshot)
			client.handleMessage([]byte(tt.frame))

			var wsMsg WSMessage
			if err := json.Unmarshal(<-client.send, &wsMsg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if wsMsg.Type != tt.wantType {
				t.Errorf("reply type = %q, want %q", wsMsg.Type, tt.wantType)
			}
		})
	}
}

func TestServer_DeliverBroadcastsReading(t *testing.T) {
	srv, _ := testServer(t)
	client := newTestClient(srv.Hub(), ChannelSnapshot)

	snap := device.Snapshot{Temperature: 50, TemperatureThreshold: 40, DeviceName: "Huawei opcua simulator"}
	if err := srv.Deliver(context.Background(), snap); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	select {
	case msg := <-client.send:
		var wsMsg struct {
			Payload device.Reading `json:"payload"`
		}
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.Payload.DeviceID != "device" || !wsMsg.Payload.TemperatureAlarm {
			t.Errorf("payload = %+v", wsMsg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	srv, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if srv.Addr() != "" {
		t.Errorf("Addr() before Start = %q", srv.Addr())
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := srv.Addr()

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv, _ := testServer(t, func(d *Deps) {
		d.Config.Port = ln.Addr().(*net.TCPAddr).Port
	})
	if err := srv.Start(context.Background()); err == nil {
		srv.Close()
		t.Fatal("Start() should fail when the port is taken")
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelSnapshot}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var response WSMessage
	if err := ws.ReadJSON(&response); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if response.Type != WSTypeResponse || response.ID != "sub-1" {
		t.Errorf("response = %+v", response)
	}

	if err := srv.Deliver(context.Background(), device.Snapshot{Temperature: 12.5}); err != nil {
		t.Fatal(err)
	}

	var event WSMessage
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelSnapshot {
		t.Errorf("event = %+v", event)
	}

	if err := ws.WriteJSON(WSMessage{Type: "bogus", ID: "x"}); err != nil {
		t.Fatal(err)
	}
	var errMsg WSMessage
	if err := ws.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if errMsg.Type != WSTypeError {
		t.Errorf("unknown message type answered with %q", errMsg.Type)
	}
}
