package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/pulsewatch/internal/auth"
	"github.com/HerbHall/pulsewatch/internal/event"
	"github.com/HerbHall/pulsewatch/internal/pulse"
	"github.com/HerbHall/pulsewatch/internal/testutil"
	"github.com/HerbHall/pulsewatch/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type streamFixture struct {
	srv     *httptest.Server
	bus     *event.Bus
	handler *Handler
	tokens  *auth.TokenService
}

func newStreamFixture(t *testing.T, withAuth bool) *streamFixture {
	t.Helper()
	bus := event.NewBus(testLogger())
	var tokens *auth.TokenService
	if withAuth {
		tokens = auth.NewTokenService([]byte("stream-secret-32-bytes-long!!!!"), time.Hour)
	}
	h := NewHandler(tokens, bus, testLogger())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &streamFixture{srv: srv, bus: bus, handler: h, tokens: tokens}
}

func (f *streamFixture) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + StreamPath + query
}

func (f *streamFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL(query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(2 * time.Second)
	for f.handler.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func (f *streamFixture) publish(topic string, payload any) {
	_ = f.bus.Publish(context.Background(), plugin.Event{
		Topic:     topic,
		Source:    "pulse",
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHandler_StreamsPulseEvents(t *testing.T) {
	f := newStreamFixture(t, false)
	conn := f.dial(t, "")

	result := testutil.NewResult("ep-1", 503, time.Now())
	f.publish(pulse.TopicResultRecorded, &result)
	msg := readMessage(t, conn)
	if msg["type"] != string(MessageResult) || msg["endpoint_id"] != "ep-1" {
		t.Fatalf("message = %v", msg)
	}
	data := msg["data"].(map[string]any)
	if data["success"] != false || data["status_code"] != float64(503) {
		t.Errorf("data = %v", data)
	}

	f.publish(pulse.TopicAlertTriggered, &pulse.TriggerDecision{
		ID:          "d-1",
		Rule:        testutil.NewStatusRule("ep-1", []string{pulse.ChannelSlack}, 200),
		Endpoint:    testutil.NewEndpoint(testutil.WithEndpointID("ep-1")),
		Description: "Status code 503 not in expected codes [200]",
		Trigger:     true,
	})
	if msg := readMessage(t, conn); msg["type"] != string(MessageAlert) {
		t.Errorf("type = %v, want alert", msg["type"])
	}

	f.publish(pulse.TopicNotificationFailed, &pulse.DeliveryRecord{EndpointID: "ep-1", Channel: "slack", Error: "boom"})
	msg = readMessage(t, conn)
	if msg["type"] != string(MessageNotificationFailed) || msg["data"].(map[string]any)["error"] != "boom" {
		t.Errorf("message = %v", msg)
	}

	f.publish(pulse.TopicTickCompleted, &pulse.TickSummary{Checked: 3})
	msg = readMessage(t, conn)
	if msg["type"] != string(MessageTick) || msg["data"].(map[string]any)["checked"] != float64(3) {
		t.Errorf("message = %v", msg)
	}
}

func TestHandler_EndpointFilter(t *testing.T) {
	f := newStreamFixture(t, false)
	conn := f.dial(t, "?endpoint=ep-2")

	f.publish(pulse.TopicResultRecorded, &pulse.CheckResult{EndpointID: "ep-1"})
	f.publish(pulse.TopicResultRecorded, &pulse.CheckResult{EndpointID: "ep-2"})

	if msg := readMessage(t, conn); msg["endpoint_id"] != "ep-2" {
		t.Errorf("first message endpoint = %v, want ep-2", msg["endpoint_id"])
	}
}

func TestHandler_RequiresStreamToken(t *testing.T) {
	f := newStreamFixture(t, true)

	for _, query := range []string{"", "?token=garbage"} {
		resp, err := http.Get(f.srv.URL + StreamPath + query)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("query %q status = %d, want 401", query, resp.StatusCode)
		}
	}

	token, err := f.tokens.Issue("dashboard", auth.ScopeStream)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conn := f.dial(t, "?token="+token)
	f.publish(pulse.TopicTickCompleted, &pulse.TickSummary{})
	if msg := readMessage(t, conn); msg["type"] != string(MessageTick) {
		t.Errorf("type = %v, want tick", msg["type"])
	}
}

func dialWithOrigin(f *streamFixture, query, origin string) (*websocket.Conn, *http.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, f.wsURL(query), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{origin}},
	})
}

func TestHandler_OriginCheckedWithoutAuth(t *testing.T) {
	f := newStreamFixture(t, false)

	conn, resp, err := dialWithOrigin(f, "", "https://evil.example")
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("cross-origin dial succeeded on an unauthenticated stream")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-origin response = %v, want 403", resp)
	}

	conn, _, err = dialWithOrigin(f, "", f.srv.URL)
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestHandler_AnyOriginWithToken(t *testing.T) {
	f := newStreamFixture(t, true)
	token, err := f.tokens.Issue("dashboard", auth.ScopeStream)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	conn, _, err := dialWithOrigin(f, "?token="+token, "https://dashboard.example")
	if err != nil {
		t.Fatalf("cross-origin dial with token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestHandler_CloseUnsubscribes(t *testing.T) {
	f := newStreamFixture(t, false)
	client := newTestClient("direct", "")
	f.handler.Hub().Register(client)

	f.handler.Close()
	f.publish(pulse.TopicTickCompleted, &pulse.TickSummary{})

	if len(client.send) != 0 {
		t.Errorf("queued = %d after Close, want 0", len(client.send))
	}
}

func TestTranslate_UnknownPayload(t *testing.T) {
	if _, ok := translate("pulse.other", time.Now(), "string payload"); ok {
		t.Error("translate accepted an unknown payload")
	}
}
