package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Air-hive/Airhive-firmware-v2/internal/link"
	"github.com/Air-hive/Airhive-firmware-v2/internal/machine"
	"github.com/Air-hive/Airhive-firmware-v2/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.MachineEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev models.MachineEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Event
	}
	return out
}

type testAPI struct {
	handler http.Handler
	link    *link.Sim
	ctrl    *machine.Controller
	metrics *Metrics
	events  *recordingPublisher
	spans   *tracetest.SpanRecorder
}

func newTestAPI(t *testing.T, txBufferBytes int) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sim := link.NewSim(logger, txBufferBytes)
	ctrl := machine.New(sim, logger)
	metrics := NewMetrics()
	events := &recordingPublisher{}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	h := NewHTTPHandler(ctrl, metrics, logger,
		WithPublisher(events),
		WithInstance("gw-test"),
		WithTracer(tp.Tracer("test")),
	)
	return &testAPI{handler: h, link: sim, ctrl: ctrl, metrics: metrics, events: events, spans: spans}
}

func (a *testAPI) do(method, path string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
	if want >= http.StatusBadRequest && rec.Body.Len() != 0 {
		t.Fatalf("failure body = %q, want empty", rec.Body.String())
	}
}

// opaqueReader hides the body length from httptest so the handler must
// enforce the ceiling while reading.
type opaqueReader struct{ io.Reader }

func TestOversizedBodiesAreRejectedBeforeParsing(t *testing.T) {
	a := newTestAPI(t, 0)

	validCommands := `{"commands":["G28"],"pad":"` + strings.Repeat("x", machine.MaxCommandsPayload) + `"}`
	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/test", strings.Repeat("a", machine.MaxEchoPayload+1)},
		{http.MethodPost, "/commands", validCommands},
		{http.MethodGet, "/responses", `{"size": 10, "pad": "xxxxxxxxxxxxx"}`},
		{http.MethodPut, "/machine-config", `{"baudrate": 9600, "pad": "xxxxx"}`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			expectStatus(t, a.do(tt.method, tt.path, strings.NewReader(tt.body)), http.StatusRequestEntityTooLarge)
			expectStatus(t, a.do(tt.method, tt.path, opaqueReader{strings.NewReader(tt.body)}), http.StatusRequestEntityTooLarge)
		})
	}
	if a.link.Pending() != 0 {
		t.Fatalf("pending = %d after oversized batch", a.link.Pending())
	}
	if a.ctrl.Settings() != (models.Settings{}) {
		t.Fatalf("settings changed to %+v", a.ctrl.Settings())
	}
}

func TestEchoRoundTrip(t *testing.T) {
	a := newTestAPI(t, 0)

	payload := []byte{0x00, 0xff, 'h', 'i', '\n', 0x7f}
	rec := a.do(http.MethodGet, "/test", bytes.NewReader(payload), "Content-Type", "application/x-airhive")
	expectStatus(t, rec, http.StatusOK)
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatalf("echo body = %v, want %v", rec.Body.Bytes(), payload)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-airhive" {
		t.Fatalf("content type = %q", ct)
	}

	// Echoing the echo changes nothing.
	again := a.do(http.MethodGet, "/test", bytes.NewReader(rec.Body.Bytes()), "Content-Type", rec.Header().Get("Content-Type"))
	if !bytes.Equal(again.Body.Bytes(), payload) {
		t.Fatalf("second echo body = %v", again.Body.Bytes())
	}

	exact := strings.Repeat("z", machine.MaxEchoPayload)
	rec = a.do(http.MethodGet, "/test", strings.NewReader(exact))
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != exact {
		t.Fatalf("64-byte echo = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != DefaultContentType {
		t.Fatalf("default content type = %q", ct)
	}
}

func TestStartStopTransitions(t *testing.T) {
	a := newTestAPI(t, 0)

	expectStatus(t, a.do(http.MethodPut, "/start", nil), http.StatusOK)
	expectStatus(t, a.do(http.MethodPut, "/start", nil), http.StatusBadRequest)
	expectStatus(t, a.do(http.MethodPut, "/stop", nil), http.StatusOK)
	expectStatus(t, a.do(http.MethodPut, "/stop", nil), http.StatusBadRequest)

	if got := testutil.ToFloat64(a.metrics.transitions.WithLabelValues("running")); got != 1 {
		t.Fatalf("running transitions = %v, want 1", got)
	}
	want := []string{models.EventStarted, models.EventStopped}
	if got := a.events.names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestClearAlwaysSucceeds(t *testing.T) {
	a := newTestAPI(t, 0)

	for range 3 {
		expectStatus(t, a.do(http.MethodPut, "/clear", nil), http.StatusOK)
	}
	expectStatus(t, a.do(http.MethodPut, "/start", nil), http.StatusOK)
	expectStatus(t, a.do(http.MethodPut, "/clear", nil), http.StatusOK)
	expectStatus(t, a.do(http.MethodPut, "/clear", nil), http.StatusOK)

	if a.ctrl.State() != models.StateRunning {
		t.Fatalf("state = %s after clear", a.ctrl.State())
	}
}

func TestClearDropsQueuedCommands(t *testing.T) {
	a := newTestAPI(t, 0)

	expectStatus(t, a.do(http.MethodPost, "/commands", strings.NewReader(`{"commands":["G28","M105"]}`)), http.StatusOK)
	if a.link.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", a.link.Pending())
	}
	expectStatus(t, a.do(http.MethodPut, "/clear", nil), http.StatusOK)
	if a.link.Pending() != 0 {
		t.Fatalf("pending = %d after clear", a.link.Pending())
	}
}

func TestCommandsBatch(t *testing.T) {
	a := newTestAPI(t, 0)

	rec := a.do(http.MethodPost, "/commands", strings.NewReader(`{"commands":["G28","G1 X10 Y10",""]}`))
	expectStatus(t, rec, http.StatusOK)

	var out struct {
		SentCommands int `json:"sent_commands"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SentCommands != 3 {
		t.Fatalf("sent_commands = %d, want 3", out.SentCommands)
	}
	if got := testutil.ToFloat64(a.metrics.commandsAccepted); got != 3 {
		t.Fatalf("accepted counter = %v", got)
	}

	a.events.mu.Lock()
	ev := a.events.events[0]
	a.events.mu.Unlock()
	if ev.Event != models.EventCommands || ev.Count != 3 || ev.BatchID == "" || ev.Instance != "gw-test" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCommandsRejectsWholeBatch(t *testing.T) {
	a := newTestAPI(t, 0)

	long := strings.Repeat("G", machine.MaxCommandLength)
	tests := []struct {
		name, body string
	}{
		{"not json", `commands=G28`},
		{"not an array", `{"commands":"G28"}`},
		{"missing", `{}`},
		{"non-string", `{"commands":["G28", 5]}`},
		{"null element", `{"commands":["G28", null]}`},
		{"one too long", `{"commands":["G28","` + long + `","M105"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/commands", strings.NewReader(tt.body))
			expectStatus(t, rec, http.StatusBadRequest)
		})
	}
	if a.link.Pending() != 0 {
		t.Fatalf("pending = %d after rejected batches", a.link.Pending())
	}
	if got := testutil.ToFloat64(a.metrics.batchesRejected.WithLabelValues("malformed")); got != float64(len(tests)) {
		t.Fatalf("rejected counter = %v", got)
	}
	if len(a.events.names()) != 0 {
		t.Fatalf("events published for rejected batches: %v", a.events.names())
	}
}

func TestCommandsQueueFull(t *testing.T) {
	a := newTestAPI(t, 16)

	expectStatus(t, a.do(http.MethodPost, "/commands", strings.NewReader(`{"commands":["G28"]}`)), http.StatusOK)
	expectStatus(t, a.do(http.MethodPost, "/commands", strings.NewReader(`{"commands":["G1 X1","G1 X2"]}`)), http.StatusServiceUnavailable)

	if a.link.Pending() != 1 {
		t.Fatalf("pending = %d, want only the first batch", a.link.Pending())
	}

	// Valid batches keep getting 503 while idle until the queue is cleared.
	expectStatus(t, a.do(http.MethodPost, "/commands", strings.NewReader(`{"commands":["G1 X1","G1 X2"]}`)), http.StatusServiceUnavailable)
	expectStatus(t, a.do(http.MethodPut, "/clear", nil), http.StatusOK)
	expectStatus(t, a.do(http.MethodPost, "/commands", strings.NewReader(`{"commands":["G1 X1","G1 X2"]}`)), http.StatusOK)
	if got := testutil.ToFloat64(a.metrics.batchesRejected.WithLabelValues("queue_full")); got != 2 {
		t.Fatalf("queue_full rejections = %v, want 2", got)
	}
}

func TestResponses(t *testing.T) {
	a := newTestAPI(t, 0)

	for size, want := range map[int]int{500: 100, 100: 100, 10: 10, 1: 1} {
		body, _ := json.Marshal(map[string]int{"size": size})
		rec := a.do(http.MethodGet, "/responses", bytes.NewReader(body))
		expectStatus(t, rec, http.StatusOK)

		var out struct {
			Responses string `json:"responses"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Responses) != want {
			t.Errorf("size %d: len = %d, want %d", size, len(out.Responses), want)
		}
	}

	for _, body := range []string{`{"size":0}`, `{"size":-1}`, `{}`, `{"size":"10"}`, `{"size":2.5}`, `nope`} {
		expectStatus(t, a.do(http.MethodGet, "/responses", strings.NewReader(body)), http.StatusBadRequest)
	}
}

func TestMachineStatus(t *testing.T) {
	a := newTestAPI(t, 0)

	status := func() string {
		rec := a.do(http.MethodGet, "/machine-status", nil)
		expectStatus(t, rec, http.StatusOK)
		var out struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out.Status
	}

	if got := status(); got != "Connected" {
		t.Fatalf("status = %q", got)
	}
	a.link.SetConnected(false)
	if got := status(); got != "Disconnected" {
		t.Fatalf("status = %q", got)
	}
}

func TestMachineConfig(t *testing.T) {
	a := newTestAPI(t, 0)

	expectStatus(t, a.do(http.MethodPut, "/machine-config", strings.NewReader(`{"baudrate":9600}`)), http.StatusOK)
	expectStatus(t, a.do(http.MethodPut, "/machine-config", strings.NewReader(`{"baudrate":9600}`)), http.StatusOK)
	if a.link.BaudRate() != 9600 {
		t.Fatalf("link baud = %d", a.link.BaudRate())
	}

	// Configuration does not depend on the machine state.
	expectStatus(t, a.do(http.MethodPut, "/start", nil), http.StatusOK)
	expectStatus(t, a.do(http.MethodPut, "/machine-config", strings.NewReader(`{"baudrate":115200}`)), http.StatusOK)

	for _, body := range []string{`{"baudrate":0}`, `{"baudrate":-1}`, `{"baudrate":"fast"}`, `{}`, `{"baudrate":null}`} {
		expectStatus(t, a.do(http.MethodPut, "/machine-config", strings.NewReader(body)), http.StatusBadRequest)
	}
	if got := a.ctrl.Settings().BaudRate; got != 115200 {
		t.Fatalf("baud = %d after rejected requests", got)
	}
}

func TestRequestsAreTracedAndCounted(t *testing.T) {
	a := newTestAPI(t, 0)

	a.do(http.MethodPut, "/start", nil)
	a.do(http.MethodPut, "/start", nil)

	spans := a.spans.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "PUT /start" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	if got := testutil.ToFloat64(a.metrics.requests.WithLabelValues("PUT /start", "400")); got != 1 {
		t.Fatalf("400 counter = %v", got)
	}
}
