// Package api serves the gateway HTTP surface.
//
// Failure responses carry only a status code; the body is empty.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Air-hive/Airhive-firmware-v2/internal/link"
	"github.com/Air-hive/Airhive-firmware-v2/internal/machine"
	"github.com/Air-hive/Airhive-firmware-v2/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultContentType is echoed back when /test is called without one.
const DefaultContentType = "application/octet-stream"

// EventPublisher receives an event after every successful state-changing request.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.MachineEvent) error
}

type Handler struct {
	machine  *machine.Controller
	metrics  *Metrics
	events   EventPublisher
	log      *zap.Logger
	tracer   trace.Tracer
	instance string
}

// Option configures the HTTP handler.
type Option func(*Handler)

// WithPublisher publishes MachineEvents through p.
func WithPublisher(p EventPublisher) Option {
	return func(h *Handler) { h.events = p }
}

// WithInstance sets the gateway instance ID carried by events.
func WithInstance(id string) Option {
	return func(h *Handler) { h.instance = id }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) { h.tracer = t }
}

func NewHTTPHandler(ctrl *machine.Controller, metrics *Metrics, logger *zap.Logger, opts ...Option) http.Handler {
	h := &Handler{
		machine:  ctrl,
		metrics:  metrics,
		log:      logger.Named("http"),
		tracer:   otel.Tracer("airhive/api"),
		instance: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	h.handle(mux, "GET /test", h.handleEcho)
	h.handle(mux, "POST /commands", h.handleCommands)
	h.handle(mux, "GET /responses", h.handleResponses)
	h.handle(mux, "GET /machine-status", h.handleStatus)
	h.handle(mux, "PUT /start", h.handleStart)
	h.handle(mux, "PUT /stop", h.handleStop)
	h.handle(mux, "PUT /clear", h.handleClear)
	h.handle(mux, "PUT /machine-config", h.handleConfig)
	return mux
}

// handle registers fn under pattern with a span and a request counter.
func (h *Handler) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), pattern, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		h.metrics.observeRequest(pattern, rec.status)
	})
}

func (h *Handler) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, machine.MaxEchoPayload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = DefaultContentType
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleCommands answers 200, 413 or 400 like the rest of the surface, plus
// 503 when the link queue cannot hold the batch. 503 is an extension: the
// machine starts idle with transmission paused, so queued batches accumulate
// until /start or /clear and the queue budget is the backpressure point.
func (h *Handler) handleCommands(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, machine.MaxCommandsPayload)
	if err != nil {
		h.rejectBatch(w, r, err)
		return
	}
	cmds, err := machine.ParseCommandBatch(body)
	if err != nil {
		h.rejectBatch(w, r, err)
		return
	}
	n, err := h.machine.Submit(cmds)
	if err != nil {
		h.rejectBatch(w, r, err)
		return
	}
	h.metrics.commandsAccepted.Add(float64(n))

	batchID := uuid.NewString()
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("airhive.batch_id", batchID),
		attribute.Int("airhive.commands", n),
	)
	h.publish(r.Context(), models.MachineEvent{Event: models.EventCommands, BatchID: batchID, Count: n})

	writeJSON(w, http.StatusOK, map[string]int{"sent_commands": n})
}

func (h *Handler) rejectBatch(w http.ResponseWriter, r *http.Request, err error) {
	h.metrics.batchesRejected.WithLabelValues(reason(err)).Inc()
	h.writeError(w, r, err)
}

func (h *Handler) handleResponses(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, machine.MaxSmallPayload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	size, err := machine.ParseResponsesRequest(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	responses, err := machine.Responses(size)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"responses": responses})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": h.machine.Connectivity().String()})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.machine.Start, models.StateRunning, models.EventStarted)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.machine.Stop, models.StateIdle, models.EventStopped)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func() error, to models.MachineState, event string) {
	if err := fn(); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.transitions.WithLabelValues(to.String()).Inc()
	h.publish(r.Context(), models.MachineEvent{Event: event, State: to.String()})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	h.machine.Clear()
	h.publish(r.Context(), models.MachineEvent{Event: models.EventCleared, State: h.machine.State().String()})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, machine.MaxSmallPayload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	settings, err := machine.ParseSettings(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.machine.Configure(r.Context(), settings); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), models.MachineEvent{Event: models.EventConfigured, BaudRate: settings.BaudRate})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) publish(ctx context.Context, ev models.MachineEvent) {
	if h.events == nil {
		return
	}
	ev.Instance = h.instance
	ev.Time = time.Now().UTC()
	if err := h.events.PublishEvent(ctx, ev); err != nil {
		h.log.Warn("Failed to publish machine event.", zap.String("event", ev.Event), zap.Error(err))
	}
}

// readBody reads at most limit bytes. A larger body is rejected before any
// parsing happens.
func readBody(r *http.Request, limit int) ([]byte, error) {
	if r.ContentLength > int64(limit) {
		return nil, fmt.Errorf("%w: content length %d exceeds %d", machine.ErrPayloadTooLarge, r.ContentLength, limit)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", machine.ErrMalformedInput, err)
	}
	if len(body) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", machine.ErrPayloadTooLarge, limit)
	}
	return body, nil
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, machine.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, machine.ErrMalformedInput),
		errors.Is(err, machine.ErrInvalidStateTransition):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, machine.ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, machine.ErrMalformedInput):
		return "malformed"
	case errors.Is(err, link.ErrQueueFull):
		return "queue_full"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the mapped status code and an empty body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusCode(err)
	trace.SpanFromContext(r.Context()).RecordError(err)
	h.log.Info("Request rejected.",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	w.WriteHeader(status)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
