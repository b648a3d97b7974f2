// Package broadcast bridges the event bus to long-lived client connections
// over WebSocket and Server-Sent Events, with replay from a sequence
// watermark and keepalive pings.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/GoCodeAlone/conductor/comms"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

// Frame types sent to clients.
const (
	FrameConnected  = "connected"
	FrameEvent      = "event"
	FrameGap        = "gap"
	FrameReplayed   = "replayed"
	FramePong       = "pong"
	FrameSubscribed = "subscribed"
	FrameError      = "error"
)

// Transports.
const (
	TransportWS  = "websocket"
	TransportSSE = "sse"
)

// Source is the part of the event bus the hub reads from.
type Source interface {
	comms.Source
	OldestSequence() uint64
}

// Frame is one message on the live channel. Event frames carry the bus
// event fields; control frames carry their details in Data.
type Frame struct {
	Type      string    `json:"type"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Event     string    `json:"event,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Gap       bool      `json:"gap,omitempty"`
}

// Gap describes a range of sequences the client cannot get from the hub
// and must reconcile by polling the task surface.
type Gap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// ClientMessage is a message a WebSocket client sends to the hub.
type ClientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Since  *uint64  `json:"since,omitempty"`
}

// ConnInfo is the listing view of an open connection.
type ConnInfo struct {
	ID           string    `json:"id"`
	Transport    string    `json:"transport"`
	RemoteAddr   string    `json:"remote_addr"`
	Topics       []string  `json:"topics"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSequence uint64    `json:"last_sequence"`
	Sent         uint64    `json:"sent"`
	Dropped      uint64    `json:"dropped"`
}

// PollResult is the body of the polling endpoint.
type PollResult struct {
	Events       []comms.Event `json:"events"`
	Gap          bool          `json:"gap"`
	LastSequence uint64        `json:"last_sequence"`
}

type session struct {
	id          string
	transport   string
	remote      string
	connectedAt time.Time
	sub         *comms.Subscription
	cancel      context.CancelFunc

	mu       sync.Mutex
	topics   []string
	lastSent uint64
	sent     uint64
}

func (s *session) info() ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnInfo{
		ID:           s.id,
		Transport:    s.transport,
		RemoteAddr:   s.remote,
		Topics:       slices.Clone(s.topics),
		ConnectedAt:  s.connectedAt,
		LastSequence: s.lastSent,
		Sent:         s.sent,
		Dropped:      s.sub.Dropped(),
	}
}

func (s *session) currentTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.topics)
}

func (s *session) watermark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

func (s *session) sentEvent(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	if seq > s.lastSent {
		s.lastSent = seq
	}
}

// Hub manages live connections. Each connection owns a bus subscription
// with its own bounded queue.
type Hub struct {
	bus          Source
	logger       *slog.Logger
	pingInterval time.Duration
	pingTimeout  time.Duration
	queueSize    int
	origins      []string
	now          func() time.Time

	nextID atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*session
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithKeepalive sets the ping interval and how long a pong may take.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(h *Hub) {
		if interval > 0 {
			h.pingInterval = interval
		}
		if timeout > 0 {
			h.pingTimeout = timeout
		}
	}
}

// WithQueueSize sets the per-connection subscription queue size.
func WithQueueSize(n int) Option { return func(h *Hub) { h.queueSize = n } }

// WithOriginPatterns allows cross-origin WebSocket upgrades from the given
// host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// NewHub creates a Hub reading from bus.
func NewHub(bus Source, opts ...Option) *Hub {
	h := &Hub{
		bus:          bus,
		logger:       slog.Default(),
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		now:          time.Now,
		sessions:     make(map[string]*session),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Connections lists open connections, oldest first.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	out := make([]ConnInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close ends every open connection.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.cancel()
	}
}

type connectQuery struct {
	topics []string
	since  *uint64
}

func parseQuery(r *http.Request) (connectQuery, error) {
	var q connectQuery
	q.topics = splitTopics(r.URL.Query().Get("topics"))
	if err := comms.ValidatePatterns(q.topics...); err != nil {
		return q, err
	}
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return q, fmt.Errorf("since %q: not a sequence number", raw)
		}
		q.since = &n
	}
	return q, nil
}

func splitTopics(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func (h *Hub) open(transport string, r *http.Request, q connectQuery, cancel context.CancelFunc) (*session, error) {
	sub, err := h.bus.Subscribe(comms.SubscribeOptions{QueueSize: h.queueSize}, q.topics...)
	if err != nil {
		return nil, err
	}
	s := &session{
		id:          transport + "-" + strconv.FormatUint(h.nextID.Add(1), 10),
		transport:   transport,
		remote:      remoteAddr(r),
		connectedAt: h.now(),
		sub:         sub,
		cancel:      cancel,
		topics:      q.topics,
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.logger.Info("live client connected", "conn", s.id, "remote", s.remote, "topics", s.topics)
	return s, nil
}

func (h *Hub) release(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	s.sub.Close()
	s.cancel()
	h.logger.Info("live client disconnected", "conn", s.id, "sent", s.info().Sent)
}

func remoteAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ServeWS upgrades the request to a WebSocket live channel. Query
// parameters: topics (comma separated patterns) and since (sequence).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s, err := h.open(TransportWS, r, q, cancel)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	var reason atomic.Value
	msgs := make(chan ClientMessage, 8)
	go h.readLoop(ctx, conn, msgs, cancel)
	go h.keepalive(ctx, conn, s, &reason, cancel)

	send := func(f Frame) error {
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()
		return wsjson.Write(wctx, conn, f)
	}
	err = h.stream(ctx, s, q.since, send, msgs, nil, nil)
	h.release(s)

	if why, ok := reason.Load().(string); ok {
		conn.Close(websocket.StatusPolicyViolation, why)
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("websocket stream ended", "conn", s.id, "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, msgs chan<- ClientMessage, cancel context.CancelFunc) {
	defer cancel()
	for {
		var m ClientMessage
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return
		}
		select {
		case msgs <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) keepalive(ctx context.Context, conn *websocket.Conn, s *session, reason *atomic.Value, cancel context.CancelFunc) {
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, h.pingTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Info("live client missed pong", "conn", s.id, "timeout", h.pingTimeout)
					reason.Store("ping timeout")
				}
				cancel()
				return
			}
		}
	}
}

// ServeSSE streams the live channel as Server-Sent Events. It accepts the
// same query parameters as ServeWS and honours Last-Event-ID.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s, err := h.open(TransportSSE, r, q, cancel)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer h.release(s)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(f Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if f.Type == FrameEvent {
			if _, err := fmt.Fprintf(w, "id: %d\n", f.Sequence); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()

	if err := h.stream(ctx, s, q.since, send, nil, t.C, ping); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("sse stream ended", "conn", s.id, "error", err)
	}
}

// ServePoll returns buffered events after since for polling clients.
func (h *Hub) ServePoll(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var since uint64
	if q.since != nil {
		since = *q.since
	}
	events, gap := h.bus.Since(since, q.topics...)
	if events == nil {
		events = []comms.Event{}
	}
	writeJSON(w, http.StatusOK, PollResult{
		Events:       events,
		Gap:          gap,
		LastSequence: h.bus.LastSequence(),
	})
}

// stream runs one connection: welcome frame, optional replay, then live
// events deduplicated against the replay watermark. msgs and beat may be nil.
func (h *Hub) stream(ctx context.Context, s *session, since *uint64, send func(Frame) error,
	msgs <-chan ClientMessage, beat <-chan time.Time, ping func() error) error {
	if err := send(Frame{Type: FrameConnected, Data: map[string]any{
		"connection_id": s.id,
		"last_sequence": h.bus.LastSequence(),
		"topics":        s.currentTopics(),
	}}); err != nil {
		return err
	}
	if since != nil {
		if err := h.replay(s, *since, false, send); err != nil {
			return err
		}
	}
	for {
		if err := h.flush(s, send); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.sub.Done():
			return nil
		case <-s.sub.C():
		case <-beat:
			if err := ping(); err != nil {
				return err
			}
		case m := <-msgs:
			if err := h.handle(s, m, send); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) flush(s *session, send func(Frame) error) error {
	for {
		d, ok := s.sub.TryNext()
		if !ok {
			return nil
		}
		if d.Sequence <= s.watermark() {
			continue
		}
		if err := send(eventFrame(d.Event, d.Gap)); err != nil {
			return err
		}
		s.sentEvent(d.Sequence)
	}
}

// replay sends buffered events after since. Unless explicit, events at or
// below the connection watermark are skipped.
func (h *Hub) replay(s *session, since uint64, explicit bool, send func(Frame) error) error {
	events, gap := h.bus.Since(since, s.currentTopics()...)
	if gap {
		to := h.bus.LastSequence()
		if oldest := h.bus.OldestSequence(); oldest > 0 {
			to = oldest - 1
		}
		if err := send(Frame{Type: FrameGap, Data: Gap{From: since + 1, To: to}}); err != nil {
			return err
		}
	}
	count := 0
	for _, e := range events {
		if !explicit && e.Sequence <= s.watermark() {
			continue
		}
		if err := send(eventFrame(e, false)); err != nil {
			return err
		}
		s.sentEvent(e.Sequence)
		count++
	}
	return send(Frame{Type: FrameReplayed, Data: map[string]any{
		"since":         since,
		"count":         count,
		"last_sequence": s.watermark(),
	}})
}

func (h *Hub) handle(s *session, m ClientMessage, send func(Frame) error) error {
	switch m.Type {
	case "ping":
		return send(Frame{Type: FramePong, Data: map[string]any{"last_sequence": h.bus.LastSequence()}})
	case "subscribe":
		topics := m.Topics
		if len(topics) == 0 {
			topics = []string{"*"}
		}
		if err := s.sub.SetPatterns(topics...); err != nil {
			return send(errorFrame(err.Error()))
		}
		s.mu.Lock()
		s.topics = slices.Clone(topics)
		s.mu.Unlock()
		return send(Frame{Type: FrameSubscribed, Data: map[string]any{"topics": topics}})
	case "replay":
		if m.Since == nil {
			return send(errorFrame("replay requires since"))
		}
		return h.replay(s, *m.Since, true, send)
	default:
		return send(errorFrame(fmt.Sprintf("unknown message type %q", m.Type)))
	}
}

func eventFrame(e comms.Event, gap bool) Frame {
	return Frame{
		Type:      FrameEvent,
		Sequence:  e.Sequence,
		Event:     e.Topic,
		Data:      e.Payload,
		Timestamp: e.Timestamp,
		Gap:       gap,
	}
}

func errorFrame(msg string) Frame {
	return Frame{Type: FrameError, Data: map[string]string{"message": msg}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
