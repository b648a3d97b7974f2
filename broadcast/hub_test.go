package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/GoCodeAlone/conductor/comms"
)

const waitFor = 5 * time.Second

func newTestHub(t *testing.T, bus *comms.Bus, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(bus, opts...)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", h.ServePoll)
	mux.HandleFunc("GET /events/ws", h.ServeWS)
	mux.HandleFunc("GET /events/sse", h.ServeSSE)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL+"/events/ws"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func write(t *testing.T, conn *websocket.Conn, m ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := wsjson.Write(ctx, conn, m); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func dataMap(t *testing.T, f Frame) map[string]any {
	t.Helper()
	m, ok := f.Data.(map[string]any)
	if !ok {
		t.Fatalf("frame data %T", f.Data)
	}
	return m
}

// expect reads one frame and checks its type, plus its sequence when seq > 0.
func expect(t *testing.T, conn *websocket.Conn, typ string, seq uint64) Frame {
	t.Helper()
	f := read(t, conn)
	if f.Type != typ {
		t.Fatalf("frame type = %s, want %s (%+v)", f.Type, typ, f)
	}
	if seq > 0 && f.Sequence != seq {
		t.Fatalf("sequence = %d, want %d", f.Sequence, seq)
	}
	return f
}

func TestHub_ConnectedThenLiveEvents(t *testing.T) {
	bus := comms.NewBus()
	bus.Publish(comms.TopicTaskCreated, nil)
	h, srv := newTestHub(t, bus)

	conn := dial(t, srv, "")
	hello := expect(t, conn, FrameConnected, 0)
	if n := dataMap(t, hello)["last_sequence"]; n != float64(1) {
		t.Errorf("last_sequence = %v, want 1", n)
	}

	eventually(t, func() bool { return h.Count() == 1 }, "connection not registered")
	bus.Publish(comms.TopicTaskCompleted, map[string]any{"id": "t1"})

	f := expect(t, conn, FrameEvent, 2)
	if f.Event != comms.TopicTaskCompleted || dataMap(t, f)["id"] != "t1" {
		t.Errorf("event = %s %v", f.Event, f.Data)
	}
	if f.Timestamp.IsZero() {
		t.Error("event has no timestamp")
	}

	infos := h.Connections()
	if len(infos) != 1 {
		t.Fatalf("connections = %d, want 1", len(infos))
	}
	if infos[0].Transport != TransportWS || infos[0].LastSequence != 2 {
		t.Errorf("connection = %+v", infos[0])
	}
}

func TestHub_ReplayWithoutDuplicates(t *testing.T) {
	bus := comms.NewBus()
	for i := 0; i < 3; i++ {
		bus.Publish(comms.TopicTaskQueued, i)
	}
	_, srv := newTestHub(t, bus)

	conn := dial(t, srv, "?since=1")
	expect(t, conn, FrameConnected, 0)
	expect(t, conn, FrameEvent, 2)
	expect(t, conn, FrameEvent, 3)
	done := expect(t, conn, FrameReplayed, 0)
	if n := dataMap(t, done)["count"]; n != float64(2) {
		t.Errorf("replayed count = %v, want 2", n)
	}

	bus.Publish(comms.TopicTaskRunning, nil)
	expect(t, conn, FrameEvent, 4)
}

func TestHub_ReplayReportsGap(t *testing.T) {
	bus := comms.NewBus(comms.WithBufferSize(2))
	for i := 0; i < 5; i++ {
		bus.Publish(comms.TopicTaskQueued, i)
	}
	_, srv := newTestHub(t, bus)

	conn := dial(t, srv, "?since=0")
	expect(t, conn, FrameConnected, 0)
	gap := dataMap(t, expect(t, conn, FrameGap, 0))
	if gap["from"] != float64(1) || gap["to"] != float64(3) {
		t.Errorf("gap = %v, want 1..3", gap)
	}
	expect(t, conn, FrameEvent, 4)
	expect(t, conn, FrameEvent, 5)
	expect(t, conn, FrameReplayed, 0)
}

func TestHub_TopicFilterAndResubscribe(t *testing.T) {
	bus := comms.NewBus()
	h, srv := newTestHub(t, bus)

	conn := dial(t, srv, "?topics=task.*")
	hello := expect(t, conn, FrameConnected, 0)
	if topics, _ := dataMap(t, hello)["topics"].([]any); len(topics) != 1 || topics[0] != "task.*" {
		t.Errorf("topics = %v", dataMap(t, hello)["topics"])
	}
	eventually(t, func() bool { return h.Count() == 1 }, "connection not registered")

	bus.Publish(comms.TopicAgentSpawned, nil)
	bus.Publish(comms.TopicTaskCreated, nil)
	if f := read(t, conn); f.Event != comms.TopicTaskCreated {
		t.Errorf("event = %s, want %s", f.Event, comms.TopicTaskCreated)
	}

	write(t, conn, ClientMessage{Type: "subscribe", Topics: []string{"agent.*"}})
	expect(t, conn, FrameSubscribed, 0)

	bus.Publish(comms.TopicTaskCreated, nil)
	bus.Publish(comms.TopicAgentRemoved, nil)
	if f := read(t, conn); f.Event != comms.TopicAgentRemoved {
		t.Errorf("event = %s, want %s", f.Event, comms.TopicAgentRemoved)
	}
}

func TestHub_ClientMessages(t *testing.T) {
	bus := comms.NewBus()
	bus.Publish(comms.TopicTaskCreated, nil)
	bus.Publish(comms.TopicTaskQueued, nil)
	_, srv := newTestHub(t, bus)

	conn := dial(t, srv, "")
	read(t, conn)

	write(t, conn, ClientMessage{Type: "ping"})
	pong := expect(t, conn, FramePong, 0)
	if n := dataMap(t, pong)["last_sequence"]; n != float64(2) {
		t.Errorf("pong last_sequence = %v, want 2", n)
	}

	since := uint64(1)
	write(t, conn, ClientMessage{Type: "replay", Since: &since})
	if f := read(t, conn); f.Event != comms.TopicTaskQueued {
		t.Errorf("replayed event = %s", f.Event)
	}
	expect(t, conn, FrameReplayed, 0)

	write(t, conn, ClientMessage{Type: "replay"})
	expect(t, conn, FrameError, 0)

	write(t, conn, ClientMessage{Type: "dance"})
	expect(t, conn, FrameError, 0)
}

func TestHub_DisconnectReleasesSubscription(t *testing.T) {
	bus := comms.NewBus()
	h, srv := newTestHub(t, bus)

	conn := dial(t, srv, "")
	read(t, conn)
	eventually(t, func() bool { return h.Count() == 1 }, "connection not registered")
	if n := bus.Subscribers(); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	eventually(t, func() bool { return h.Count() == 0 && bus.Subscribers() == 0 }, "subscription not released")
}

func TestHub_MissedPongClosesConnection(t *testing.T) {
	bus := comms.NewBus()
	h, srv := newTestHub(t, bus, WithKeepalive(20*time.Millisecond, 20*time.Millisecond))

	// A client that never reads never answers pings.
	dial(t, srv, "")
	eventually(t, func() bool { return h.Count() == 1 }, "connection not registered")
	eventually(t, func() bool { return h.Count() == 0 && bus.Subscribers() == 0 }, "silent client was not dropped")
}

func TestHub_RejectsBadQuery(t *testing.T) {
	_, srv := newTestHub(t, comms.NewBus())
	for _, q := range []string{"?since=abc", "?topics=task.[x"} {
		resp, err := http.Get(srv.URL + "/events/ws" + q)
		if err != nil {
			t.Fatalf("GET %s: %v", q, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestHub_SSEStream(t *testing.T) {
	bus := comms.NewBus()
	bus.Publish(comms.TopicTaskCreated, nil)
	bus.Publish(comms.TopicAgentSpawned, nil)
	h, srv := newTestHub(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/sse?topics=task.*", nil)
	req.Header.Set("Last-Event-ID", "0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	frames := make(chan Frame, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var f Frame
			if json.Unmarshal([]byte(line), &f) == nil {
				frames <- f
			}
		}
		close(frames)
	}()
	next := func(typ string) Frame {
		t.Helper()
		select {
		case f := <-frames:
			if f.Type != typ {
				t.Fatalf("frame type = %s, want %s", f.Type, typ)
			}
			return f
		case <-time.After(waitFor):
			t.Fatal("no SSE frame")
			return Frame{}
		}
	}

	next(FrameConnected)
	if f := next(FrameEvent); f.Event != comms.TopicTaskCreated {
		t.Errorf("replayed event = %s", f.Event)
	}
	next(FrameReplayed)

	bus.Publish(comms.TopicTaskCompleted, nil)
	if f := next(FrameEvent); f.Event != comms.TopicTaskCompleted || f.Sequence != 3 {
		t.Errorf("live event = %s #%d, want %s #3", f.Event, f.Sequence, comms.TopicTaskCompleted)
	}

	cancel()
	eventually(t, func() bool { return h.Count() == 0 }, "SSE client not released")
}

func TestHub_Poll(t *testing.T) {
	bus := comms.NewBus(comms.WithBufferSize(2))
	for i := 0; i < 3; i++ {
		bus.Publish(comms.TopicTaskQueued, i)
	}
	_, srv := newTestHub(t, bus)

	poll := func(query string) PollResult {
		t.Helper()
		resp, err := http.Get(srv.URL + "/events" + query)
		if err != nil {
			t.Fatalf("GET %s: %v", query, err)
		}
		defer resp.Body.Close()
		var got PollResult
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return got
	}

	got := poll("?since=0&topics=task.*")
	if !got.Gap || got.LastSequence != 3 {
		t.Errorf("gap/last = %v/%d, want true/3", got.Gap, got.LastSequence)
	}
	if len(got.Events) != 2 || got.Events[0].Sequence != 2 {
		t.Fatalf("events = %+v", got.Events)
	}

	got = poll("?since=3")
	if got.Gap || len(got.Events) != 0 {
		t.Errorf("caught-up poll = %+v", got)
	}
}
