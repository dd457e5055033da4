package router

import (
	"context"
	"strings"
	"testing"

	"github.com/Biometria-se/grizzly-sub007/internal/pkg/event"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
	"github.com/Biometria-se/grizzly-sub007/internal/worker"
)

func TestAffinityKey(t *testing.T) {
	tests := []struct {
		client int64
		scheme string
		want   string
	}{
		{client: 4711, scheme: "mq", want: "4711::mq"},
		{client: 4711, scheme: "sb", want: "4711::sb"},
		{client: 42, scheme: "mqs", want: "42::mqs"},
	}

	for _, tt := range tests {
		if got := affinityKey(tt.client, tt.scheme); got != tt.want {
			t.Errorf("affinityKey(%d, %q) = %q, want %q", tt.client, tt.scheme, got, tt.want)
		}
	}

	if affinityKey(1, "mq") == affinityKey(1, "sb") {
		t.Error("different schemes for the same client share an affinity key")
	}
}

func TestNewDefaults(t *testing.T) {
	r := New("", event.New())
	if r.bind != DefaultBind {
		t.Errorf("bind = %q, want %q", r.bind, DefaultBind)
	}

	stats := r.Stats()
	if stats.Workers != 0 || stats.Ready != 0 || stats.Clients != 0 || stats.Inflight != 0 {
		t.Errorf("Stats() of a fresh router = %+v", stats)
	}
}

func TestEvict(t *testing.T) {
	r := New(DefaultBind, event.New())
	r.affinity["1::mq"] = "worker-a"
	r.affinity["2::mq"] = "worker-b"
	r.ready = []string{"worker-a", "worker-c"}

	r.evict("worker-a")

	if _, ok := r.affinity["1::mq"]; ok {
		t.Error("evict() kept the affinity mapping")
	}
	if r.affinity["2::mq"] != "worker-b" {
		t.Error("evict() removed an unrelated mapping")
	}
	if len(r.ready) != 1 || r.ready[0] != "worker-c" {
		t.Errorf("evict() ready = %v", r.ready)
	}
}

func TestParseBackendFrames(t *testing.T) {
	body := []byte(`{"request_id":"req-1","success":true,"action":"DISC"}`)

	tests := []struct {
		name       string
		frames     [][]byte
		wantErr    bool
		wantReady  bool
		wantClient string
		wantAction string
	}{
		{
			name:      "ready sentinel",
			frames:    [][]byte{[]byte("worker-a"), {}, []byte(worker.ReadySentinel)},
			wantReady: true,
		},
		{
			name:       "disconnect reply",
			frames:     [][]byte{[]byte("worker-a"), {}, []byte("req-1"), {}, body},
			wantClient: "req-1",
			wantAction: "DISC",
		},
		{
			name:       "reply with unparsable body",
			frames:     [][]byte{[]byte("worker-a"), {}, []byte("req-1"), {}, []byte("garbage")},
			wantClient: "req-1",
		},
		{
			name:    "too few frames",
			frames:  [][]byte{[]byte("worker-a")},
			wantErr: true,
		},
		{
			name:    "truncated reply",
			frames:  [][]byte{[]byte("worker-a"), {}, []byte("req-1")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := parseBackendFrames(tt.frames)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseBackendFrames() accepted malformed frames")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBackendFrames() error: %v", err)
			}
			if ev.workerID != "worker-a" {
				t.Errorf("workerID = %q", ev.workerID)
			}
			if ev.ready != tt.wantReady {
				t.Errorf("ready = %t, want %t", ev.ready, tt.wantReady)
			}
			if ev.clientID != tt.wantClient {
				t.Errorf("clientID = %q, want %q", ev.clientID, tt.wantClient)
			}
			if ev.action != tt.wantAction {
				t.Errorf("action = %q, want %q", ev.action, tt.wantAction)
			}
		})
	}
}

func TestDispatchBackendReady(t *testing.T) {
	r := New(DefaultBind, event.New())

	forward := r.dispatchBackend(&backendEvent{workerID: "worker-a", ready: true})
	if forward != nil {
		t.Errorf("dispatchBackend(READY) forwarded %v", forward)
	}
	if len(r.ready) != 1 || r.ready[0] != "worker-a" {
		t.Errorf("ready = %v", r.ready)
	}
}

func TestDispatchBackendReply(t *testing.T) {
	r := New(DefaultBind, event.New())
	r.affinity["1::mq"] = "worker-a"
	r.inflight["req-1"] = "req-1"

	reply := [][]byte{[]byte("req-1"), {}, []byte(`{"request_id":"req-1","success":true,"action":"DISC"}`)}
	forward := r.dispatchBackend(&backendEvent{
		workerID: "worker-a",
		clientID: "req-1",
		action:   "DISC",
		reply:    reply,
	})

	if forward == nil || string(forward[0]) != "req-1" {
		t.Errorf("dispatchBackend() forward = %v", forward)
	}
	if _, ok := r.inflight["req-1"]; ok {
		t.Error("dispatchBackend() kept the inflight entry")
	}
	if _, ok := r.affinity["1::mq"]; ok {
		t.Error("dispatchBackend() kept the affinity after DISC")
	}
}

func marshalRequest(t *testing.T, request *protocol.Request) []byte {
	t.Helper()
	payload, err := protocol.MarshalRequest(request)
	if err != nil {
		t.Fatalf("MarshalRequest() error: %v", err)
	}
	return payload
}

func TestRouteRequest(t *testing.T) {
	r := New(DefaultBind, event.New())
	r.ready = []string{"worker-a"}

	payload := marshalRequest(t, &protocol.Request{
		RequestID: "req-1",
		Action:    "CONN",
		Client:    4711,
		Context:   protocol.Context{"url": "mq://mq.example.com:1414"},
	})

	forward, requestID, err := r.routeRequest(context.Background(), []byte("client-a"), payload)
	if err != nil {
		t.Fatalf("routeRequest() error: %v", err)
	}
	if requestID != "req-1" {
		t.Errorf("requestID = %q", requestID)
	}

	if len(forward) != 5 {
		t.Fatalf("forward = %d frames, want 5", len(forward))
	}
	if string(forward[0]) != "worker-a" || string(forward[2]) != "client-a" {
		t.Errorf("forward envelope = [%s ... %s ...]", forward[0], forward[2])
	}

	stamped, err := protocol.UnmarshalRequest(forward[4])
	if err != nil {
		t.Fatalf("UnmarshalRequest(forward) error: %v", err)
	}
	if stamped.Worker != "worker-a" {
		t.Errorf("stamped Worker = %q, want worker-a", stamped.Worker)
	}

	if r.affinity["4711::mq"] != "worker-a" {
		t.Errorf("affinity = %v", r.affinity)
	}
	if r.inflight["client-a"] != "req-1" {
		t.Errorf("inflight = %v, want keyed by the envelope identity", r.inflight)
	}
	if len(r.ready) != 0 {
		t.Errorf("ready = %v, want the worker popped", r.ready)
	}
}

func TestRouteRequestUsesAffinity(t *testing.T) {
	r := New(DefaultBind, event.New())
	r.affinity["4711::mq"] = "worker-a"

	payload := marshalRequest(t, &protocol.Request{
		RequestID: "req-2",
		Action:    "PUT",
		Client:    4711,
		Context:   protocol.Context{"url": "mq://mq.example.com:1414"},
	})

	forward, _, err := r.routeRequest(context.Background(), []byte("client-a"), payload)
	if err != nil {
		t.Fatalf("routeRequest() error: %v", err)
	}
	if string(forward[0]) != "worker-a" {
		t.Errorf("forward[0] = %s, want the affine worker", forward[0])
	}
}

func TestRouteRequestHonorsPinnedWorker(t *testing.T) {
	r := New(DefaultBind, event.New())
	r.ready = []string{"worker-a"}

	payload := marshalRequest(t, &protocol.Request{
		RequestID: "req-3",
		Action:    "PUT",
		Worker:    "worker-b",
		Client:    4711,
		Context:   protocol.Context{"url": "mq://mq.example.com:1414"},
	})

	forward, _, err := r.routeRequest(context.Background(), []byte("client-a"), payload)
	if err != nil {
		t.Fatalf("routeRequest() error: %v", err)
	}
	if string(forward[0]) != "worker-b" {
		t.Errorf("forward[0] = %s, want the pinned worker", forward[0])
	}
	if len(r.ready) != 1 {
		t.Errorf("ready = %v, want untouched", r.ready)
	}
}

func TestRouteRequestRejectsGarbage(t *testing.T) {
	r := New(DefaultBind, event.New())

	_, _, err := r.routeRequest(context.Background(), []byte("client-a"), []byte("not json"))
	if err == nil || !strings.Contains(err.Error(), "failed to decode request") {
		t.Errorf("routeRequest() error = %v", err)
	}
	if len(r.inflight) != 0 {
		t.Errorf("inflight = %v after a rejected request", r.inflight)
	}
}
