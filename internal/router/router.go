// Package router implements the broker between load-test clients and
// workers: a front-end socket for clients, a back-end socket for
// workers, and client-to-worker affinity based on the request's url
// scheme.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeromq/goczmq"

	"github.com/Biometria-se/grizzly-sub007/internal/pkg/event"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
	"github.com/Biometria-se/grizzly-sub007/internal/worker"
)

const (
	// DefaultBind is the front-end address clients connect to.
	DefaultBind = "tcp://127.0.0.1:5554"

	// backendEndpoint is the in-process address workers connect to.
	backendEndpoint = "inproc://workers"

	// pollInterval is the poll tick; heartbeatTicks idle ticks between
	// heartbeat log lines.
	pollInterval   = time.Second
	heartbeatTicks = 10

	// spawnTimeout bounds the wait for a fresh worker to register.
	spawnTimeout = 10 * time.Second
)

// Stats is a point-in-time snapshot of the router's bookkeeping.
type Stats struct {
	Workers  int
	Ready    int
	Clients  int
	Inflight int
}

// Router owns both sockets and all worker bookkeeping. Run drives it
// from a single goroutine; Stats may be read from any.
type Router struct {
	bind  string
	abort *event.Event

	frontend *goczmq.Sock
	backend  *goczmq.Sock
	poller   *goczmq.Poller

	mu       sync.Mutex
	ready    []string
	affinity map[string]string
	workers  map[string]*worker.Worker

	// inflight maps the client's envelope identity to the request id it
	// is waiting on; abort responses are routed by the identity.
	inflight map[string]string

	wg sync.WaitGroup
}

// New creates a router that will bind its front-end to bind.
func New(bind string, abort *event.Event) *Router {
	if bind == "" {
		bind = DefaultBind
	}
	return &Router{
		bind:     bind,
		abort:    abort,
		affinity: make(map[string]string),
		workers:  make(map[string]*worker.Worker),
		inflight: make(map[string]string),
	}
}

// Stats returns a snapshot of the router's current state.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Workers:  len(r.workers),
		Ready:    len(r.ready),
		Clients:  len(r.affinity),
		Inflight: len(r.inflight),
	}
}

// affinityKey pins a (client, scheme) pair to one worker.
func affinityKey(client int64, scheme string) string {
	return fmt.Sprintf("%d::%s", client, scheme)
}

// Run binds both sockets and drives the dispatch loop until the abort
// event fires.
func (r *Router) Run(ctx context.Context) error {
	if err := r.open(); err != nil {
		return err
	}
	defer r.close()

	logger.Info("router started", "bind", r.bind, "backend", backendEndpoint)

	idle := 0

	for {
		if r.abort.IsSet() {
			r.shutdown()
			return nil
		}

		sock, err := r.poller.Wait(int(pollInterval.Milliseconds()))
		if err != nil {
			logger.Error("poll failed", "error", err)
			continue
		}
		if sock == nil {
			idle++
			if idle%heartbeatTicks == 0 {
				stats := r.Stats()
				logger.Debug("router idle",
					"workers", stats.Workers,
					"ready", stats.Ready,
					"clients", stats.Clients,
				)
			}
			continue
		}
		idle = 0

		switch sock {
		case r.backend:
			if err := r.handleBackend(); err != nil {
				logger.Error("backend dispatch failed", "error", err)
			}
		case r.frontend:
			if err := r.handleFrontend(ctx); err != nil {
				logger.Error("frontend dispatch failed", "error", err)
			}
		}
	}
}

func (r *Router) open() error {
	r.frontend = goczmq.NewSock(goczmq.Router)
	r.frontend.SetOption(goczmq.SockSetLinger(0))
	r.frontend.SetOption(goczmq.SockSetRouterHandover(1))
	if _, err := r.frontend.Bind(r.bind); err != nil {
		return fmt.Errorf("failed to bind frontend to %s: %w", r.bind, err)
	}

	r.backend = goczmq.NewSock(goczmq.Router)
	r.backend.SetOption(goczmq.SockSetLinger(0))
	r.backend.SetOption(goczmq.SockSetRouterHandover(1))
	if _, err := r.backend.Bind(backendEndpoint); err != nil {
		return fmt.Errorf("failed to bind backend to %s: %w", backendEndpoint, err)
	}

	poller, err := goczmq.NewPoller(r.backend, r.frontend)
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	r.poller = poller

	return nil
}

func (r *Router) close() {
	if r.poller != nil {
		r.poller.Destroy()
	}
	if r.backend != nil {
		r.backend.Destroy()
	}
	if r.frontend != nil {
		r.frontend.Destroy()
	}
}

// backendEvent is one parsed frame set from a worker: the READY
// sentinel or a reply destined for a client.
type backendEvent struct {
	workerID string
	ready    bool
	clientID string
	action   string
	reply    [][]byte
}

// parseBackendFrames splits a backend frame set into its event. The
// worker's REQ socket inserts an empty delimiter after the identity
// frame; it is stripped here.
func parseBackendFrames(frames [][]byte) (*backendEvent, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("malformed backend message of %d frames", len(frames))
	}

	ev := &backendEvent{workerID: string(frames[0])}

	reply := frames[1:]
	if len(reply[0]) == 0 {
		reply = reply[1:]
	}

	if len(reply) == 1 && string(reply[0]) == worker.ReadySentinel {
		ev.ready = true
		return ev, nil
	}

	if len(reply) < 3 {
		return nil, fmt.Errorf("malformed worker reply of %d frames", len(reply))
	}

	ev.clientID = string(reply[0])
	ev.reply = reply

	var response struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(reply[2], &response); err == nil {
		ev.action = strings.ToUpper(response.Action)
	}

	return ev, nil
}

// dispatchBackend applies one worker event to the routing tables and
// returns the frames to forward to the client, nil for READY.
func (r *Router) dispatchBackend(ev *backendEvent) [][]byte {
	if ev.ready {
		r.mu.Lock()
		r.ready = append(r.ready, ev.workerID)
		r.mu.Unlock()
		logger.Info("worker available", "worker", ev.workerID)
		return nil
	}

	switch ev.action {
	case "DISC", "DISCONNECT":
		r.evict(ev.workerID)
	}

	r.mu.Lock()
	delete(r.inflight, ev.clientID)
	r.mu.Unlock()

	return ev.reply
}

// handleBackend processes one frame set from a worker: either the READY
// sentinel or a reply to route back to the client.
func (r *Router) handleBackend() error {
	frames, err := r.backend.RecvMessage()
	if err != nil {
		return fmt.Errorf("failed to receive from backend: %w", err)
	}

	ev, err := parseBackendFrames(frames)
	if err != nil {
		return err
	}

	if forward := r.dispatchBackend(ev); forward != nil {
		return r.frontend.SendMessage(forward)
	}

	return nil
}

// evict removes a finished worker from all routing tables.
func (r *Router) evict(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, id := range r.affinity {
		if id == workerID {
			delete(r.affinity, key)
		}
	}
	for n, id := range r.ready {
		if id == workerID {
			r.ready = append(r.ready[:n], r.ready[n+1:]...)
			break
		}
	}
	delete(r.workers, workerID)

	logger.Info("worker evicted", "worker", workerID)
}

// handleFrontend routes one client request to its affine worker,
// spawning a new worker when no ready one exists.
func (r *Router) handleFrontend(ctx context.Context) error {
	frames, err := r.frontend.RecvMessage()
	if err != nil {
		return fmt.Errorf("failed to receive from frontend: %w", err)
	}
	if len(frames) < 3 {
		return fmt.Errorf("malformed frontend message of %d frames", len(frames))
	}

	clientID := frames[0]

	forward, requestID, err := r.routeRequest(ctx, clientID, frames[2])
	if err != nil {
		return r.replyError(clientID, requestID, err.Error())
	}

	return r.backend.SendMessage(forward)
}

// routeRequest resolves the worker for one client request, records the
// affinity and inflight bookkeeping and returns the backend frame set.
// The request id is returned alongside for error reporting.
func (r *Router) routeRequest(ctx context.Context, clientID, payload []byte) ([][]byte, string, error) {
	request, err := protocol.UnmarshalRequest(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode request: %s", err.Error())
	}

	key := affinityKey(request.Client, request.Context.Scheme())

	workerID := request.Worker
	if workerID == "" {
		r.mu.Lock()
		workerID = r.affinity[key]
		r.mu.Unlock()
	}
	if workerID == "" {
		workerID, err = r.nextReady(ctx)
		if err != nil {
			return nil, request.RequestID, err
		}
	}

	if request.Worker == "" {
		request.Worker = workerID
		payload, err = protocol.MarshalRequest(request)
		if err != nil {
			return nil, request.RequestID, fmt.Errorf("failed to encode request: %s", err.Error())
		}
	}

	r.mu.Lock()
	r.affinity[key] = workerID
	r.inflight[string(clientID)] = request.RequestID
	r.mu.Unlock()

	logger.Debug("routing request",
		"request_id", request.RequestID,
		"action", request.Action,
		"worker", workerID,
	)

	return [][]byte{[]byte(workerID), nil, clientID, nil, payload}, request.RequestID, nil
}

// nextReady pops a ready worker, spawning and awaiting one first when
// the pool is empty.
func (r *Router) nextReady(ctx context.Context) (string, error) {
	r.mu.Lock()
	empty := len(r.ready) == 0
	r.mu.Unlock()

	if empty {
		if err := r.spawn(ctx); err != nil {
			return "", err
		}
		if err := r.awaitReady(); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	workerID := r.ready[0]
	r.ready = r.ready[1:]
	return workerID, nil
}

// spawn starts one worker goroutine connected to the backend.
func (r *Router) spawn(ctx context.Context) error {
	w, err := worker.New(backendEndpoint, r.abort)
	if err != nil {
		return fmt.Errorf("failed to spawn worker: %w", err)
	}

	r.mu.Lock()
	r.workers[w.Identity] = w
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := w.Run(ctx); err != nil {
			logger.Error("worker terminated", "worker", w.Identity, "error", err)
		}
	}()

	logger.Info("worker spawned", "worker", w.Identity)

	return nil
}

// awaitReady drains the backend until a READY sentinel arrives or the
// spawn timeout expires.
func (r *Router) awaitReady() error {
	deadline := time.Now().Add(spawnTimeout)

	for {
		r.mu.Lock()
		ready := len(r.ready) > 0
		r.mu.Unlock()
		if ready {
			return nil
		}
		if r.abort.IsSet() {
			return fmt.Errorf("abort")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no worker became available within %s", spawnTimeout)
		}

		sock, err := r.poller.Wait(int(pollInterval.Milliseconds()))
		if err != nil {
			return err
		}
		if sock != r.backend {
			continue
		}
		if err := r.handleBackend(); err != nil {
			logger.Error("backend dispatch failed", "error", err)
		}
	}
}

// replyError sends a synthetic failure response straight back to the
// client.
func (r *Router) replyError(clientID []byte, requestID, message string) error {
	body, err := protocol.MarshalResponse(&protocol.Response{
		RequestID: requestID,
		Success:   false,
		Message:   message,
	})
	if err != nil {
		return err
	}
	return r.frontend.SendMessage([][]byte{clientID, nil, body})
}

// shutdown unblocks every inflight client with a synthetic abort
// response and waits briefly for the workers to wind down.
func (r *Router) shutdown() {
	r.mu.Lock()
	inflight := make(map[string]string, len(r.inflight))
	for clientID, requestID := range r.inflight {
		inflight[clientID] = requestID
	}
	r.mu.Unlock()

	for clientID, requestID := range inflight {
		if err := r.replyError([]byte(clientID), requestID, "abort"); err != nil {
			logger.Warn("failed to send abort response", "request_id", requestID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped")
	case <-time.After(3 * time.Second):
		logger.Warn("timed out waiting for workers to stop")
	}
}
