// Package worker implements the request-processing side of the daemon:
// each worker owns one broker integration and serves exactly one client
// through the router's backend socket.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeromq/goczmq"

	"github.com/Biometria-se/grizzly-sub007/internal/integration"
	"github.com/Biometria-se/grizzly-sub007/internal/integration/ibmmq"
	"github.com/Biometria-se/grizzly-sub007/internal/integration/servicebus"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/event"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
)

// ReadySentinel is the single-frame hello a worker sends the router
// when it is ready to take a client.
const ReadySentinel = "\x01"

// recvIdleSleep is the pause after an empty non-blocking receive.
const recvIdleSleep = 100 * time.Millisecond

// FromURL instantiates the integration matching the url scheme.
func FromURL(rawURL, worker string, abort *event.Event) (integration.Integration, error) {
	scheme, _, found := strings.Cut(rawURL, "://")
	if !found {
		return nil, integration.Errorf("%q does not have a scheme", rawURL)
	}

	switch strings.ToLower(scheme) {
	case "mq", "mqs":
		return ibmmq.New(worker, abort), nil
	case "sb":
		return servicebus.New(worker, abort), nil
	default:
		return nil, integration.Errorf("no integration for scheme %q", scheme)
	}
}

// Worker owns one integration and one backend socket.
type Worker struct {
	Identity string

	socket      *goczmq.Sock
	abort       *event.Event
	integration integration.Integration
}

// New connects a worker to the router backend with a fresh UUID as its
// socket identity.
func New(endpoint string, abort *event.Event) (*Worker, error) {
	identity := uuid.NewString()

	socket := goczmq.NewSock(goczmq.Req)
	socket.SetOption(goczmq.SockSetLinger(0))
	socket.SetOption(goczmq.SockSetIdentity(identity))

	if err := socket.Connect(endpoint); err != nil {
		socket.Destroy()
		return nil, fmt.Errorf("failed to connect worker to %s: %w", endpoint, err)
	}

	return &Worker{
		Identity: identity,
		socket:   socket,
		abort:    abort,
	}, nil
}

// Integration exposes the worker's integration for shutdown cleanup;
// nil until the first request arrived.
func (w *Worker) Integration() integration.Integration {
	return w.integration
}

// Run registers the worker as ready and serves requests until the abort
// event fires or the client disconnects.
func (w *Worker) Run(ctx context.Context) error {
	defer w.close()

	if err := w.socket.SendMessage([][]byte{[]byte(ReadySentinel)}); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", w.Identity, err)
	}

	logger.Info("worker started", "worker", w.Identity)

	for {
		if w.abort.IsSet() {
			logger.Info("worker aborting", "worker", w.Identity)
			return nil
		}

		frames, err := w.socket.RecvMessageNoWait()
		if err != nil {
			time.Sleep(recvIdleSleep)
			continue
		}

		stop, err := w.serve(ctx, frames)
		if err != nil {
			logger.Error("worker failed to serve request",
				"worker", w.Identity,
				"error", err,
			)
		}
		if stop {
			logger.Info("worker stopping", "worker", w.Identity)
			return nil
		}
	}
}

// serve handles one request frame set. Every received frame set is
// answered, malformed ones included: a REQ socket that does not reply
// can never receive again.
func (w *Worker) serve(ctx context.Context, frames [][]byte) (bool, error) {
	reply, stop, err := w.respond(ctx, frames)
	if reply == nil {
		return false, err
	}

	if sendErr := w.socket.SendMessage(reply); sendErr != nil {
		return stop, fmt.Errorf("failed to send response: %w", sendErr)
	}

	return stop, err
}

// respond builds the reply frame set for one request: [request_id, "",
// payload] in, the same envelope out. Only an empty frame set, which has
// no envelope to reply to, yields a nil reply.
func (w *Worker) respond(ctx context.Context, frames [][]byte) (reply [][]byte, stop bool, err error) {
	if len(frames) == 0 {
		return nil, false, fmt.Errorf("empty request")
	}

	requestID := frames[0]

	var response *protocol.Response

	switch {
	case len(frames) < 3:
		err = fmt.Errorf("malformed request of %d frames", len(frames))
		response = &protocol.Response{
			Worker:  w.Identity,
			Success: false,
			Message: err.Error(),
		}
	default:
		request, decodeErr := protocol.UnmarshalRequest(frames[2])
		if decodeErr != nil {
			err = fmt.Errorf("failed to decode request: %w", decodeErr)
			response = &protocol.Response{
				Worker:  w.Identity,
				Success: false,
				Message: err.Error(),
			}
			break
		}

		response = w.process(ctx, request)

		if w.abort.IsSet() {
			response = &protocol.Response{
				RequestID: request.RequestID,
				Worker:    w.Identity,
				Success:   false,
				Message:   "abort",
			}
			stop = true
		} else if action := strings.ToUpper(response.Action); action == "DISC" || action == "DISCONNECT" {
			stop = true
		}
	}

	body, marshalErr := protocol.MarshalResponse(response)
	if marshalErr != nil {
		body, _ = protocol.MarshalResponse(&protocol.Response{
			Worker:  w.Identity,
			Success: false,
			Message: fmt.Sprintf("failed to encode response: %s", marshalErr.Error()),
		})
	}

	return [][]byte{requestID, nil, body}, stop, err
}

// process dispatches one request to the integration, creating the
// integration from the url scheme on first use.
func (w *Worker) process(ctx context.Context, request *protocol.Request) *protocol.Response {
	if request.Worker != "" && request.Worker != w.Identity {
		return &protocol.Response{
			RequestID: request.RequestID,
			Worker:    w.Identity,
			Success:   false,
			Action:    request.Action,
			Message:   fmt.Sprintf("got request for worker %s", request.Worker),
		}
	}

	if w.integration == nil {
		instance, err := FromURL(request.Context.String("url"), w.Identity, w.abort)
		if err != nil {
			return &protocol.Response{
				RequestID: request.RequestID,
				Worker:    w.Identity,
				Success:   false,
				Action:    request.Action,
				Message:   err.Error(),
			}
		}
		w.integration = instance
	}

	return w.integration.Handle(ctx, request)
}

func (w *Worker) close() {
	if w.integration != nil {
		if err := w.integration.Close(); err != nil {
			logger.Warn("failed to close integration", "worker", w.Identity, "error", err)
		}
	}
	w.socket.Destroy()
}
