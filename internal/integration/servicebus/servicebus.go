// Package servicebus implements the Azure Service Bus integration:
// cached senders and receivers over AMQP-on-WebSocket, subscription
// management through the admin client, and content-based receives.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"nhooyr.io/websocket"

	"github.com/Biometria-se/grizzly-sub007/internal/azure/entra"
	"github.com/Biometria-se/grizzly-sub007/internal/integration"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/event"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
)

const (
	// helloAttempts bounds connection-creation retries.
	helloAttempts = 3

	// helloBackoffBase and helloBackoffFactor give the exponential
	// schedule between connection-creation attempts.
	helloBackoffBase   = 500 * time.Millisecond
	helloBackoffFactor = 1.7

	// namespaceSuffix completes a bare namespace host.
	namespaceSuffix = ".servicebus.windows.net"

	// userRuleName is the subscription filter rule owned by us.
	userRuleName = "grizzly"
)

var endpointArguments = []string{"queue", "topic", "subscription", "expression"}

// receiverEntry is one cached receiver plus the bookkeeping needed to
// recreate it after a link failure.
type receiverEntry struct {
	receiver     *azservicebus.Receiver
	args         protocol.Arguments
	lastActivity time.Time
}

// Integration owns one Service Bus client, an optional admin client and
// the sender/receiver caches.
type Integration struct {
	table  integration.HandlerTable
	worker string
	abort  *event.Event

	mu            sync.Mutex
	client        *azservicebus.Client
	adminClient   *admin.Client
	credential    azcore.TokenCredential
	entraCred     *entra.Credential
	connStr       string
	namespace     string
	senders       map[string]*azservicebus.Sender
	receivers     map[string]*receiverEntry
	subscriptions map[string]*protocol.Request
	messageWait   time.Duration
}

// New creates the Service Bus integration for a worker.
func New(worker string, abort *event.Event) *Integration {
	i := &Integration{
		worker:        worker,
		abort:         abort,
		senders:       make(map[string]*azservicebus.Sender),
		receivers:     make(map[string]*receiverEntry),
		subscriptions: make(map[string]*protocol.Request),
	}

	i.table.Register(i.hello, "HELLO")
	i.table.Register(i.disconnect, "DISCONNECT", "DISC")
	i.table.Register(i.subscribe, "SUBSCRIBE")
	i.table.Register(i.unsubscribe, "UNSUBSCRIBE")
	i.table.Register(i.send, "SEND")
	i.table.Register(i.receive, "RECEIVE")
	i.table.Register(i.empty, "EMPTY")

	return i
}

// Handle implements integration.Integration.
func (i *Integration) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	return integration.Handle(ctx, &i.table, i.worker, req)
}

// Close unsubscribes everything this worker subscribed, then closes all
// cached senders and receivers and finally the client.
func (i *Integration) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for key, req := range i.subscriptions {
		if _, err := i.unsubscribe(ctx, req); err != nil {
			logger.Warn("failed to tear down subscription",
				"worker", i.worker,
				"subscription", key,
				"error", err,
			)
		}
	}

	for key, sender := range i.senders {
		if err := sender.Close(ctx); err != nil {
			logger.Warn("failed to close sender", "worker", i.worker, "endpoint", key, "error", err)
		}
		delete(i.senders, key)
	}
	for key, entry := range i.receivers {
		if err := entry.receiver.Close(ctx); err != nil {
			logger.Warn("failed to close receiver", "worker", i.worker, "endpoint", key, "error", err)
		}
		delete(i.receivers, key)
	}

	if i.client != nil {
		if err := i.client.Close(ctx); err != nil {
			return err
		}
		i.client = nil
	}

	return nil
}

// endpointArgs parses and validates the request endpoint. Exactly one
// of queue or topic must be present, and subscription only with topic.
func endpointArgs(req *protocol.Request) (protocol.Arguments, error) {
	args, err := protocol.ParseArguments(req.Context.Endpoint())
	if err != nil {
		return nil, integration.Errorf("%s", err.Error())
	}
	if err := args.Validate(nil, endpointArguments); err != nil {
		return nil, integration.Errorf("%s", err.Error())
	}

	_, hasQueue := args["queue"]
	_, hasTopic := args["topic"]
	_, hasSubscription := args["subscription"]

	switch {
	case hasQueue == hasTopic:
		return nil, integration.Errorf("exactly one of queue or topic must be specified")
	case hasSubscription && !hasTopic:
		return nil, integration.Errorf("subscription is only valid together with topic")
	}

	return args, nil
}

// direction reads the connection side from the request context.
func direction(req *protocol.Request) (string, error) {
	connection := req.Context.String("connection")
	if connection != "sender" && connection != "receiver" {
		return "", integration.Errorf("connection must be %q or %q", "sender", "receiver")
	}
	return connection, nil
}

// cacheKey is the canonical endpoint string with the per-request
// expression stripped, prefixed by the connection side.
func cacheKey(side string, args protocol.Arguments) string {
	return side + "=" + canonicalEndpoint(args)
}

func canonicalEndpoint(args protocol.Arguments) string {
	var parts []string
	if queue, ok := args["queue"]; ok {
		parts = append(parts, "queue:"+queue)
	}
	if topic, ok := args["topic"]; ok {
		parts = append(parts, "topic:"+topic)
	}
	if subscription, ok := args["subscription"]; ok {
		parts = append(parts, "subscription:"+subscription)
	}
	return strings.Join(parts, ", ")
}

// fullyQualifiedNamespace completes the host from the request url.
func fullyQualifiedNamespace(host string) string {
	if strings.HasSuffix(host, namespaceSuffix) {
		return host
	}
	return host + namespaceSuffix
}

// newWebSocketConn dials the AMQP-over-WebSocket transport.
func newWebSocketConn(ctx context.Context, args azservicebus.NewWebSocketConnArgs) (net.Conn, error) {
	conn, _, err := websocket.Dial(ctx, args.Host, nil)
	if err != nil {
		return nil, err
	}
	return websocket.NetConn(ctx, conn, websocket.MessageBinary), nil
}

// newEntraCredential builds the Entra ID credential described by the
// request context: the interactive user flow when a username is present
// (with optional TOTP secret, registered redirect and sign-in page), the
// client credentials grant when only a client id is. Nil when the
// context describes neither.
func newEntraCredential(req *protocol.Request) (*entra.Credential, error) {
	username := req.Context.String("username")
	clientID := req.Context.String("client_id")
	tenant := req.Context.String("tenant")

	switch {
	case username != "":
		credential, err := entra.NewCredential(username, req.Context.String("password"), tenant, entra.AuthMethodUser)
		if err != nil {
			return nil, err
		}
		credential.ClientID = clientID
		credential.OTPSecret = req.Context.String("otp_secret")
		credential.Redirect = req.Context.String("redirect")
		credential.Initialize = req.Context.String("initialize")
		return credential, nil
	case clientID != "":
		secret := req.Context.String("client_secret")
		if secret == "" {
			secret = req.Context.String("password")
		}
		credential, err := entra.NewCredential("", secret, tenant, entra.AuthMethodClient)
		if err != nil {
			return nil, err
		}
		credential.ClientID = clientID
		return credential, nil
	default:
		return nil, nil
	}
}

// ensureClient lazily builds the Service Bus client from the request
// context: a SAS connection string when the url carries one, the Entra
// ID credential when the context describes one, and the ambient Azure
// identity chain otherwise.
func (i *Integration) ensureClient(req *protocol.Request) (*azservicebus.Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.client != nil {
		return i.client, nil
	}

	rawURL := req.Context.String("url")
	if rawURL == "" {
		return nil, integration.Errorf("no url in request context")
	}

	i.messageWait = req.Context.MessageWait()

	options := &azservicebus.ClientOptions{
		NewWebSocketConn: newWebSocketConn,
	}

	if strings.Contains(rawURL, "SharedAccessKey") {
		connStr := strings.TrimPrefix(rawURL, "sb://")
		if !strings.HasPrefix(connStr, "Endpoint=") {
			connStr = "Endpoint=sb://" + connStr
		}
		client, err := azservicebus.NewClientFromConnectionString(connStr, options)
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		i.client = client
		i.connStr = connStr
		return i.client, nil
	}

	host := strings.TrimPrefix(rawURL, "sb://")
	host = strings.TrimSuffix(strings.SplitN(host, "/", 2)[0], "/")
	i.namespace = fullyQualifiedNamespace(host)

	entraCred, err := newEntraCredential(req)
	if err != nil {
		return nil, err
	}
	if entraCred != nil {
		i.entraCred = entraCred
		i.credential = entraCred
	} else {
		credential, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create credential: %w", err)
		}
		i.credential = credential
	}

	client, err := azservicebus.NewClient(i.namespace, i.credential, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	i.client = client

	return i.client, nil
}

// ensureAdminClient lazily builds the management client, rebuilding it
// when the Entra ID token was refreshed since it was last created.
func (i *Integration) ensureAdminClient() (*admin.Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.entraCred != nil && i.entraCred.Refreshed() {
		i.adminClient = nil
	}
	if i.adminClient != nil {
		return i.adminClient, nil
	}

	var (
		client *admin.Client
		err    error
	)
	if i.connStr != "" {
		client, err = admin.NewClientFromConnectionString(i.connStr, nil)
	} else if i.credential != nil {
		client, err = admin.NewClient(i.namespace, i.credential, nil)
	} else {
		return nil, integration.Errorf("no connection established, issue HELLO first")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create management client: %w", err)
	}

	i.adminClient = client
	return i.adminClient, nil
}

// isTransientCreation reports whether a client or link creation failure
// is worth another attempt.
func isTransientCreation(err error) bool {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		return sbErr.Code == azservicebus.CodeTimeout || sbErr.Code == azservicebus.CodeConnectionLost
	}
	return false
}

// createWithBackoff retries fn on transient creation failures with
// exponential backoff.
func createWithBackoff(fn func() error) error {
	var err error
	backoff := helloBackoffBase

	for attempt := 1; attempt <= helloAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransientCreation(err) || attempt == helloAttempts {
			return err
		}
		time.Sleep(backoff)
		backoff = time.Duration(float64(backoff) * helloBackoffFactor)
	}

	return err
}

// ensureSender returns the cached sender for the endpoint, creating it
// on first use.
func (i *Integration) ensureSender(req *protocol.Request, args protocol.Arguments, force bool) (*azservicebus.Sender, error) {
	client, err := i.ensureClient(req)
	if err != nil {
		return nil, err
	}

	key := cacheKey("sender", args)

	i.mu.Lock()
	cached, ok := i.senders[key]
	i.mu.Unlock()
	if ok && !force {
		return cached, nil
	}

	entity := args["queue"]
	if entity == "" {
		entity = args["topic"]
	}

	var sender *azservicebus.Sender
	err = createWithBackoff(func() error {
		var createErr error
		sender, createErr = client.NewSender(entity, nil)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for %s: %w", entity, err)
	}

	i.mu.Lock()
	i.senders[key] = sender
	i.mu.Unlock()

	return sender, nil
}

// ensureReceiver returns the cached receiver entry for the endpoint,
// creating it on first use. With forward=true on a topic the receiver
// is attached to the forward queue instead of the subscription.
func (i *Integration) ensureReceiver(req *protocol.Request, args protocol.Arguments, force bool) (*receiverEntry, error) {
	client, err := i.ensureClient(req)
	if err != nil {
		return nil, err
	}

	key := cacheKey("receiver", args)

	i.mu.Lock()
	cached, ok := i.receivers[key]
	i.mu.Unlock()
	if ok && !force {
		return cached, nil
	}

	var receiver *azservicebus.Receiver
	err = createWithBackoff(func() error {
		var createErr error
		switch {
		case args["queue"] != "":
			receiver, createErr = client.NewReceiverForQueue(args["queue"], nil)
		case req.Context.Bool("forward", false):
			// The forward queue carries the subscription's name.
			receiver, createErr = client.NewReceiverForQueue(args["subscription"], nil)
		default:
			receiver, createErr = client.NewReceiverForSubscription(args["topic"], args["subscription"], nil)
		}
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver for %s: %w", canonicalEndpoint(args), err)
	}

	entry := &receiverEntry{
		receiver:     receiver,
		args:         args.Without("expression"),
		lastActivity: time.Now(),
	}

	i.mu.Lock()
	i.receivers[key] = entry
	i.mu.Unlock()

	return entry, nil
}

func (i *Integration) hello(_ context.Context, req *protocol.Request) (*integration.Result, error) {
	args, err := endpointArgs(req)
	if err != nil {
		return nil, err
	}
	side, err := direction(req)
	if err != nil {
		return nil, err
	}

	force := req.Context.Bool("force", false)

	if side == "sender" {
		if _, err := i.ensureSender(req, args, force); err != nil {
			return nil, err
		}
	} else {
		if _, err := i.ensureReceiver(req, args, force); err != nil {
			return nil, err
		}
	}

	return &integration.Result{Message: "there general kenobi"}, nil
}

func (i *Integration) disconnect(ctx context.Context, req *protocol.Request) (*integration.Result, error) {
	args, err := endpointArgs(req)
	if err != nil {
		return nil, err
	}
	side, err := direction(req)
	if err != nil {
		return nil, err
	}

	key := cacheKey(side, args)

	i.mu.Lock()
	if side == "sender" {
		if sender, ok := i.senders[key]; ok {
			_ = sender.Close(ctx)
			delete(i.senders, key)
		}
	} else {
		if entry, ok := i.receivers[key]; ok {
			_ = entry.receiver.Close(ctx)
			delete(i.receivers, key)
		}
	}
	remaining := len(i.senders) + len(i.receivers)
	i.mu.Unlock()

	result := &integration.Result{Message: "thanks for all the fish"}
	if remaining > 0 {
		// Other connections are alive: tell the worker to stay up.
		result.Action = "DISCONNECTING"
	}

	return result, nil
}

func (i *Integration) send(ctx context.Context, req *protocol.Request) (*integration.Result, error) {
	if req.Payload == nil {
		return nil, integration.Errorf("no payload in request")
	}

	args, err := endpointArgs(req)
	if err != nil {
		return nil, err
	}

	sender, err := i.ensureSender(req, args, false)
	if err != nil {
		return nil, err
	}

	data := protocol.DecodeText(*req.Payload)
	message := &azservicebus.Message{Body: data}

	if metadata := req.Context.Metadata(); len(metadata) > 0 {
		message.ApplicationProperties = metadata
	}

	if err := sender.SendMessage(ctx, message, nil); err != nil {
		return nil, fmt.Errorf("failed to send message: %s", err.Error())
	}

	return &integration.Result{ResponseLength: len(data)}, nil
}
