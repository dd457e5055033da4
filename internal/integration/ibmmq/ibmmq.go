// Package ibmmq implements the IBM MQ integration: one queue manager
// connection per worker, PUT/GET with transactional semantics and a
// retry ladder for the transient failure modes of a busy queue manager.
package ibmmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mq "github.com/ibm-messaging/mq-golang/v5/ibmmq"

	"github.com/Biometria-se/grizzly-sub007/internal/integration"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/event"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
	"github.com/Biometria-se/grizzly-sub007/internal/transformer"
)

const (
	// maxAttempts bounds the retry ladder for PUT and GET.
	maxAttempts = 5

	// defaultHeartbeatInterval is used when the context carries none.
	defaultHeartbeatInterval = 300

	// defaultSSLCipher is used when the context carries none.
	defaultSSLCipher = "ECDHE_RSA_AES_256_GCM_SHA384"

	// defaultBufferSize is the initial message buffer; it grows when a
	// get is truncated and no explicit max_message_size caps it.
	defaultBufferSize = 1 << 20
)

var (
	putArguments = []string{"queue", "max_message_size"}
	getArguments = []string{"queue", "expression", "max_message_size"}
)

// retryableError marks a failure the retry ladder should absorb even
// though its MQ reason code alone would not qualify.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Integration owns at most one live queue manager connection.
type Integration struct {
	table  integration.HandlerTable
	worker string
	abort  *event.Event

	qmgr        *mq.MQQueueManager
	connContext protocol.Context
	messageWait time.Duration
	headerType  string
	codec       HeaderCodec
}

// New creates the IBM MQ integration for a worker.
func New(worker string, abort *event.Event) *Integration {
	i := &Integration{
		worker: worker,
		abort:  abort,
		codec:  RFH2Codec{},
	}

	i.table.Register(i.connect, "CONN")
	i.table.Register(i.disconnect, "DISC", "DISCONNECT")
	i.table.Register(i.put, "PUT", "SEND")
	i.table.Register(i.get, "GET", "RECEIVE")

	return i
}

// Handle implements integration.Integration.
func (i *Integration) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	return integration.Handle(ctx, &i.table, i.worker, req)
}

// Close implements integration.Integration.
func (i *Integration) Close() error {
	if i.qmgr == nil {
		return nil
	}

	err := i.qmgr.Disc()
	i.qmgr = nil
	return err
}

func (i *Integration) connect(_ context.Context, req *protocol.Request) (*integration.Result, error) {
	if len(req.Context) == 0 {
		return nil, integration.Errorf("no context in request")
	}

	if i.qmgr != nil {
		return &integration.Result{Message: "re-used connection"}, nil
	}

	if err := i.doConnect(req.Context); err != nil {
		return nil, err
	}

	return &integration.Result{Message: "connected"}, nil
}

// doConnect establishes the client connection described by the request
// context. The context is kept so the retry ladder can reconnect.
func (i *Integration) doConnect(rc protocol.Context) error {
	queueManager := rc.String("queue_manager")
	channel := rc.String("channel")
	connection := rc.String("connection")

	if queueManager == "" || channel == "" || connection == "" {
		return integration.Errorf("queue_manager, channel and connection are required")
	}

	cd := mq.NewMQCD()
	cd.ChannelName = channel
	cd.ConnectionName = connection
	cd.HeartbeatInterval = int32(rc.Int("heartbeat_interval", defaultHeartbeatInterval))

	cno := mq.NewMQCNO()
	cno.Options = mq.MQCNO_CLIENT_BINDING | mq.MQCNO_RECONNECT
	cno.ClientConn = cd

	username := rc.String("username")
	if username != "" {
		csp := mq.NewMQCSP()
		csp.AuthenticationType = mq.MQCSP_AUTH_USER_ID_AND_PWD
		csp.UserId = username
		csp.Password = rc.String("password")
		cno.SecurityParms = csp
	}

	if keyFile := rc.String("key_file"); keyFile != "" {
		certLabel := rc.String("cert_label")
		if certLabel == "" {
			certLabel = username
		}
		cipher := rc.String("ssl_cipher")
		if cipher == "" {
			cipher = defaultSSLCipher
		}

		sco := mq.NewMQSCO()
		sco.KeyRepository = keyFile
		sco.CertificateLabel = certLabel
		cd.SSLCipherSpec = cipher
		cd.SSLClientAuth = mq.MQSCA_OPTIONAL
		cno.SSLConfig = sco
	}

	qmgr, err := mq.Connx(queueManager, cno)
	if err != nil {
		return fmt.Errorf("failed to connect to queue manager %s: %w", queueManager, err)
	}

	i.qmgr = &qmgr
	i.connContext = rc
	i.messageWait = rc.MessageWait()
	i.headerType = strings.ToLower(rc.String("header_type"))

	logger.Info("connected to queue manager",
		"worker", i.worker,
		"queue_manager", queueManager,
		"connection", connection,
	)

	return nil
}

// reconnect tears down and re-establishes the connection with the
// original CONN context.
func (i *Integration) reconnect() error {
	if i.connContext == nil {
		return integration.Errorf("not connected")
	}

	if i.qmgr != nil {
		_ = i.qmgr.Disc()
		i.qmgr = nil
	}

	return i.doConnect(i.connContext)
}

func (i *Integration) disconnect(_ context.Context, _ *protocol.Request) (*integration.Result, error) {
	if i.qmgr != nil {
		if err := i.qmgr.Disc(); err != nil {
			return nil, err
		}
		i.qmgr = nil
	}

	return &integration.Result{Message: "disconnected"}, nil
}

func (i *Integration) put(_ context.Context, req *protocol.Request) (*integration.Result, error) {
	if i.qmgr == nil {
		return nil, integration.Errorf("not connected")
	}
	if req.Payload == nil {
		return nil, integration.Errorf("no payload in request")
	}

	args, err := protocol.ParseArguments(req.Context.Endpoint())
	if err != nil {
		return nil, integration.Errorf("%s", err.Error())
	}
	if err := args.Validate([]string{"queue"}, putArguments); err != nil {
		return nil, integration.Errorf("%s", err.Error())
	}

	data := protocol.DecodeText(*req.Payload)
	format := mq.MQFMT_STRING

	if i.headerType != "" {
		if i.headerType != "rfh2" {
			return nil, integration.Errorf("%q is not a supported header type", i.headerType)
		}
		data, format, err = i.codec.Wrap(data)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap payload: %w", err)
		}
	}

	err = i.executeWithRetry(func() error {
		return i.withQueue(args["queue"], mq.MQOO_OUTPUT|mq.MQOO_FAIL_IF_QUIESCING, func(obj mq.MQObject) error {
			md := mq.NewMQMD()
			md.Format = format

			pmo := mq.NewMQPMO()
			pmo.Options = mq.MQPMO_SYNCPOINT | mq.MQPMO_FAIL_IF_QUIESCING

			if err := obj.Put(md, pmo, data); err != nil {
				_ = i.qmgr.Back()
				return err
			}

			return i.qmgr.Cmit()
		})
	})
	if err != nil {
		return nil, err
	}

	return &integration.Result{ResponseLength: len(data)}, nil
}

func (i *Integration) get(ctx context.Context, req *protocol.Request) (*integration.Result, error) {
	if i.qmgr == nil {
		return nil, integration.Errorf("not connected")
	}
	if req.Payload != nil {
		return nil, integration.Errorf("payload is not allowed")
	}

	args, err := protocol.ParseArguments(req.Context.Endpoint())
	if err != nil {
		return nil, integration.Errorf("%s", err.Error())
	}
	if err := args.Validate([]string{"queue"}, getArguments); err != nil {
		return nil, integration.Errorf("%s", err.Error())
	}

	queue := args["queue"]
	expression := args["expression"]

	messageWait := i.messageWait
	if req.Context.Has("message_wait") {
		messageWait = req.Context.MessageWait()
	}

	maxMessageSize := 0
	if raw, ok := args["max_message_size"]; ok {
		maxMessageSize, err = strconv.Atoi(raw)
		if err != nil || maxMessageSize <= 0 {
			return nil, integration.Errorf("max_message_size %q is not a positive integer", raw)
		}
	}

	var selector transformer.Selector
	var trans transformer.Transformer
	if expression != "" {
		contentType, err := transformer.ParseContentType(req.Context.String("content_type"))
		if err != nil {
			return nil, integration.Errorf("%s", err.Error())
		}
		trans, err = transformer.Get(contentType)
		if err != nil {
			return nil, integration.Errorf("%s", err.Error())
		}
		selector, err = trans.Parse(expression)
		if err != nil {
			return nil, err
		}
	}

	var payload []byte

	err = i.executeWithRetry(func() error {
		var opErr error
		if selector != nil {
			var msgID []byte
			msgID, opErr = i.browseForMessage(ctx, queue, trans, selector, expression, messageWait, maxMessageSize)
			if opErr != nil {
				return opErr
			}
			payload, opErr = i.getByID(queue, msgID, maxMessageSize)
		} else {
			payload, opErr = i.getNext(queue, messageWait, maxMessageSize)
		}
		return opErr
	})
	if err != nil {
		return nil, err
	}

	if i.headerType == "rfh2" {
		payload = i.codec.Strip(payload)
	}

	text := protocol.EncodeText(payload)

	return &integration.Result{
		Payload:        &text,
		ResponseLength: len(payload),
	}, nil
}

// getNext reads and commits the next message on the queue, consuming
// and retrying zero byte messages.
func (i *Integration) getNext(queue string, messageWait time.Duration, maxMessageSize int) ([]byte, error) {
	var payload []byte

	err := i.withQueue(queue, mq.MQOO_INPUT_AS_Q_DEF|mq.MQOO_FAIL_IF_QUIESCING, func(obj mq.MQObject) error {
		bufferSize := defaultBufferSize
		if maxMessageSize > 0 {
			bufferSize = maxMessageSize
		}

		for {
			md := mq.NewMQMD()
			gmo := mq.NewMQGMO()
			gmo.Options = mq.MQGMO_FAIL_IF_QUIESCING | mq.MQGMO_SYNCPOINT
			if messageWait > 0 {
				gmo.Options |= mq.MQGMO_WAIT
				gmo.WaitInterval = int32(messageWait.Milliseconds())
			}

			buffer := make([]byte, bufferSize)
			datalen, err := obj.Get(md, gmo, buffer)
			if err != nil {
				_ = i.qmgr.Back()
				var mqerr *mq.MQReturn
				if errors.As(err, &mqerr) {
					switch mqerr.MQRC {
					case mq.MQRC_NO_MSG_AVAILABLE:
						return fmt.Errorf("timeout, no message on queue:%s within %s", queue, messageWait)
					case mq.MQRC_TRUNCATED_MSG_FAILED:
						if maxMessageSize > 0 {
							return fmt.Errorf("message with size %d bytes does not fit in message buffer of %d bytes", datalen, bufferSize)
						}
						bufferSize = datalen
						continue
					}
				}
				return err
			}

			if datalen == 0 {
				// A zero byte message is noise: consume it and look at
				// the next one.
				if err := i.qmgr.Cmit(); err != nil {
					return err
				}
				continue
			}

			if err := i.qmgr.Cmit(); err != nil {
				return err
			}

			payload = buffer[:datalen]
			return nil
		}
	})

	return payload, err
}

// getByID fetches a previously browsed message by message id. Another
// consumer may have taken it in the meantime; that is retryable.
func (i *Integration) getByID(queue string, msgID []byte, maxMessageSize int) ([]byte, error) {
	var payload []byte

	err := i.withQueue(queue, mq.MQOO_INPUT_AS_Q_DEF|mq.MQOO_FAIL_IF_QUIESCING, func(obj mq.MQObject) error {
		bufferSize := defaultBufferSize
		if maxMessageSize > 0 {
			bufferSize = maxMessageSize
		}

		for {
			md := mq.NewMQMD()
			md.MsgId = msgID

			gmo := mq.NewMQGMO()
			gmo.Options = mq.MQGMO_FAIL_IF_QUIESCING | mq.MQGMO_SYNCPOINT
			gmo.MatchOptions = mq.MQMO_MATCH_MSG_ID

			buffer := make([]byte, bufferSize)
			datalen, err := obj.Get(md, gmo, buffer)
			if err != nil {
				_ = i.qmgr.Back()
				var mqerr *mq.MQReturn
				if errors.As(err, &mqerr) {
					switch mqerr.MQRC {
					case mq.MQRC_NO_MSG_AVAILABLE:
						// The browsed message was consumed by a peer
						// between browse and fetch.
						return &retryableError{err: err}
					case mq.MQRC_TRUNCATED_MSG_FAILED:
						if maxMessageSize > 0 {
							return fmt.Errorf("message with size %d bytes does not fit in message buffer of %d bytes", datalen, bufferSize)
						}
						bufferSize = datalen
						continue
					}
				}
				return err
			}

			if err := i.qmgr.Cmit(); err != nil {
				return err
			}

			payload = buffer[:datalen]
			return nil
		}
	})

	return payload, err
}

// withQueue opens a queue, runs fn, and guarantees the handle is closed
// on every exit path.
func (i *Integration) withQueue(queue string, openOptions int32, fn func(obj mq.MQObject) error) error {
	od := mq.NewMQOD()
	od.ObjectType = mq.MQOT_Q
	od.ObjectName = queue

	obj, err := i.qmgr.Open(od, openOptions)
	if err != nil {
		return fmt.Errorf("failed to open queue %s: %w", queue, err)
	}
	defer func() {
		_ = obj.Close(0)
	}()

	return fn(obj)
}

// executeWithRetry runs op up to maxAttempts times, sleeping
// quadratically between attempts and reconnecting when the connection
// itself is the problem.
func (i *Integration) executeWithRetry(op func() error) error {
	var last error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(retryBackoff(attempt - 1))
		}
		if i.abort.IsSet() {
			return fmt.Errorf("aborted")
		}

		err := op()
		if err == nil {
			return nil
		}

		var soft *retryableError
		if errors.As(err, &soft) {
			last = err
			continue
		}

		var mqerr *mq.MQReturn
		if errors.As(err, &mqerr) {
			switch {
			case mqerr.MQRC == mq.MQRC_BACKED_OUT:
				last = err
				continue
			case mqerr.MQRC == mq.MQRC_RECONNECT_FAILED:
				return err
			case isConnectionFailure(mqerr.MQRC):
				last = err
				if rerr := i.reconnect(); rerr != nil {
					return rerr
				}
				continue
			}
		}

		return err
	}

	return fmt.Errorf("failed after %d retries: %w", maxAttempts, last)
}

// retryBackoff is the quadratic schedule between retry attempts.
func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * 500 * time.Millisecond
}

func isConnectionFailure(reason int32) bool {
	switch reason {
	case mq.MQRC_CONNECTION_BROKEN,
		mq.MQRC_CONNECTION_QUIESCING,
		mq.MQRC_HCONN_ERROR,
		mq.MQRC_HOBJ_ERROR,
		mq.MQRC_OBJECT_CHANGED,
		mq.MQRC_Q_MGR_NOT_AVAILABLE,
		mq.MQRC_CALL_IN_PROGRESS:
		return true
	default:
		return false
	}
}
