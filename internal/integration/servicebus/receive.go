package servicebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/Biometria-se/grizzly-sub007/internal/integration"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
	"github.com/Biometria-se/grizzly-sub007/internal/transformer"
)

const (
	// receiveAttempts bounds lock-lost and reconnect retries around one
	// logical receive.
	receiveAttempts = 3

	// emptyPeekBatch, emptyReceiveBatch and emptyTimeout shape the
	// drain loop of EMPTY.
	emptyPeekBatch    = 10
	emptyReceiveBatch = 100
	emptyTimeout      = 20 * time.Second
)

// staleClientText is the transport hint that the receiver's underlying
// connection is gone and a new one must be created.
const staleClientText = "Please use ServiceBusClient to create a new instance"

// settler is the subset of the receiver the per-message settlement
// decision needs; *azservicebus.Receiver satisfies it.
type settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
}

// matches reports whether a message body satisfies the compiled
// expression. Unparsable bodies never match.
func matches(trans transformer.Transformer, selector transformer.Selector, text string) bool {
	doc, err := trans.Transform(text)
	if err != nil {
		return false
	}

	values, err := selector(doc)
	return err == nil && len(values) > 0
}

// settle completes or abandons one received message: matches are always
// completed, non-matches are completed too (and so discarded) when
// consume is set, and abandoned otherwise. done reports whether the
// message satisfied the receive.
func settle(ctx context.Context, s settler, message *azservicebus.ReceivedMessage, matched, consume bool) (done bool, err error) {
	if matched || consume {
		if err := s.CompleteMessage(ctx, message, nil); err != nil {
			return false, err
		}
		return matched, nil
	}

	return false, s.AbandonMessage(ctx, message, nil)
}

func (i *Integration) receive(ctx context.Context, req *protocol.Request) (*integration.Result, error) {
	if req.Payload != nil {
		return nil, integration.Errorf("payload is not allowed")
	}

	args, err := endpointArgs(req)
	if err != nil {
		return nil, err
	}

	messageWait := i.messageWait
	if req.Context.Has("message_wait") {
		messageWait = req.Context.MessageWait()
	}
	consume := req.Context.Bool("consume", false)
	verbose := req.Context.Bool("verbose", false)

	expression := args["expression"]
	var (
		trans    transformer.Transformer
		selector transformer.Selector
	)
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

	var lastErr error

	for attempt := 1; attempt <= receiveAttempts; attempt++ {
		entry, err := i.ensureReceiver(req, args, attempt > 1)
		if err != nil {
			return nil, err
		}

		// A long-idle receiver makes the library return instantly with
		// nothing; reset the activity mark so the wait budget applies.
		if time.Since(entry.lastActivity) > messageWait {
			entry.lastActivity = time.Now()
		}

		result, err := i.receiveLoop(ctx, entry, req, trans, selector, expression, messageWait, consume, verbose)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch {
		case isLockLost(err):
			logger.Warn("message lock lost, retrying receive",
				"worker", i.worker,
				"attempt", attempt,
			)
		case isStaleConnection(err):
			logger.Warn("receiver connection lost, reconnecting",
				"worker", i.worker,
				"attempt", attempt,
			)
		default:
			return nil, err
		}
	}

	return nil, lastErr
}

// receiveLoop pulls messages one at a time until one matches, the wait
// budget runs out, or the transport fails.
func (i *Integration) receiveLoop(
	ctx context.Context,
	entry *receiverEntry,
	req *protocol.Request,
	trans transformer.Transformer,
	selector transformer.Selector,
	expression string,
	messageWait time.Duration,
	consume bool,
	verbose bool,
) (*integration.Result, error) {
	deadline := time.Now().Add(messageWait)
	ignored := 0

	for {
		if i.abort.IsSet() {
			return nil, fmt.Errorf("aborted")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, i.timeoutError(entry, expression, messageWait, consume, ignored)
		}

		receiveCtx, cancel := context.WithTimeout(ctx, remaining)
		messages, err := entry.receiver.ReceiveMessages(receiveCtx, 1, nil)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, i.timeoutError(entry, expression, messageWait, consume, ignored)
			}
			return nil, err
		}
		if len(messages) == 0 {
			return nil, i.timeoutError(entry, expression, messageWait, consume, ignored)
		}

		message := messages[0]
		entry.lastActivity = time.Now()
		text := protocol.EncodeText(message.Body)

		if verbose {
			logger.Debug("received message",
				"worker", i.worker,
				"endpoint", canonicalEndpoint(entry.args),
				"message_id", message.MessageID,
				"size", len(message.Body),
			)
		}

		matched := selector == nil || matches(trans, selector, text)

		done, err := settle(ctx, entry.receiver, message, matched, consume)
		if err != nil {
			return nil, err
		}
		if done {
			return i.receivedResult(message, text), nil
		}
		if consume {
			ignored++
		}
	}
}

func (i *Integration) receivedResult(message *azservicebus.ReceivedMessage, text string) *integration.Result {
	result := &integration.Result{
		Payload:        &text,
		ResponseLength: len(text),
	}

	if len(message.ApplicationProperties) > 0 {
		result.Metadata = message.ApplicationProperties
	}

	return result
}

func (i *Integration) timeoutError(entry *receiverEntry, expression string, messageWait time.Duration, consume bool, ignored int) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "no messages on %s", canonicalEndpoint(entry.args))
	if expression != "" {
		fmt.Fprintf(&sb, " matching expression %q", expression)
	}
	fmt.Fprintf(&sb, " within %s", messageWait)
	if consume {
		fmt.Fprintf(&sb, ", %d non-matching messages consumed", ignored)
	}
	return errors.New(sb.String())
}

func isLockLost(err error) bool {
	var sbErr *azservicebus.Error
	return errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeLockLost
}

func isStaleConnection(err error) bool {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeConnectionLost {
		return true
	}
	return err != nil && strings.Contains(err.Error(), staleClientText)
}

// empty drains the endpoint: peek in small batches and, while the queue
// keeps looking full, receive and complete in bulk.
func (i *Integration) empty(ctx context.Context, req *protocol.Request) (*integration.Result, error) {
	args, err := endpointArgs(req)
	if err != nil {
		return nil, err
	}

	entry, err := i.ensureReceiver(req, args, false)
	if err != nil {
		return nil, err
	}

	consumed := 0

	for {
		if i.abort.IsSet() {
			break
		}

		peekCtx, cancel := context.WithTimeout(ctx, emptyTimeout)
		peeked, err := entry.receiver.PeekMessages(peekCtx, emptyPeekBatch, nil)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if len(peeked) < emptyPeekBatch {
			break
		}

		receiveCtx, cancel := context.WithTimeout(ctx, emptyTimeout)
		messages, err := entry.receiver.ReceiveMessages(receiveCtx, emptyReceiveBatch, nil)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		for _, message := range messages {
			if err := entry.receiver.CompleteMessage(ctx, message, nil); err != nil {
				return nil, err
			}
			consumed++
		}
	}

	entry.lastActivity = time.Now()

	return &integration.Result{
		Message: fmt.Sprintf("emptied %d messages from %s", consumed, canonicalEndpoint(entry.args)),
	}, nil
}
