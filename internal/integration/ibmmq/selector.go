package ibmmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	mq "github.com/ibm-messaging/mq-golang/v5/ibmmq"

	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
	"github.com/Biometria-se/grizzly-sub007/internal/transformer"
)

// browsePollInterval is the pause between browse passes while waiting
// for a matching message to arrive.
const browsePollInterval = 500 * time.Millisecond

// browseForMessage walks the queue in browse mode and returns the
// message id of the first message whose transformed payload matches the
// selector. It keeps polling until a match arrives or messageWait runs
// out; a zero messageWait means a single pass.
func (i *Integration) browseForMessage(
	ctx context.Context,
	queue string,
	trans transformer.Transformer,
	selector transformer.Selector,
	expression string,
	messageWait time.Duration,
	maxMessageSize int,
) ([]byte, error) {
	deadline := time.Now().Add(messageWait)
	bufferSize := defaultBufferSize
	if maxMessageSize > 0 {
		bufferSize = maxMessageSize
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i.abort.IsSet() {
			return nil, fmt.Errorf("aborted")
		}

		msgID, newSize, err := i.browsePass(queue, trans, selector, bufferSize, maxMessageSize)
		if err != nil {
			return nil, err
		}
		if msgID != nil {
			return msgID, nil
		}
		if newSize > bufferSize {
			// A message was truncated; redo the pass with room for it.
			bufferSize = newSize
			continue
		}

		if messageWait <= 0 || time.Now().After(deadline) {
			if messageWait <= 0 {
				return nil, fmt.Errorf("no matching message found on queue:%s with expression %q", queue, expression)
			}
			return nil, fmt.Errorf("timeout, no matching message found on queue:%s with expression %q within %s", queue, expression, messageWait)
		}

		time.Sleep(browsePollInterval)
	}
}

// browsePass runs one browse-first/browse-next sweep over the queue.
// It returns the matching message id, or a grown buffer size when a
// message was truncated, or (nil, 0, nil) when the sweep is exhausted
// without a match.
func (i *Integration) browsePass(
	queue string,
	trans transformer.Transformer,
	selector transformer.Selector,
	bufferSize int,
	maxMessageSize int,
) (msgID []byte, grownSize int, err error) {
	err = i.withQueue(queue, mq.MQOO_BROWSE|mq.MQOO_FAIL_IF_QUIESCING, func(obj mq.MQObject) error {
		browseOption := int32(mq.MQGMO_BROWSE_FIRST)

		for {
			md := mq.NewMQMD()
			gmo := mq.NewMQGMO()
			gmo.Options = browseOption | mq.MQGMO_FAIL_IF_QUIESCING | mq.MQGMO_NO_WAIT
			browseOption = mq.MQGMO_BROWSE_NEXT

			buffer := make([]byte, bufferSize)
			datalen, getErr := obj.Get(md, gmo, buffer)
			if getErr != nil {
				var mqerr *mq.MQReturn
				if errors.As(getErr, &mqerr) {
					switch mqerr.MQRC {
					case mq.MQRC_NO_MSG_AVAILABLE:
						// Sweep exhausted.
						return nil
					case mq.MQRC_TRUNCATED_MSG_FAILED:
						if maxMessageSize > 0 {
							return fmt.Errorf("message with size %d bytes does not fit in message buffer of %d bytes", datalen, bufferSize)
						}
						logger.Debug("browsed message truncated, growing buffer",
							"worker", i.worker,
							"queue", queue,
							"buffer_size", bufferSize,
							"message_size", datalen,
						)
						grownSize = datalen
						return nil
					}
				}
				return getErr
			}

			payload := buffer[:datalen]
			if i.headerType == "rfh2" {
				payload = i.codec.Strip(payload)
			}

			doc, transformErr := trans.Transform(protocol.EncodeText(payload))
			if transformErr != nil {
				logger.Debug("skipping unparsable message",
					"worker", i.worker,
					"queue", queue,
					"error", transformErr,
				)
				continue
			}

			values, selectErr := selector(doc)
			if selectErr != nil || len(values) == 0 {
				continue
			}

			msgID = append([]byte(nil), md.MsgId...)
			return nil
		}
	})

	return msgID, grownSize, err
}
