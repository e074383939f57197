package pulsarutils

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dbcdk/dataio/internal/common/logging"
)

var msgLogger = logrus.NewEntry(logrus.StandardLogger())

// Receive pumps messages from consumer onto the returned channel until ctx is cancelled,
// at which point the channel is closed. Receive errors are logged and retried after backoffTime.
func Receive(
	ctx context.Context,
	consumer pulsar.Consumer,
	receiveTimeout time.Duration,
	backoffTime time.Duration,
) chan pulsar.Message {
	out := make(chan pulsar.Message)
	go func() {
		// Periodically log the number of processed messages.
		logInterval := 60 * time.Second
		lastLogged := time.Now()
		numReceived := 0
		var lastMessageId pulsar.MessageID
		lastPublishTime := time.Now()

		for {
			if time.Since(lastLogged) > logInterval {
				msgLogger.WithFields(
					logrus.Fields{
						"received":      numReceived,
						"interval":      logInterval,
						"lastMessageId": lastMessageId,
						"timeLag":       time.Since(lastPublishTime),
					},
				).Info("message statistics")
				numReceived = 0
				lastLogged = time.Now()
			}

			select {
			case <-ctx.Done():
				msgLogger.Infof("Shutting down pulsar receiver")
				close(out)
				return
			default:
				ctxWithTimeout, cancel := context.WithTimeout(ctx, receiveTimeout)
				msg, err := consumer.Receive(ctxWithTimeout)
				cancel()
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					msgLogger.Debugf("No message received")
					break // expected
				}
				// If receiving fails, try again in the hope that the problem is transient.
				if err != nil {
					logging.
						WithStacktrace(msgLogger, err).
						WithField("lastMessageId", lastMessageId).
						Warnf("Pulsar receive failed; backing off for %s", backoffTime)
					time.Sleep(backoffTime)
					continue
				}

				numReceived++
				lastPublishTime = msg.PublishTime()
				lastMessageId = msg.ID()
				select {
				case out <- msg:
				case <-ctx.Done():
					// Unacked; the broker redelivers it to whoever consumes next.
					close(out)
					return
				}
			}
		}
	}()
	return out
}
