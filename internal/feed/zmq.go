package feed

import (
	"context"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
)

// ZMQTopic is the subscription prefix template producers publish under.
const ZMQTopic = "template"

const pollInterval = 250 * time.Millisecond

// ZMQFeed subscribes to a template producer's PUB socket. Messages are
// [topic, wire-encoded template, ...].
type ZMQFeed struct {
	socket      *zmq.Socket
	endpoint    string
	broadcaster *Broadcaster
	logger      *log.Logger
}

// NewZMQFeed creates a SUB socket subscribed to ZMQTopic.
func NewZMQFeed(endpoint string, broadcaster *Broadcaster, logger *log.Logger) (*ZMQFeed, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetSubscribe(ZMQTopic); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", ZMQTopic, err)
	}
	return &ZMQFeed{
		socket:      socket,
		endpoint:    endpoint,
		broadcaster: broadcaster,
		logger:      logger.WithComponent("zmq_feed"),
	}, nil
}

// Connect connects to the producer endpoint.
func (z *ZMQFeed) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Run receives templates until ctx is cancelled. The socket is polled so
// cancellation is noticed within pollInterval.
func (z *ZMQFeed) Run(ctx context.Context) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if ctx.Err() != nil {
			z.logger.Info("ZMQ feed stopping")
			return ctx.Err()
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return err
			}
			z.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}
		if err := z.handle(msg); err != nil {
			z.logger.WithError(err).Warn("dropping ZMQ message")
		}
	}
}

func (z *ZMQFeed) handle(parts [][]byte) error {
	if len(parts) < 2 {
		return fmt.Errorf("malformed message with %d parts", len(parts))
	}
	if topic := string(parts[0]); topic != ZMQTopic {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	tmpl, err := wire.UnmarshalJobTemplate(parts[1])
	if err != nil {
		return err
	}
	if tmpl.IsPlaceholder() {
		return nil
	}
	z.broadcaster.Publish(tmpl)
	return nil
}

// Close closes the socket.
func (z *ZMQFeed) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}
