// Package bus relays dispatcher envelopes between engine instances over Redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/Lewis-walter7/comm-sub001/internal/dispatch"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChannel is the pub/sub channel shared by every instance.
	DefaultChannel = "collab:events"

	defaultBuffer      = 1024
	directionOutbound  = "outbound"
	directionInbound   = "inbound"
	directionDropped   = "dropped"
	directionMalformed = "malformed"
	fieldChannel       = "channel"
	fieldNodeID        = "node_id"
)

var (
	errMissingClient = errors.New("bus: redis client is required")
	errMissingNodeID = errors.New("bus: node id is required")
	errQueueFull     = errors.New("bus: outbound queue is full")
)

// RelayConfig describes the relay dependencies.
type RelayConfig struct {
	Client  redis.UniversalClient
	Channel string
	NodeID  string
	Buffer  int
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Relay implements dispatch.Relay. Publish only enqueues; Run owns the Redis I/O.
// Envelopes carrying this instance's node id are ignored on receipt.
type Relay struct {
	client  redis.UniversalClient
	channel string
	nodeID  string
	queue   chan dispatch.Envelope
	logger  *zap.Logger
	metrics *metrics.Collector

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRelay constructs a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	nodeID := strings.TrimSpace(cfg.NodeID)
	if nodeID == "" {
		return nil, errMissingNodeID
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client:  cfg.Client,
		channel: channel,
		nodeID:  nodeID,
		queue:   make(chan dispatch.Envelope, buffer),
		logger:  logger,
		metrics: cfg.Metrics,
		ready:   make(chan struct{}),
	}, nil
}

// Publish stamps the envelope with this node's id and queues it.
func (r *Relay) Publish(_ context.Context, envelope dispatch.Envelope) error {
	envelope.Origin = r.nodeID
	select {
	case r.queue <- envelope:
		return nil
	default:
		r.metrics.RelayMessage(directionDropped)
		return errQueueFull
	}
}

// Ready is closed once the subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the channel, publishes queued envelopes and hands envelopes from
// other instances to deliver until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, deliver func(dispatch.Envelope)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay subscribed", zap.String(fieldChannel, r.channel), zap.String(fieldNodeID, r.nodeID))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.publishLoop(groupCtx)
	})
	group.Go(func() error {
		return r.receiveLoop(groupCtx, pubsub.Channel(), deliver)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope := <-r.queue:
			encoded, err := json.Marshal(envelope)
			if err != nil {
				r.logger.Warn("relay envelope not encoded", zap.String("event", envelope.Event), zap.Error(err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, encoded).Err(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.metrics.RelayMessage(directionDropped)
				r.logger.Warn("relay publish failed", zap.String(fieldChannel, r.channel), zap.Error(err))
				continue
			}
			r.metrics.RelayMessage(directionOutbound)
		}
	}
}

func (r *Relay) receiveLoop(ctx context.Context, messages <-chan *redis.Message, deliver func(dispatch.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			var envelope dispatch.Envelope
			if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
				r.metrics.RelayMessage(directionMalformed)
				r.logger.Warn("relay envelope not decoded", zap.Error(err))
				continue
			}
			if envelope.Origin == r.nodeID {
				continue
			}
			r.metrics.RelayMessage(directionInbound)
			deliver(envelope)
		}
	}
}
