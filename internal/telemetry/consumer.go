package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/trackside/internal/config"
)

// Streams exposes the three telemetry event streams to consumers. Each
// stream preserves the arrival order of its own topic; no ordering holds
// across streams.
type Streams struct {
	Connects    <-chan ConnectEvent
	Disconnects <-chan DisconnectEvent
	Chats       <-chan ChatEvent
}

// Consumer consumes raw telemetry from the dedicated-server bridge topics
// and delivers parsed events on per-stream channels.
type Consumer struct {
	config        *config.KafkaConfig
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool

	connects    chan ConnectEvent
	disconnects chan DisconnectEvent
	chats       chan ChatEvent
}

// NewConsumer creates a new telemetry consumer
func NewConsumer(cfg *config.KafkaConfig, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
		connects:      make(chan ConnectEvent, 64),
		disconnects:   make(chan DisconnectEvent, 64),
		chats:         make(chan ChatEvent, 256),
	}, nil
}

// Streams returns the parsed event streams.
func (c *Consumer) Streams() Streams {
	return Streams{
		Connects:    c.connects,
		Disconnects: c.disconnects,
		Chats:       c.chats,
	}
}

// Start begins consuming telemetry from Kafka
func (c *Consumer) Start() error {
	topics := []string{
		c.config.Topics.Connect,
		c.config.Topics.Disconnect,
		c.config.Topics.Chat,
	}

	c.logger.Info("starting telemetry consumer",
		"brokers", c.config.Brokers,
		"topics", topics,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, topics, handler); err != nil {
				if err == sarama.ErrClosedConsumerGroup {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("telemetry consumer ready")

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer and closes the event streams.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping telemetry consumer")
	c.cancel()
	c.wg.Wait()
	err := c.consumerGroup.Close()
	close(c.connects)
	close(c.disconnects)
	close(c.chats)
	return err
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim dispatches messages from one topic partition onto the
// matching event stream. Sends block until the correlation engine drains
// the channel, which is what keeps per-stream arrival order intact.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			switch message.Topic {
			case c.config.Topics.Connect:
				evt, err := DecodeConnect(message.Value)
				if err != nil {
					c.logMalformed(message, err)
					session.MarkMessage(message, "")
					continue
				}
				select {
				case c.connects <- evt:
				case <-session.Context().Done():
					return nil
				}

			case c.config.Topics.Disconnect:
				evt, err := DecodeDisconnect(message.Value)
				if err != nil {
					c.logMalformed(message, err)
					session.MarkMessage(message, "")
					continue
				}
				select {
				case c.disconnects <- evt:
				case <-session.Context().Done():
					return nil
				}

			case c.config.Topics.Chat:
				evt, err := DecodeChat(message.Value)
				if err != nil {
					c.logMalformed(message, err)
					session.MarkMessage(message, "")
					continue
				}
				select {
				case c.chats <- evt:
				case <-session.Context().Done():
					return nil
				}

			default:
				c.logger.Warn("message from unexpected topic", "topic", message.Topic)
			}

			session.MarkMessage(message, "")
		}
	}
}

func (c *Consumer) logMalformed(message *sarama.ConsumerMessage, err error) {
	c.logger.Warn("dropping malformed telemetry event",
		"error", err,
		"topic", message.Topic,
		"offset", message.Offset,
		"partition", message.Partition,
	)
}
