package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
)

// LapSubmitter applies the personal-best rule to a candidate lap
type LapSubmitter interface {
	SubmitLap(ctx context.Context, candidate domain.LapTime) (domain.SubmitResult, error)
}

// UserFinder resolves the driver a message belongs to
type UserFinder interface {
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// Consumer consumes lap messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	laps          LapSubmitter
	users         UserFinder
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, laps LapSubmitter, users UserFinder, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return newConsumer(cfg, laps, users, consumerGroup, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, laps LapSubmitter, users UserFinder, group sarama.ConsumerGroup, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		laps:          laps,
		users:         users,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}
}

// Start begins consuming messages and returns once the first session is set up
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	ready := c.ready
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			ready = make(chan bool)
		}
	}()

	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

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

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// Process handles one message value. Malformed messages and unknown users
// are reported as errors; the caller still commits the offset.
func (c *Consumer) Process(ctx context.Context, value []byte) (domain.SubmitResult, error) {
	msg, err := DecodeLapMessage(value)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	user, err := c.users.FindUserByUsername(ctx, msg.Username)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("resolving driver %q: %w", msg.Username, err)
	}

	return c.laps.SubmitLap(ctx, msg.Lap(*user))
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
	once     sync.Once
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition one at a time
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
			c.handle(session.Context(), message)
			session.MarkMessage(message, "")
		}
	}
}

func (c *Consumer) handle(parent context.Context, message *sarama.ConsumerMessage) {
	ctx, cancel := context.WithTimeout(parent, c.config.ProcessTimeout)
	defer cancel()

	result, err := c.Process(ctx, message.Value)
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), domain.IsValidationError(err):
		c.logger.Warn("skipping malformed lap message",
			"error", err,
			"offset", message.Offset,
			"partition", message.Partition,
		)
	case err != nil:
		c.logger.Error("failed to process lap message",
			"error", err,
			"offset", message.Offset,
			"partition", message.Partition,
		)
	default:
		c.logger.Debug("processed lap message",
			"accepted", result.Accepted,
			"message", result.Message,
			"offset", message.Offset,
		)
	}
}
