package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
)

// ScoreSubmitter merges one finished round
type ScoreSubmitter interface {
	Submit(ctx context.Context, sub domain.Submission) (*domain.SubmitResult, error)
}

// ScoreMessage is the wire format of the score topic. Producers key each
// message by user ID so one user's rounds stay on one partition.
type ScoreMessage struct {
	UserID   string     `json:"user_id"`
	Score    int64      `json:"score"`
	PlayedAt *time.Time `json:"played_at,omitempty"`
}

// maxRetryBackoff caps the wait between redelivery attempts of one message
const maxRetryBackoff = 30 * time.Second

// Consumer consumes score messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	submitter     ScoreSubmitter
	logger        *zap.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, submitter ScoreSubmitter, logger *zap.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		submitter:     submitter,
		logger:        logger.Named("kafka"),
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka and returns once the first
// session is set up or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting Kafka consumer",
		zap.Strings("brokers", c.config.Brokers),
		zap.String("topic", c.config.Topic),
		zap.String("group_id", c.config.GroupID),
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
				c.logger.Error("error from consumer", zap.Error(err))
			}

			if c.ctx.Err() != nil {
				return
			}

			ready = make(chan bool)
		}
	}()

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
				c.logger.Error("consumer group error", zap.Error(err))
			}
		}
	}()

	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handleMessage decodes and submits one message once, logging any failure
func (c *Consumer) handleMessage(ctx context.Context, value []byte) error {
	sub, err := DecodeMessage(value)
	if err != nil {
		c.logger.Warn("dropping malformed score message", zap.Error(err))
		return err
	}

	if c.config.MessageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.MessageTimeout)
		defer cancel()
	}

	res, err := c.submitter.Submit(ctx, sub)
	if err != nil {
		if domain.IsValidationError(err) {
			c.logger.Warn("rejected score message",
				zap.String("user_id", sub.UserID),
				zap.Int64("score", sub.Score),
				zap.Error(err),
			)
		} else {
			c.logger.Error("failed to submit score message",
				zap.String("user_id", sub.UserID),
				zap.Error(err),
			)
		}
		return err
	}

	c.logger.Debug("score message applied",
		zap.String("user_id", sub.UserID),
		zap.Int64("high_score", res.HighScore),
		zap.Int64("games_played", res.GamesPlayed),
	)
	return nil
}

// processMessage handles one message until it is applied or permanently
// rejected, retrying domain.ErrSubmissionFailed with backoff. It returns an
// error only when ctx ends first; the message must then stay unmarked.
func (c *Consumer) processMessage(ctx context.Context, value []byte) error {
	backoff := c.config.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		err := c.handleMessage(ctx, value)
		if err == nil || !errors.Is(err, domain.ErrSubmissionFailed) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("retrying score message",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// DecodeMessage parses a score message into a submission
func DecodeMessage(value []byte) (domain.Submission, error) {
	var msg ScoreMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return domain.Submission{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if msg.UserID == "" {
		return domain.Submission{}, fmt.Errorf("%w: missing user_id", domain.ErrInvalidRequest)
	}
	return domain.Submission{
		UserID:   msg.UserID,
		Score:    msg.Score,
		PlayedAt: msg.PlayedAt,
	}, nil
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

// ConsumeClaim processes messages from a topic partition in order
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.consumer.processMessage(session.Context(), message.Value); err != nil {
				// Session is ending; the next owner of the partition
				// receives this message again.
				return nil
			}
			session.MarkMessage(message, "")
		}
	}
}
