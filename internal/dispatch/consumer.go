package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/types"
)

// Consumer drains the broker streams: chat envelopes complete the
// placeholders the async path left behind (running the same generation path
// the sync side uses), and the worker group executes analysis and summary
// tasks.
type Consumer struct {
	dispatcher *Dispatcher
	client     *messaging.RedisClient
	dlq        *messaging.DeadLetterQueue
	name       string
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewConsumer creates a consumer with a stable consumer-group member name.
func NewConsumer(d *Dispatcher, client *messaging.RedisClient, dlq *messaging.DeadLetterQueue, name string, logger *slog.Logger) *Consumer {
	if name == "" {
		name = "gateway-1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{dispatcher: d, client: client, dlq: dlq, name: name, logger: logger}
}

// Start begins consuming. Idempotent: starting a running consumer is a no-op.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	chat, err := c.client.Subscribe(runCtx, messaging.StreamChat, messaging.ConsumerGroupDispatch, c.name)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe chat stream: %w", err)
	}
	analyses, err := c.client.Subscribe(runCtx, messaging.StreamAnalysis, messaging.ConsumerGroupWorkers, c.name)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe analysis stream: %w", err)
	}
	summaries, err := c.client.Subscribe(runCtx, messaging.StreamSummary, messaging.ConsumerGroupWorkers, c.name)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe summary stream: %w", err)
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for msg := range chat {
			c.handle(runCtx, msg)
		}
	}()
	go func() {
		defer wg.Done()
		for msg := range analyses {
			c.handleAnalysis(runCtx, msg)
		}
	}()
	go func() {
		defer wg.Done()
		for msg := range summaries {
			c.handleSummary(runCtx, msg)
		}
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()

	c.logger.Info("broker consumer started", "consumer", c.name)
	return nil
}

// Stop halts consuming. Idempotent: stopping a stopped consumer is a no-op.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	<-c.done
	c.running = false
	c.logger.Info("broker consumer stopped", "consumer", c.name)
}

// Running reports whether the consumer loop is active.
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) handle(ctx context.Context, msg messaging.StreamMessage) {
	env, err := messaging.EnvelopeFromRedisValues(msg.Values)
	if err != nil {
		c.logger.Warn("malformed envelope, dropping", "stream_id", msg.ID, "error", err)
		return
	}
	if err := c.process(ctx, env); err != nil {
		c.logger.Error("envelope processing failed", "envelope_id", env.ID, "error", err)
		c.deadLetter(ctx, env, err)
	}
}

func (c *Consumer) handleAnalysis(ctx context.Context, msg messaging.StreamMessage) {
	env, err := messaging.EnvelopeFromRedisValues(msg.Values)
	if err != nil {
		c.logger.Warn("malformed analysis task, dropping", "stream_id", msg.ID, "error", err)
		return
	}
	if err := c.dispatcher.analyzer.RunTask(ctx, env); err != nil {
		c.logger.Error("analysis task failed", "envelope_id", env.ID, "error", err)
		c.deadLetter(ctx, env, err)
	}
}

func (c *Consumer) handleSummary(ctx context.Context, msg messaging.StreamMessage) {
	env, err := messaging.EnvelopeFromRedisValues(msg.Values)
	if err != nil {
		c.logger.Warn("malformed summary task, dropping", "stream_id", msg.ID, "error", err)
		return
	}
	id := env.Config["activity_id"]
	if id == "" {
		c.logger.Warn("summary task without activity id, dropping", "envelope_id", env.ID)
		return
	}
	if err := c.dispatcher.activities.SummarizeByID(ctx, id); err != nil {
		c.logger.Error("summary task failed", "envelope_id", env.ID, "error", err)
		c.deadLetter(ctx, env, err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, env *messaging.Envelope, cause error) {
	if c.dlq == nil {
		return
	}
	if err := c.dlq.SendToDeadLetter(ctx, *env, cause.Error(), 0); err != nil {
		c.logger.Error("dead-letter write failed", "envelope_id", env.ID, "error", err)
	}
}

// process completes one dequeued turn. The user message and its processing
// placeholder were persisted before publish; here they are looked up and the
// placeholder is completed in place so a turn is never left processing.
func (c *Consumer) process(ctx context.Context, env *messaging.Envelope) error {
	d := c.dispatcher

	sess, buf, err := d.resolver.Resolve(ctx, env.UserID, env.SessionID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	userMsg, err := d.store.GetMessage(ctx, env.Config["user_message_id"])
	if err != nil {
		return fmt.Errorf("load user message: %w", err)
	}
	placeholder, err := d.store.GetMessage(ctx, env.Config["placeholder_id"])
	if err != nil {
		return fmt.Errorf("load placeholder: %w", err)
	}
	if placeholder.Status != types.StatusProcessing {
		// Already completed by an earlier delivery (at-least-once broker).
		return nil
	}
	// Keep the buffer entry aliased to the row we are about to complete.
	if buffered := buf.FindReplyTo(userMsg.ID); buffered != nil {
		placeholder = buffered
	}

	active, err := d.activities.Active(ctx, env.UserID, sess.ID)
	if err != nil {
		d.logger.Warn("active activity lookup failed", "session_id", sess.ID, "error", err)
		active = nil
	}

	_, err = d.generateTurn(ctx, env.UserID, sess.ID, buf, userMsg, active, placeholder, "async")
	return err
}
