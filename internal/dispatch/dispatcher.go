// Package dispatch is the message pipeline: retry dedup, command
// interception, engagement recording, broker publish with synchronous
// fallback, the generation call, and post-turn activity reconciliation.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cortexhub/companion-gateway/internal/activity"
	"github.com/cortexhub/companion-gateway/internal/analysis"
	"github.com/cortexhub/companion-gateway/internal/generation"
	"github.com/cortexhub/companion-gateway/internal/messaging"
	"github.com/cortexhub/companion-gateway/internal/metrics"
	"github.com/cortexhub/companion-gateway/internal/push"
	"github.com/cortexhub/companion-gateway/internal/session"
	"github.com/cortexhub/companion-gateway/internal/types"
	"github.com/cortexhub/companion-gateway/internal/types/interfaces"
)

// Publisher is the broker side of the async path. nil disables it.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// Config tunes the pipeline.
type Config struct {
	// AsyncEnabled routes eligible messages through the broker when a
	// publisher is configured.
	AsyncEnabled bool
	// PublishTimeout bounds a broker publish before falling back to the
	// synchronous path.
	PublishTimeout time.Duration
	// HistoryWindow caps the number of buffered turns sent to the gateway.
	HistoryWindow int
	// SystemPrompt is the base persona prompt; analysis insight and activity
	// state are appended per turn.
	SystemPrompt string
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		PublishTimeout: 2 * time.Second,
		HistoryWindow:  20,
		SystemPrompt:   "You are a warm, attentive companion. Stay in the flow of the conversation.",
	}
}

// Dispatcher runs the per-turn pipeline. The broker consumer drives the same
// code path for envelopes dequeued on the async side.
type Dispatcher struct {
	store      interfaces.Store
	resolver   *session.Resolver
	activities *activity.Service
	analyzer   *analysis.Analyzer
	gateway    generation.Gateway
	parser     *activity.Parser
	notifier   interfaces.Notifier
	publisher  Publisher
	cfg        Config
	logger     *slog.Logger
}

// NewDispatcher wires the pipeline. publisher may be nil, which forces every
// message down the synchronous path.
func NewDispatcher(
	store interfaces.Store,
	resolver *session.Resolver,
	activities *activity.Service,
	analyzer *analysis.Analyzer,
	gateway generation.Gateway,
	notifier interfaces.Notifier,
	publisher Publisher,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultConfig().SystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      store,
		resolver:   resolver,
		activities: activities,
		analyzer:   analyzer,
		gateway:    gateway,
		parser:     activity.NewParser(),
		notifier:   notifier,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Handle processes one inbound user message and returns the assistant
// response: a completed message on the synchronous path, a processing
// placeholder when the message was handed to the broker.
func (d *Dispatcher) Handle(ctx context.Context, userID, sessionID, text, clientMessageID, source string) (*types.Message, error) {
	sess, buf, err := d.resolver.Resolve(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	// Idempotent retry: if this client id was already processed, return the
	// pair we already produced instead of reprocessing.
	if prior := d.findPrior(ctx, buf, sess.ID, clientMessageID); prior != nil {
		return prior, nil
	}

	active, err := d.activities.Active(ctx, userID, sess.ID)
	if err != nil {
		d.logger.Warn("active activity lookup failed", "session_id", sess.ID, "error", err)
		active = nil
	}

	intent := d.parser.ParseCommand(text)

	userMsg := types.NewMessage(sess.ID, types.RoleUser, text)
	userMsg.Status = types.StatusCompleted
	userMsg.Meta.ClientMessageID = clientMessageID
	if active != nil && intent.Kind == activity.IntentNone {
		userMsg.Meta.ActivityID = active.ID
	}
	// The primary message record is the one store write whose failure must
	// surface to the caller.
	if err := d.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	buf.Append(userMsg)
	if err := d.store.TouchSession(ctx, sess.ID, time.Now().UTC()); err != nil {
		d.logger.Debug("touch session failed", "session_id", sess.ID, "error", err)
	}
	d.notifier.ReconcileOptimistic(sess.ID, clientMessageID, userMsg)

	// Commands are handled entirely here and in the activity store; no
	// gateway call.
	if intent.Kind != activity.IntentNone {
		resp := d.handleCommand(ctx, userID, sess.ID, intent, active)
		return d.finishSynthetic(ctx, buf, userMsg, resp, string(intent.Kind))
	}

	// In-activity messages feed the engagement tracker before generation; a
	// drifting conversation gets a continuation prompt instead of a turn.
	if active != nil {
		promptDue, err := d.activities.RecordMessage(ctx, active, userMsg)
		if err != nil {
			d.logger.Warn("engagement recording failed", "activity_id", active.ID, "error", err)
		} else if promptDue {
			metrics.ContinuationPrompts.Inc()
			prompt := d.activities.ContinuationPrompt(active)
			return d.finishSynthetic(ctx, buf, userMsg, prompt, "continuation-prompt")
		}
	}

	if d.cfg.AsyncEnabled && d.publisher != nil {
		if placeholder, ok := d.tryPublish(ctx, userID, sess.ID, userMsg, source, buf); ok {
			return placeholder, nil
		}
		metrics.BrokerFallbacks.Inc()
	}

	return d.generateTurn(ctx, userID, sess.ID, buf, userMsg, active, nil, "sync")
}

// findPrior returns the already-produced assistant reply for a retried client
// message id, the user message itself when the reply is still in flight, or
// nil when the id is new.
func (d *Dispatcher) findPrior(ctx context.Context, buf *session.Buffer, sessionID, clientMessageID string) *types.Message {
	if clientMessageID == "" {
		return nil
	}
	prior := buf.FindByClientID(clientMessageID)
	if prior == nil {
		stored, err := d.store.FindByClientMessageID(ctx, sessionID, clientMessageID)
		if err != nil || stored == nil {
			return nil
		}
		prior = stored
	}
	if reply := buf.FindReplyTo(prior.ID); reply != nil {
		return reply
	}
	return prior
}

// handleCommand mutates the activity store per the parsed intent and returns
// the synthetic response text. Mutation errors degrade to a best-effort
// textual reply; conversations never hang on an internal error.
func (d *Dispatcher) handleCommand(ctx context.Context, userID, sessionID string, intent activity.Intent, active *types.Activity) string {
	switch intent.Kind {
	case activity.IntentStart:
		a, err := d.activities.Start(ctx, userID, sessionID, intent.Type, intent.Name)
		if err != nil {
			d.logger.Warn("activity start failed", "type", intent.Type, "error", err)
			return "I couldn't start that activity just now. Want to try again?"
		}
		metrics.ActivitiesStarted.WithLabelValues(string(a.Type)).Inc()
		// The visible message set changes with the activity filter: pre-activity
		// turns leave the view, durable history stays intact.
		d.resolver.Reload(sessionID)
		d.notifier.Send(sessionID, push.EventActivityUpdate, a)
		return fmt.Sprintf("Let's do it! Starting %s %q.", a.Type, a.Name)

	case activity.IntentEnd, activity.IntentStop:
		a, err := d.activities.End(ctx, userID, sessionID)
		if err != nil {
			d.logger.Warn("activity end failed", "session_id", sessionID, "error", err)
			return "I had trouble wrapping that up, but consider it done."
		}
		if a == nil {
			return "There's nothing running right now."
		}
		d.resolver.Reload(sessionID)
		d.notifier.Send(sessionID, push.EventActivityUpdate, a)
		return fmt.Sprintf("Alright, wrapping up our %s %q. That was fun.", a.Type, a.Name)

	case activity.IntentContinue:
		if active == nil {
			return "There's nothing to continue right now. Want to start something?"
		}
		return fmt.Sprintf("Great, let's keep the %s going!", active.Type)

	case activity.IntentStatus:
		if active == nil {
			return "No activity is running. Try \"/start roleplay: ...\" to begin one."
		}
		return fmt.Sprintf("We're in a %s %q. %s", active.Type, active.Name, active.State.Summary())
	}
	return "Hmm, I didn't quite catch that command."
}

// finishSynthetic persists and delivers an assistant message produced without
// a gateway call.
func (d *Dispatcher) finishSynthetic(ctx context.Context, buf *session.Buffer, userMsg *types.Message, text, action string) (*types.Message, error) {
	resp := types.NewMessage(userMsg.SessionID, types.RoleAssistant, text)
	resp.Status = types.StatusCompleted
	resp.Meta.UserMessageID = userMsg.ID
	resp.Meta.ActivityID = userMsg.Meta.ActivityID
	resp.Meta.ActionExecuted = action
	resp.Meta.Synthetic = true

	if err := d.store.AppendMessage(ctx, resp); err != nil {
		return nil, fmt.Errorf("append synthetic response: %w", err)
	}
	buf.Append(resp)
	d.notifier.Send(userMsg.SessionID, push.EventMessageUpdate, resp)
	metrics.MessagesProcessed.WithLabelValues("sync", "completed").Inc()
	return resp, nil
}

// tryPublish hands the turn to the broker within a bounded timeout and
// persists a processing placeholder. Returns ok=false on any failure so the
// caller falls back to synchronous processing.
func (d *Dispatcher) tryPublish(ctx context.Context, userID, sessionID string, userMsg *types.Message, source string, buf *session.Buffer) (*types.Message, bool) {
	placeholder := types.NewMessage(sessionID, types.RoleAssistant, "")
	placeholder.Status = types.StatusProcessing
	placeholder.Meta.UserMessageID = userMsg.ID
	placeholder.Meta.ActivityID = userMsg.Meta.ActivityID
	if err := d.store.AppendMessage(ctx, placeholder); err != nil {
		d.logger.Warn("placeholder write failed, falling back to sync", "error", err)
		return nil, false
	}

	env := messaging.NewEnvelope(userID, sessionID, userMsg.Content, userMsg.Meta.ClientMessageID, source)
	env.Config = map[string]string{
		"user_message_id": userMsg.ID,
		"placeholder_id":  placeholder.ID,
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	if _, err := d.publisher.Publish(pubCtx, messaging.StreamChat, env.ToRedisValues()); err != nil {
		d.logger.Warn("broker publish failed, falling back to sync", "error", err)
		// Orphaned placeholders are cleaned up by the scheduler sweep; mark
		// this one errored so it can never read as in-flight.
		placeholder.Status = types.StatusError
		if uerr := d.store.UpdateMessage(ctx, placeholder); uerr != nil {
			d.logger.Warn("placeholder cleanup failed", "message_id", placeholder.ID, "error", uerr)
		}
		return nil, false
	}

	buf.Append(placeholder)
	d.notifier.Send(sessionID, push.EventMessageUpdate, placeholder)
	metrics.MessagesProcessed.WithLabelValues("async", "enqueued").Inc()
	return placeholder, true
}

// generateTurn runs the gateway call and post-turn work. placeholder is
// non-nil on the consumer side, where the processing message is completed in
// place instead of a new one being appended.
func (d *Dispatcher) generateTurn(ctx context.Context, userID, sessionID string, buf *session.Buffer, userMsg *types.Message, active *types.Activity, placeholder *types.Message, path string) (*types.Message, error) {
	d.notifier.Send(sessionID, push.EventTyping, map[string]bool{"typing": true})
	defer d.notifier.Send(sessionID, push.EventTyping, map[string]bool{"typing": false})

	history := generation.HistoryFromMessages(buf.Messages())
	if len(history) > d.cfg.HistoryWindow {
		history = history[len(history)-d.cfg.HistoryWindow:]
	}

	systemPrompt := d.cfg.SystemPrompt
	if snippet, ok := d.analyzer.Inject(ctx, userID, sessionID); ok {
		systemPrompt += "\n\n" + snippet
	}
	if active != nil {
		systemPrompt += "\n\nCurrent activity: " + active.State.Summary()
	}

	start := time.Now()
	res, genErr := d.gateway.Generate(ctx, &generation.Request{
		History:      history,
		SystemPrompt: systemPrompt,
	})
	metrics.GenerationLatency.Observe(time.Since(start).Seconds())

	resp := placeholder
	if resp == nil {
		resp = types.NewMessage(sessionID, types.RoleAssistant, "")
		resp.Meta.UserMessageID = userMsg.ID
		resp.Meta.ActivityID = userMsg.Meta.ActivityID
	}

	if genErr != nil {
		d.logger.Error("generation failed", "session_id", sessionID, "error", genErr)
		resp.Content = "Sorry, I had trouble thinking that through. Could you say it again?"
		resp.Status = types.StatusError
	} else {
		resp.Content = res.Text
		resp.Status = types.StatusCompleted
		resp.Meta.Provider = res.Provider
	}

	var err error
	if placeholder != nil {
		err = d.store.UpdateMessage(ctx, resp)
	} else {
		err = d.store.AppendMessage(ctx, resp)
	}
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if placeholder == nil {
		buf.Append(resp)
	}

	// The temp-id swap belongs to the user message's own confirmation; the
	// assistant turn merges by server id so it never displaces the user entry.
	d.notifier.Send(sessionID, push.EventMessageUpdate, resp)
	metrics.MessagesProcessed.WithLabelValues(path, string(resp.Status)).Inc()

	if genErr == nil {
		if active != nil {
			d.activities.Reconcile(ctx, active, userMsg.Content, resp.Content)
			d.notifier.Send(sessionID, push.EventStateUpdate, active.State)
		}
		d.analyzer.ProcessThinking(userID, sessionID, history)
	}
	return resp, nil
}
