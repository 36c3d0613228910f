// Package record implements statement recording: the /record, /updoot, and
// /history commands plus the reaction-triggered record path.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"testimony/internal/cache"
	"testimony/internal/guard"
	"testimony/internal/metrics"
	"testimony/pkg/testimony"
)

// RecordEmoji is the reaction that records the message it lands on.
const RecordEmoji = "📝"

const snapshotKeyPrefix = "msg:"

// messageSnapshot is the cached slice of a recent message that the reaction
// path needs to build a record request after the message itself is gone from
// the update stream.
type messageSnapshot struct {
	ConversationID string
	AuthorID       string
	AuthorName     string
	AuthorUsername string
	Text           string
}

// recordRequest is the shared command context both record paths produce: the
// slash command builds it from its arguments, the reaction path from a cached
// message snapshot. Everything downstream of this struct is path-agnostic.
type recordRequest struct {
	ConversationID string
	AccusedID      string
	AccusedName    string
	RecordedByID   string
	Content        string
}

type config struct {
	throttleDuration time.Duration
	historyLimit     int
	historyWindow    time.Duration
	historyPageSize  int
	snapshotTTL      time.Duration
}

// Option configures the record module.
type Option func(*config)

// WithThrottleDuration sets the /record per-user cooldown.
func WithThrottleDuration(duration time.Duration) Option {
	return func(c *config) {
		if duration > 0 {
			c.throttleDuration = duration
		}
	}
}

// WithHistoryRate sets the /history per-user budget per window.
func WithHistoryRate(limit int, window time.Duration) Option {
	return func(c *config) {
		if limit > 0 {
			c.historyLimit = limit
		}
		if window > 0 {
			c.historyWindow = window
		}
	}
}

// WithSnapshotTTL sets how long message snapshots stay recordable by reaction.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.snapshotTTL = ttl
		}
	}
}

// Module records statements and serves the lookup commands around them.
type Module struct {
	cfg config

	logger     *slog.Logger
	outbound   testimony.OutboundDispatcher
	statements testimony.StatementStore
	updoots    testimony.UpdootStore

	throttle *guard.Throttle
	limiter  *guard.RateLimit
	recent   *cache.Namespace
}

// New creates the record module over its three cache namespaces: the throttle
// namespace, the rate-limit namespace, and the recent-message snapshot
// namespace.
func New(throttleNS, rateNS, recentNS *cache.Namespace, options ...Option) *Module {
	cfg := config{
		throttleDuration: 30 * time.Second,
		historyLimit:     3,
		historyWindow:    time.Minute,
		historyPageSize:  5,
		snapshotTTL:      24 * time.Hour,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Module{
		cfg:      cfg,
		throttle: guard.NewThrottle(throttleNS, cfg.throttleDuration),
		limiter:  guard.NewRateLimit(rateNS),
		recent:   recentNS,
	}
}

// Name implements testimony.Module.
func (m *Module) Name() string {
	return "record"
}

// Spec implements testimony.Module.
func (m *Module) Spec() testimony.ModuleSpec {
	return testimony.ModuleSpec{
		Commands: []testimony.CommandSpec{
			{
				Name:        "record",
				Description: "Record a statement against a user.",
				Options: []testimony.CommandOptionSpec{
					{
						Name:        "accused",
						Alias:       "a",
						HasValue:    true,
						Required:    true,
						Description: "Who said it (@handle or numeric id).",
					},
				},
			},
			{
				Name:        "updoot",
				Description: "Updoot a statement by id.",
			},
			{
				Name:        "history",
				Description: "List recent statements.",
				Options: []testimony.CommandOptionSpec{
					{
						Name:        "accused",
						Alias:       "a",
						HasValue:    true,
						Description: "Only statements attributed to this user.",
					},
				},
			},
		},
		Handlers: []testimony.ModuleHandler{
			{
				Capability: testimony.Capability{
					Name:        "record-command",
					Description: "Persists a statement from the slash command.",
					Interest: testimony.InterestSet{
						Kinds:        []testimony.EventKind{testimony.EventKindCommandReceived},
						CommandNames: []string{"record"},
					},
				},
				Handle: guard.Compose(
					m.handleRecordCommand,
					guard.ThrottleStage(m.throttle, "record", m.denyThrottled),
				),
			},
			{
				Capability: testimony.Capability{
					Name:        "reaction-record",
					Description: "Persists a statement when a recording reaction lands on a message.",
					Interest: testimony.InterestSet{
						Kinds:  []testimony.EventKind{testimony.EventKindReactionAdded},
						Emojis: []string{RecordEmoji},
					},
				},
				Handle: guard.Compose(
					m.handleReactionRecord,
					guard.ThrottleStage(m.throttle, "record", m.denyThrottled),
				),
			},
			{
				Capability: testimony.Capability{
					Name:        "updoot-command",
					Description: "Counts one updoot per user per statement.",
					Interest: testimony.InterestSet{
						Kinds:        []testimony.EventKind{testimony.EventKindCommandReceived},
						CommandNames: []string{"updoot"},
					},
				},
				Handle: m.handleUpdoot,
			},
			{
				Capability: testimony.Capability{
					Name:        "history-command",
					Description: "Lists recent statements, rate limited per user.",
					Interest: testimony.InterestSet{
						Kinds:        []testimony.EventKind{testimony.EventKindCommandReceived},
						CommandNames: []string{"history"},
					},
				},
				Handle: guard.Compose(
					m.handleHistory,
					guard.RateLimitStage(m.limiter, "history", m.cfg.historyLimit, m.cfg.historyWindow, m.denyRateLimited),
				),
			},
			{
				Capability: testimony.Capability{
					Name:        "message-snapshot",
					Description: "Caches recent messages so reactions can record them later.",
					Interest: testimony.InterestSet{
						Kinds: []testimony.EventKind{testimony.EventKindMessageCreated},
					},
				},
				Handle: m.cacheSnapshot,
			},
		},
	}
}

// OnRegister implements testimony.Module.
func (m *Module) OnRegister(ctx context.Context, runtime testimony.ModuleRuntime) error {
	m.logger = runtime.Logger()

	outbound, err := testimony.ResolveAs[testimony.OutboundDispatcher](runtime.Services(), testimony.ServiceOutboundDispatcher)
	if err != nil {
		return fmt.Errorf("record module register: %w", err)
	}
	m.outbound = outbound

	statements, err := testimony.ResolveAs[testimony.StatementStore](runtime.Services(), testimony.ServiceStatementStore)
	if err != nil {
		return fmt.Errorf("record module register: %w", err)
	}
	m.statements = statements

	updoots, err := testimony.ResolveAs[testimony.UpdootStore](runtime.Services(), testimony.ServiceUpdootStore)
	if err != nil {
		return fmt.Errorf("record module register: %w", err)
	}
	m.updoots = updoots

	return nil
}

// OnStart implements testimony.Module.
func (m *Module) OnStart(ctx context.Context) error {
	return nil
}

// OnShutdown implements testimony.Module.
func (m *Module) OnShutdown(ctx context.Context) error {
	return nil
}

// cacheSnapshot stores a short-lived copy of every non-command message so the
// reaction path can reconstruct it.
func (m *Module) cacheSnapshot(ctx context.Context, event *testimony.Event) error {
	if event.Message == nil || event.Message.ID == "" {
		return nil
	}
	if strings.HasPrefix(strings.TrimSpace(event.Message.Text), testimony.CommandPrefix) {
		return nil
	}
	if event.Actor.IsBot {
		return nil
	}

	err := m.recent.SetTTL(snapshotKeyPrefix+event.Message.ID, messageSnapshot{
		ConversationID: event.Conversation.ID,
		AuthorID:       event.Actor.ID,
		AuthorName:     displayName(event.Actor),
		AuthorUsername: event.Actor.Username,
		Text:           event.Message.Text,
	}, m.cfg.snapshotTTL)
	if err != nil {
		return fmt.Errorf("cache message snapshot %s: %w", event.Message.ID, err)
	}

	return nil
}

func (m *Module) handleRecordCommand(ctx context.Context, pc *guard.PipelineContext) error {
	event := pc.Event
	accused, hasAccused := event.Command.Option("accused")
	content := strings.TrimSpace(event.Command.Value)

	if !hasAccused || !testimony.IsUserRef(accused.Value) || content == "" {
		// Malformed invocations give the cooldown back.
		if pc.Undo != nil {
			pc.Undo()
		}

		return m.reply(ctx, event, "Usage: /record --accused <@user> <what they said>")
	}

	request := recordRequest{
		ConversationID: event.Conversation.ID,
		AccusedID:      testimony.NormalizeUserRef(accused.Value),
		AccusedName:    strings.TrimPrefix(accused.Value, "@"),
		RecordedByID:   event.Actor.ID,
		Content:        content,
	}

	return m.persistAndConfirm(ctx, event, request, event.Message.ID)
}

func (m *Module) handleReactionRecord(ctx context.Context, pc *guard.PipelineContext) error {
	event := pc.Event
	raw, exists := m.recent.Get(snapshotKeyPrefix + event.Reaction.MessageID)
	if !exists {
		// Too old to record; nothing was consumed from the user's view.
		if pc.Undo != nil {
			pc.Undo()
		}
		m.logger.Debug("reaction on unsnapshotted message",
			slog.String("message_id", event.Reaction.MessageID),
		)

		return nil
	}

	snapshot, ok := raw.(messageSnapshot)
	if !ok {
		return fmt.Errorf("record reaction: snapshot has type %T", raw)
	}

	request := recordRequest{
		ConversationID: snapshot.ConversationID,
		AccusedID:      snapshot.AuthorID,
		AccusedName:    snapshot.AuthorName,
		RecordedByID:   event.Actor.ID,
		Content:        snapshot.Text,
	}

	return m.persistAndConfirm(ctx, event, request, event.Reaction.MessageID)
}

// persistAndConfirm is the path-agnostic tail of both record flows.
func (m *Module) persistAndConfirm(ctx context.Context, event *testimony.Event, request recordRequest, sourceMessageID string) error {
	statement := testimony.Statement{
		ConversationID: request.ConversationID,
		AccusedID:      request.AccusedID,
		AccusedName:    request.AccusedName,
		RecordedByID:   request.RecordedByID,
		Content:        request.Content,
	}
	if err := m.statements.Create(ctx, &statement); err != nil {
		m.apologize(ctx, event)

		return fmt.Errorf("record statement: %w", err)
	}

	target, err := testimony.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("record confirm: %w", err)
	}

	if err := m.outbound.SetReaction(ctx, testimony.SetReactionRequest{
		Target:    target,
		MessageID: sourceMessageID,
		Emoji:     RecordEmoji,
	}); err != nil {
		// The statement is saved; a failed confirmation reaction is not fatal.
		m.logger.Warn("record confirmation reaction failed",
			slog.Uint64("statement_id", statement.ID),
			slog.String("error", err.Error()),
		)
	}

	return m.reply(ctx, event, fmt.Sprintf("Recorded #%d against %s.", statement.ID, statement.AccusedName))
}

func (m *Module) handleUpdoot(ctx context.Context, event *testimony.Event) error {
	token := strings.TrimSpace(event.Command.Value)
	statementID, err := strconv.ParseUint(token, 10, 64)
	if err != nil || statementID == 0 {
		return m.reply(ctx, event, "Usage: /updoot <statement-id>")
	}

	if _, err := m.statements.FindOne(ctx, testimony.StatementFilter{ID: statementID}); err != nil {
		if errors.Is(err, testimony.ErrNoStatements) {
			return m.reply(ctx, event, fmt.Sprintf("No statement #%d.", statementID))
		}

		m.apologize(ctx, event)

		return fmt.Errorf("updoot lookup %d: %w", statementID, err)
	}

	added, err := m.updoots.Add(ctx, statementID, event.Actor.ID)
	if err != nil {
		m.apologize(ctx, event)

		return fmt.Errorf("updoot %d: %w", statementID, err)
	}
	if !added {
		return m.reply(ctx, event, fmt.Sprintf("You already updooted #%d.", statementID))
	}

	count, err := m.updoots.Count(ctx, statementID)
	if err != nil {
		return fmt.Errorf("updoot count %d: %w", statementID, err)
	}

	return m.reply(ctx, event, fmt.Sprintf("Updooted #%d. Now at %d.", statementID, count))
}

func (m *Module) handleHistory(ctx context.Context, pc *guard.PipelineContext) error {
	event := pc.Event
	filter := testimony.StatementFilter{
		ConversationID: event.Conversation.ID,
		Limit:          m.cfg.historyPageSize,
	}
	if accused, hasAccused := event.Command.Option("accused"); hasAccused {
		if !testimony.IsUserRef(accused.Value) {
			if pc.Undo != nil {
				pc.Undo()
			}

			return m.reply(ctx, event, "Usage: /history [--accused <@user>]")
		}
		filter.AccusedID = testimony.NormalizeUserRef(accused.Value)
	}

	statements, err := m.statements.Find(ctx, filter)
	if err != nil {
		m.apologize(ctx, event)

		return fmt.Errorf("history lookup: %w", err)
	}
	if len(statements) == 0 {
		return m.reply(ctx, event, "No statements recorded here yet.")
	}

	var builder strings.Builder
	builder.WriteString("Latest statements:\n")
	for _, statement := range statements {
		fmt.Fprintf(&builder, "#%d %s: %q (%d updoots)\n",
			statement.ID, statement.AccusedName, statement.Content, statement.Updoots)
	}

	return m.reply(ctx, event, strings.TrimRight(builder.String(), "\n"))
}

func (m *Module) denyThrottled(ctx context.Context, event *testimony.Event, retryAfter time.Duration) error {
	metrics.PolicyDenials.WithLabelValues("throttle", "record").Inc()

	return m.reply(ctx, event, fmt.Sprintf("Easy there. Try again in %s.", roundWait(retryAfter)))
}

func (m *Module) denyRateLimited(ctx context.Context, event *testimony.Event, retryAfter time.Duration) error {
	metrics.PolicyDenials.WithLabelValues("rate_limit", "history").Inc()

	return m.reply(ctx, event, fmt.Sprintf("Too many lookups. Try again in %s.", roundWait(retryAfter)))
}

func (m *Module) reply(ctx context.Context, event *testimony.Event, text string) error {
	target, err := testimony.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}

	request := testimony.SendMessageRequest{Target: target, Text: text}
	if event.Message != nil {
		request.ReplyToMessageID = event.Message.ID
	}
	if _, err := m.outbound.SendMessage(ctx, request); err != nil {
		return fmt.Errorf("record reply: %w", err)
	}

	return nil
}

// apologize sends a best-effort generic failure reply.
func (m *Module) apologize(ctx context.Context, event *testimony.Event) {
	if err := m.reply(ctx, event, "Something went wrong. Try again later."); err != nil {
		m.logger.Warn("apology reply failed", slog.String("error", err.Error()))
	}
}

func displayName(actor testimony.Actor) string {
	if actor.DisplayName != "" {
		return actor.DisplayName
	}
	if actor.Username != "" {
		return actor.Username
	}

	return actor.ID
}

// roundWait formats a wait for user-facing replies, never below one second.
func roundWait(wait time.Duration) time.Duration {
	rounded := wait.Round(time.Second)
	if rounded < time.Second {
		return time.Second
	}

	return rounded
}
