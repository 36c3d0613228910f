// Package quiz implements the who-said-it quiz: a single global round drawn
// from recorded statements, an answer window enforced by cache expiry, and a
// tally announced when the window closes.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"testimony/internal/cache"
	"testimony/internal/metrics"
	"testimony/pkg/testimony"
)

const (
	roundKey = "round"
	lastKey  = "last"

	// answerMarker starts a guess message: `guess @user`.
	answerMarker = "guess"

	// maxRedrawAttempts bounds the draw-retry loop that avoids repeating the
	// previous round's statement. Past the cap the repeat is allowed, so one
	// lone statement still yields a round.
	maxRedrawAttempts = 10
)

// roundState is the cached state of the active round.
type roundState struct {
	AccusedID      string
	AccusedName    string
	AccusedHandle  string
	Content        string
	ConversationID string
}

type config struct {
	window time.Duration
	clock  func() time.Time
}

// Option configures the quiz module.
type Option func(*config)

// WithAnswerWindow sets how long a round accepts guesses.
func WithAnswerWindow(window time.Duration) Option {
	return func(c *config) {
		if window > 0 {
			c.window = window
		}
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Module runs quiz rounds over recorded statements.
type Module struct {
	cfg config

	logger     *slog.Logger
	outbound   testimony.OutboundDispatcher
	statements testimony.StatementStore
	rounds     *cache.Namespace

	mu          sync.Mutex
	respondents map[string]string // actor id -> display name, current round
}

// New creates the quiz module over its round namespace.
func New(roundsNS *cache.Namespace, options ...Option) *Module {
	cfg := config{
		window: 30 * time.Second,
		clock:  time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Module{
		cfg:         cfg,
		rounds:      roundsNS,
		respondents: make(map[string]string),
	}
}

// Name implements testimony.Module.
func (m *Module) Name() string {
	return "quiz"
}

// Spec implements testimony.Module.
func (m *Module) Spec() testimony.ModuleSpec {
	return testimony.ModuleSpec{
		Commands: []testimony.CommandSpec{
			{
				Name:        "quiz",
				Description: "Start a who-said-it round. Answer with: guess @user",
			},
		},
		Handlers: []testimony.ModuleHandler{
			{
				Capability: testimony.Capability{
					Name:        "quiz-command",
					Description: "Starts a round unless one is already active.",
					Interest: testimony.InterestSet{
						Kinds:        []testimony.EventKind{testimony.EventKindCommandReceived},
						CommandNames: []string{"quiz"},
					},
				},
				Handle: m.handleQuiz,
			},
			{
				Capability: testimony.Capability{
					Name:        "quiz-answer",
					Description: "Collects guesses while a round is active.",
					Interest: testimony.InterestSet{
						Kinds: []testimony.EventKind{testimony.EventKindMessageCreated},
					},
				},
				Handle: m.handleAnswer,
			},
		},
	}
}

// OnRegister implements testimony.Module.
func (m *Module) OnRegister(ctx context.Context, runtime testimony.ModuleRuntime) error {
	m.logger = runtime.Logger()

	outbound, err := testimony.ResolveAs[testimony.OutboundDispatcher](runtime.Services(), testimony.ServiceOutboundDispatcher)
	if err != nil {
		return fmt.Errorf("quiz module register: %w", err)
	}
	m.outbound = outbound

	statements, err := testimony.ResolveAs[testimony.StatementStore](runtime.Services(), testimony.ServiceStatementStore)
	if err != nil {
		return fmt.Errorf("quiz module register: %w", err)
	}
	m.statements = statements

	m.rounds.SetOnExpire(m.onRoundExpired)

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

func (m *Module) handleQuiz(ctx context.Context, event *testimony.Event) error {
	if _, active := m.rounds.Get(roundKey); active {
		remaining, exists := m.rounds.RemainingTTL(roundKey)
		if !exists {
			remaining = 0
		}

		return m.reply(ctx, event, fmt.Sprintf("A round is already running. %s left to guess.", roundWait(remaining)))
	}

	statement, err := m.draw(ctx)
	if errors.Is(err, testimony.ErrNoStatements) {
		return m.reply(ctx, event, "Nothing recorded yet. Feed me statements with /record first.")
	}
	if err != nil {
		m.apologize(ctx, event)

		return fmt.Errorf("quiz draw: %w", err)
	}

	state := roundState{
		AccusedID:      statement.AccusedID,
		AccusedName:    statement.AccusedName,
		AccusedHandle:  testimony.NormalizeUserRef(statement.AccusedName),
		Content:        statement.Content,
		ConversationID: event.Conversation.ID,
	}

	m.mu.Lock()
	m.respondents = make(map[string]string)
	m.mu.Unlock()

	m.rounds.Set(lastKey, statement.Content)
	if err := m.rounds.SetTTL(roundKey, state, m.cfg.window); err != nil {
		return fmt.Errorf("quiz round start: %w", err)
	}
	metrics.QuizRounds.Inc()

	return m.reply(ctx, event, fmt.Sprintf(
		"Who said this?\n%q\nYou have %s. Answer with: %s @user",
		statement.Content, roundWait(m.cfg.window), answerMarker,
	))
}

// draw picks a random statement, retrying a bounded number of times while the
// candidate repeats the previous round's content.
func (m *Module) draw(ctx context.Context) (testimony.Statement, error) {
	var statement testimony.Statement
	for attempt := 0; attempt < maxRedrawAttempts; attempt++ {
		drawn, err := m.statements.Random(ctx)
		if err != nil {
			return testimony.Statement{}, err
		}
		statement = drawn
		if !m.rounds.ValueEquals(lastKey, drawn.Content) {
			return drawn, nil
		}
	}

	return statement, nil
}

func (m *Module) handleAnswer(ctx context.Context, event *testimony.Event) error {
	fields := strings.Fields(event.Message.Text)
	if len(fields) < 2 || !strings.EqualFold(fields[0], answerMarker) {
		return nil
	}
	if !testimony.IsUserRef(fields[1]) {
		return nil
	}

	raw, active := m.rounds.Get(roundKey)
	if !active {
		return nil
	}
	state, ok := raw.(roundState)
	if !ok {
		return fmt.Errorf("quiz answer: round state has type %T", raw)
	}
	if state.ConversationID != event.Conversation.ID {
		return nil
	}

	guess := testimony.NormalizeUserRef(fields[1])
	if guess != state.AccusedID && guess != state.AccusedHandle {
		return nil
	}

	m.mu.Lock()
	_, already := m.respondents[event.Actor.ID]
	if !already {
		m.respondents[event.Actor.ID] = respondentName(event.Actor)
	}
	m.mu.Unlock()
	if already {
		return nil
	}

	target, err := testimony.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("quiz answer ack: %w", err)
	}
	if err := m.outbound.SetReaction(ctx, testimony.SetReactionRequest{
		Target:    target,
		MessageID: event.Message.ID,
		Emoji:     "👍",
	}); err != nil {
		m.logger.Warn("quiz answer ack failed", slog.String("error", err.Error()))
	}

	return nil
}

// onRoundExpired is the cache expiry hook closing the round: the eviction has
// already returned the quiz to idle, so this only announces the tally.
func (m *Module) onRoundExpired(key string, value any) {
	if key != roundKey {
		return
	}
	state, ok := value.(roundState)
	if !ok {
		m.logger.Error("round cache held unexpected value", slog.String("type", fmt.Sprintf("%T", value)))

		return
	}

	m.mu.Lock()
	winners := make([]string, 0, len(m.respondents))
	for _, name := range m.respondents {
		winners = append(winners, name)
	}
	m.respondents = make(map[string]string)
	m.mu.Unlock()
	sort.Strings(winners)

	var text string
	if len(winners) == 0 {
		text = fmt.Sprintf("Time's up! No one guessed it. It was %s.", state.AccusedName)
	} else {
		text = fmt.Sprintf("Time's up! It was %s. Correct: %s.", state.AccusedName, strings.Join(winners, ", "))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.outbound.SendMessage(ctx, testimony.SendMessageRequest{
		Target: testimony.OutboundTarget{
			Platform:       testimony.PlatformTelegram,
			ConversationID: state.ConversationID,
		},
		Text: text,
	}); err != nil {
		m.logger.Error("quiz tally announcement failed", slog.String("error", err.Error()))
	}
}

func (m *Module) reply(ctx context.Context, event *testimony.Event, text string) error {
	target, err := testimony.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("quiz reply: %w", err)
	}

	request := testimony.SendMessageRequest{Target: target, Text: text}
	if event.Message != nil {
		request.ReplyToMessageID = event.Message.ID
	}
	if _, err := m.outbound.SendMessage(ctx, request); err != nil {
		return fmt.Errorf("quiz reply: %w", err)
	}

	return nil
}

// apologize sends a best-effort generic failure reply.
func (m *Module) apologize(ctx context.Context, event *testimony.Event) {
	if err := m.reply(ctx, event, "Something went wrong. Try again later."); err != nil {
		m.logger.Warn("apology reply failed", slog.String("error", err.Error()))
	}
}

func respondentName(actor testimony.Actor) string {
	if actor.Username != "" {
		return "@" + actor.Username
	}
	if actor.DisplayName != "" {
		return actor.DisplayName
	}

	return actor.ID
}

// roundWait formats a window for user-facing replies, never below one second.
func roundWait(wait time.Duration) time.Duration {
	rounded := wait.Round(time.Second)
	if rounded < time.Second {
		return time.Second
	}

	return rounded
}
