package quiz

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"testimony/internal/cache"
	"testimony/pkg/testimony"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubServices struct {
	services map[testimony.ServiceKey]any
}

func (s *stubServices) Register(key testimony.ServiceKey, service any) error {
	s.services[key] = service

	return nil
}

func (s *stubServices) Resolve(key testimony.ServiceKey) (any, error) {
	service, exists := s.services[key]
	if !exists {
		return nil, testimony.ErrServiceNotFound
	}

	return service, nil
}

type stubRuntime struct {
	services *stubServices
}

func (r *stubRuntime) Logger() *slog.Logger                { return slog.Default() }
func (r *stubRuntime) Services() testimony.ServiceRegistry { return r.services }

type stubOutbound struct {
	mu        sync.Mutex
	sent      []testimony.SendMessageRequest
	reactions []testimony.SetReactionRequest
}

func (o *stubOutbound) SendMessage(ctx context.Context, request testimony.SendMessageRequest) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, request)

	return fmt.Sprintf("out-%d", len(o.sent)), nil
}

func (o *stubOutbound) DeleteMessage(ctx context.Context, request testimony.DeleteMessageRequest) error {
	return nil
}

func (o *stubOutbound) SetReaction(ctx context.Context, request testimony.SetReactionRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reactions = append(o.reactions, request)

	return nil
}

func (o *stubOutbound) messages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	texts := make([]string, 0, len(o.sent))
	for _, request := range o.sent {
		texts = append(texts, request.Text)
	}

	return texts
}

func (o *stubOutbound) reactionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.reactions)
}

// stubStatements serves Random draws round-robin over its rows.
type stubStatements struct {
	mu   sync.Mutex
	rows []testimony.Statement
	next int
}

func (s *stubStatements) Random(ctx context.Context) (testimony.Statement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rows) == 0 {
		return testimony.Statement{}, testimony.ErrNoStatements
	}
	row := s.rows[s.next%len(s.rows)]
	s.next++

	return row, nil
}

func (s *stubStatements) Create(ctx context.Context, statement *testimony.Statement) error {
	return nil
}

func (s *stubStatements) Find(ctx context.Context, filter testimony.StatementFilter) ([]testimony.Statement, error) {
	return nil, nil
}

func (s *stubStatements) FindOne(ctx context.Context, filter testimony.StatementFilter) (testimony.Statement, error) {
	return testimony.Statement{}, testimony.ErrNoStatements
}

func (s *stubStatements) Update(ctx context.Context, id uint64, patch testimony.StatementPatch) error {
	return nil
}

type quizFixture struct {
	module     *Module
	outbound   *stubOutbound
	statements *stubStatements
	command    testimony.EventHandler
	answer     testimony.EventHandler
}

func newQuizFixture(t *testing.T, rows []testimony.Statement, options ...Option) *quizFixture {
	t.Helper()

	roundsNS, err := cache.NewRegistry().Namespace("quizCache")
	if err != nil {
		t.Fatalf("rounds namespace: %v", err)
	}

	module := New(roundsNS, options...)
	outbound := &stubOutbound{}
	statements := &stubStatements{rows: rows}

	services := &stubServices{services: map[testimony.ServiceKey]any{
		testimony.ServiceOutboundDispatcher: testimony.OutboundDispatcher(outbound),
		testimony.ServiceStatementStore:     testimony.StatementStore(statements),
	}}
	if err := module.OnRegister(context.Background(), &stubRuntime{services: services}); err != nil {
		t.Fatalf("register: %v", err)
	}

	fixture := &quizFixture{
		module:     module,
		outbound:   outbound,
		statements: statements,
	}
	for _, declared := range module.Spec().Handlers {
		switch declared.Capability.Name {
		case "quiz-command":
			fixture.command = declared.Handle
		case "quiz-answer":
			fixture.answer = declared.Handle
		}
	}
	if fixture.command == nil || fixture.answer == nil {
		t.Fatal("quiz handlers not declared")
	}

	return fixture
}

func quizCommandEvent(actorID string) *testimony.Event {
	return &testimony.Event{
		ID:         "evt-quiz",
		Kind:       testimony.EventKindCommandReceived,
		OccurredAt: time.Unix(1700000000, 0),
		Platform:   testimony.PlatformTelegram,
		Conversation: testimony.Conversation{
			ID:   "chat-1",
			Type: testimony.ConversationTypeGroup,
		},
		Actor:   testimony.Actor{ID: actorID},
		Message: &testimony.Message{ID: "msg-quiz", Text: "/quiz"},
		Command: &testimony.CommandInvocation{Name: "quiz", SourceEventID: "evt-src"},
	}
}

func guessEvent(messageID string, text string, actor testimony.Actor, conversationID string) *testimony.Event {
	return &testimony.Event{
		ID:         "evt-" + messageID,
		Kind:       testimony.EventKindMessageCreated,
		OccurredAt: time.Unix(1700000001, 0),
		Platform:   testimony.PlatformTelegram,
		Conversation: testimony.Conversation{
			ID:   conversationID,
			Type: testimony.ConversationTypeGroup,
		},
		Actor:   actor,
		Message: &testimony.Message{ID: messageID, Text: text},
	}
}

func statementRow(accusedID, accusedName, content string) testimony.Statement {
	return testimony.Statement{
		ID:          1,
		AccusedID:   accusedID,
		AccusedName: accusedName,
		Content:     content,
	}
}

func (f *quizFixture) awaitMessage(t *testing.T, contains string) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		for _, text := range f.outbound.messages() {
			if strings.Contains(text, contains) {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no message containing %q; sent = %v", contains, f.outbound.messages())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQuizStartsRound(t *testing.T) {
	t.Parallel()

	fixture := newQuizFixture(t, []testimony.Statement{
		statementRow("alice", "alice", "the moon is cheese"),
	}, WithAnswerWindow(time.Hour))

	if err := fixture.command(context.Background(), quizCommandEvent("user-1")); err != nil {
		t.Fatalf("start: %v", err)
	}
	fixture.awaitMessage(t, "Who said this?")
	fixture.awaitMessage(t, "the moon is cheese")

	// A second /quiz during the round reports remaining time.
	if err := fixture.command(context.Background(), quizCommandEvent("user-2")); err != nil {
		t.Fatalf("second start: %v", err)
	}
	fixture.awaitMessage(t, "already running")

	fixture.module.rounds.Delete(roundKey)
}

func TestQuizWithoutStatements(t *testing.T) {
	t.Parallel()

	fixture := newQuizFixture(t, nil)

	if err := fixture.command(context.Background(), quizCommandEvent("user-1")); err != nil {
		t.Fatalf("start: %v", err)
	}
	fixture.awaitMessage(t, "Nothing recorded yet")
}

func TestQuizAvoidsBackToBackRepeat(t *testing.T) {
	t.Parallel()

	fixture := newQuizFixture(t, []testimony.Statement{
		statementRow("alice", "alice", "first statement"),
		statementRow("alice", "alice", "first statement"),
		statementRow("bob", "bob", "second statement"),
	}, WithAnswerWindow(30*time.Millisecond))

	if err := fixture.command(context.Background(), quizCommandEvent("user-1")); err != nil {
		t.Fatalf("first round: %v", err)
	}
	fixture.awaitMessage(t, "first statement")
	fixture.awaitMessage(t, "Time's up!")

	// The round-robin store serves "first statement" again; the draw must
	// skip it and land on the other one.
	if err := fixture.command(context.Background(), quizCommandEvent("user-1")); err != nil {
		t.Fatalf("second round: %v", err)
	}
	fixture.awaitMessage(t, "second statement")

	fixture.module.rounds.Delete(roundKey)
}

func TestQuizAllowsRepeatWithLoneStatement(t *testing.T) {
	t.Parallel()

	fixture := newQuizFixture(t, []testimony.Statement{
		statementRow("alice", "alice", "the only statement"),
	}, WithAnswerWindow(30*time.Millisecond))

	if err := fixture.command(context.Background(), quizCommandEvent("user-1")); err != nil {
		t.Fatalf("first round: %v", err)
	}
	fixture.awaitMessage(t, "Time's up!")

	// With one statement the bounded retry gives up and repeats.
	if err := fixture.command(context.Background(), quizCommandEvent("user-1")); err != nil {
		t.Fatalf("second round: %v", err)
	}

	prompts := 0
	for _, text := range fixture.outbound.messages() {
		if strings.Contains(text, "the only statement") {
			prompts++
		}
	}
	if prompts != 2 {
		t.Fatalf("prompts = %d, want 2", prompts)
	}

	fixture.module.rounds.Delete(roundKey)
}

func TestQuizCollectsCorrectGuessesAndAnnouncesWinners(t *testing.T) {
	t.Parallel()

	fixture := newQuizFixture(t, []testimony.Statement{
		statementRow("42", "Alice", "the moon is cheese"),
	}, WithAnswerWindow(250*time.Millisecond))

	if err := fixture.command(context.Background(), quizCommandEvent("user-1")); err != nil {
		t.Fatalf("start: %v", err)
	}

	guesser := testimony.Actor{ID: "user-2", Username: "bob"}
	// Correct guess by numeric id.
	if err := fixture.answer(context.Background(), guessEvent("msg-1", "guess 42", guesser, "chat-1")); err != nil {
		t.Fatalf("guess: %v", err)
	}
	// A repeat guess by the same user is deduplicated.
	if err := fixture.answer(context.Background(), guessEvent("msg-2", "guess 42", guesser, "chat-1")); err != nil {
		t.Fatalf("repeat guess: %v", err)
	}
	// Correct guess by handle, second guesser.
	other := testimony.Actor{ID: "user-3", Username: "carol"}
	if err := fixture.answer(context.Background(), guessEvent("msg-3", "guess @Alice", other, "chat-1")); err != nil {
		t.Fatalf("handle guess: %v", err)
	}
	// Wrong guesses and off-topic chatter are ignored.
	if err := fixture.answer(context.Background(), guessEvent("msg-4", "guess @mallory", testimony.Actor{ID: "user-4"}, "chat-1")); err != nil {
		t.Fatalf("wrong guess: %v", err)
	}
	if err := fixture.answer(context.Background(), guessEvent("msg-5", "hello there", testimony.Actor{ID: "user-5"}, "chat-1")); err != nil {
		t.Fatalf("chatter: %v", err)
	}
	// Guesses in another conversation do not count.
	if err := fixture.answer(context.Background(), guessEvent("msg-6", "guess 42", testimony.Actor{ID: "user-6", Username: "dave"}, "chat-2")); err != nil {
		t.Fatalf("foreign guess: %v", err)
	}

	if count := fixture.outbound.reactionCount(); count != 2 {
		t.Fatalf("ack reactions = %d, want 2", count)
	}

	fixture.awaitMessage(t, "It was Alice")
	fixture.awaitMessage(t, "@bob, @carol")
}

func TestQuizAnnouncesNoWinners(t *testing.T) {
	t.Parallel()

	fixture := newQuizFixture(t, []testimony.Statement{
		statementRow("42", "Alice", "the moon is cheese"),
	}, WithAnswerWindow(30*time.Millisecond))

	if err := fixture.command(context.Background(), quizCommandEvent("user-1")); err != nil {
		t.Fatalf("start: %v", err)
	}
	fixture.awaitMessage(t, "No one guessed it. It was Alice.")
}

func TestQuizIgnoresGuessesWithoutRound(t *testing.T) {
	t.Parallel()

	fixture := newQuizFixture(t, nil)

	guess := guessEvent("msg-1", "guess @alice", testimony.Actor{ID: "user-2"}, "chat-1")
	if err := fixture.answer(context.Background(), guess); err != nil {
		t.Fatalf("guess: %v", err)
	}
	if len(fixture.outbound.messages()) != 0 || fixture.outbound.reactionCount() != 0 {
		t.Fatal("idle quiz responded to a guess")
	}
}
