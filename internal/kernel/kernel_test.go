package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"testimony/pkg/testimony"
)

// stubModule is a configurable module for lifecycle tests.
type stubModule struct {
	name string
	spec testimony.ModuleSpec

	mu         sync.Mutex
	registered bool
	started    bool
	stopped    bool

	registerErr error
}

func (m *stubModule) Name() string               { return m.name }
func (m *stubModule) Spec() testimony.ModuleSpec { return m.spec }

func (m *stubModule) OnRegister(ctx context.Context, runtime testimony.ModuleRuntime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = true

	return m.registerErr
}

func (m *stubModule) OnStart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true

	return nil
}

func (m *stubModule) OnShutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true

	return nil
}

// stubDriver publishes canned events and exits on context cancellation.
type stubDriver struct {
	events []*testimony.Event
}

func (d *stubDriver) Name() string                            { return "stub" }
func (d *stubDriver) Platform() testimony.Platform            { return testimony.PlatformTelegram }
func (d *stubDriver) Outbound() testimony.OutboundDispatcher  { return nil }

func (d *stubDriver) Run(ctx context.Context, sink testimony.EventSink) error {
	for _, event := range d.events {
		if err := sink.Publish(ctx, event); err != nil {
			return err
		}
	}
	<-ctx.Done()

	return ctx.Err()
}

func messageEvent(id string, text string) *testimony.Event {
	return &testimony.Event{
		ID:         id,
		Kind:       testimony.EventKindMessageCreated,
		OccurredAt: time.Unix(1700000000, 0),
		Platform:   testimony.PlatformTelegram,
		Conversation: testimony.Conversation{
			ID:   "chat-1",
			Type: testimony.ConversationTypeGroup,
		},
		Actor:   testimony.Actor{ID: "user-1"},
		Message: &testimony.Message{ID: id, Text: text},
	}
}

func TestServiceRegistry(t *testing.T) {
	t.Parallel()

	registry := NewServiceRegistry()
	if err := registry.Register(testimony.ServiceLogger, "not-really-a-logger"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(testimony.ServiceLogger, "again"); !errors.Is(err, testimony.ErrServiceAlreadyRegistered) {
		t.Fatalf("duplicate register err = %v", err)
	}

	value, err := testimony.ResolveAs[string](registry, testimony.ServiceLogger)
	if err != nil || value != "not-really-a-logger" {
		t.Fatalf("resolve = %q, %v", value, err)
	}

	if _, err := testimony.ResolveAs[int](registry, testimony.ServiceLogger); !errors.Is(err, testimony.ErrServiceNotFound) {
		t.Fatalf("type mismatch err = %v", err)
	}
	if _, err := registry.Resolve(testimony.ServiceStatementStore); !errors.Is(err, testimony.ErrServiceNotFound) {
		t.Fatalf("missing service err = %v", err)
	}
}

func TestRegisterModuleDuplicate(t *testing.T) {
	t.Parallel()

	k := New()
	module := &stubModule{name: "record"}

	if err := k.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := k.RegisterModule(context.Background(), &stubModule{name: "record"})
	if !errors.Is(err, testimony.ErrModuleAlreadyRegistered) {
		t.Fatalf("duplicate register err = %v", err)
	}
	if !module.registered {
		t.Fatal("OnRegister never invoked")
	}
}

func TestRegisterModuleRollsBackOnHookFailure(t *testing.T) {
	t.Parallel()

	k := New()
	failing := &stubModule{
		name:        "record",
		registerErr: errors.New("wiring broke"),
		spec: testimony.ModuleSpec{
			Commands: []testimony.CommandSpec{{Name: "record"}},
		},
	}

	if err := k.RegisterModule(context.Background(), failing); err == nil {
		t.Fatal("expected registration failure")
	}

	// The failed module's command claim must be released.
	if _, exists := k.lookupCommand("record"); exists {
		t.Fatal("command claim survived rollback")
	}
	if err := k.RegisterModule(context.Background(), &stubModule{name: "record"}); err != nil {
		t.Fatalf("re-register after rollback: %v", err)
	}
}

func TestRegisterModuleRejectsDuplicateCommand(t *testing.T) {
	t.Parallel()

	k := New()
	first := &stubModule{
		name: "record",
		spec: testimony.ModuleSpec{Commands: []testimony.CommandSpec{{Name: "history"}}},
	}
	second := &stubModule{
		name: "archive",
		spec: testimony.ModuleSpec{Commands: []testimony.CommandSpec{{Name: "history"}}},
	}

	if err := k.RegisterModule(context.Background(), first); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := k.RegisterModule(context.Background(), second); err == nil {
		t.Fatal("duplicate command registration succeeded")
	}
}

func TestCommandCatalog(t *testing.T) {
	t.Parallel()

	k := New()
	module := &stubModule{
		name: "record",
		spec: testimony.ModuleSpec{
			Commands: []testimony.CommandSpec{
				{Name: "updoot"},
				{Name: "record"},
			},
		},
	}
	if err := k.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register: %v", err)
	}

	catalog, err := testimony.ResolveAs[testimony.CommandCatalog](k.Services(), testimony.ServiceCommandCatalog)
	if err != nil {
		t.Fatalf("resolve catalog: %v", err)
	}

	entries := catalog.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Spec.Name != "record" || entries[1].Spec.Name != "updoot" {
		t.Fatalf("entries not sorted: %v, %v", entries[0].Spec.Name, entries[1].Spec.Name)
	}

	entry, exists := catalog.Lookup("UpDoot")
	if !exists || entry.ModuleName != "record" {
		t.Fatalf("lookup = %+v, %v", entry, exists)
	}
}

func TestRunDeliversEventsAndDerivesCommands(t *testing.T) {
	t.Parallel()

	k := New(WithShutdownTimeout(2 * time.Second))

	var mu sync.Mutex
	var commandNames []string
	var messageIDs []string

	module := &stubModule{
		name: "record",
		spec: testimony.ModuleSpec{
			Commands: []testimony.CommandSpec{{Name: "record"}},
			Handlers: []testimony.ModuleHandler{
				{
					Capability: testimony.Capability{
						Name: "record-command",
						Interest: testimony.InterestSet{
							Kinds:        []testimony.EventKind{testimony.EventKindCommandReceived},
							CommandNames: []string{"record"},
						},
					},
					Handle: func(ctx context.Context, event *testimony.Event) error {
						mu.Lock()
						commandNames = append(commandNames, event.Command.Name)
						mu.Unlock()

						return nil
					},
				},
				{
					Capability: testimony.Capability{
						Name: "all-messages",
						Interest: testimony.InterestSet{
							Kinds: []testimony.EventKind{testimony.EventKindMessageCreated},
						},
					},
					Handle: func(ctx context.Context, event *testimony.Event) error {
						mu.Lock()
						messageIDs = append(messageIDs, event.ID)
						mu.Unlock()

						return nil
					},
				},
			},
		},
	}
	if err := k.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module: %v", err)
	}

	driver := &stubDriver{events: []*testimony.Event{
		messageEvent("evt-1", "/record the moon is cheese"),
		messageEvent("evt-2", "plain chatter"),
		messageEvent("evt-3", "/unknowncommand hi"),
	}}
	if err := k.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- k.Run(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		commands, messages := len(commandNames), len(messageIDs)
		mu.Unlock()
		if commands >= 1 && messages >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivery incomplete: commands = %d, messages = %d", commands, messages)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(commandNames) != 1 || commandNames[0] != "record" {
		t.Fatalf("command deliveries = %v", commandNames)
	}
	// Command-shaped messages are still visible as plain message events.
	if len(messageIDs) != 3 {
		t.Fatalf("message deliveries = %v", messageIDs)
	}
	if !module.started || !module.stopped {
		t.Fatalf("lifecycle: started = %v, stopped = %v", module.started, module.stopped)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	k := New(WithShutdownTimeout(2 * time.Second))

	delivered := make(chan string, 4)
	module := &stubModule{
		name: "panicky",
		spec: testimony.ModuleSpec{
			Handlers: []testimony.ModuleHandler{
				{
					Capability: testimony.Capability{
						Name: "messages",
						Interest: testimony.InterestSet{
							Kinds: []testimony.EventKind{testimony.EventKindMessageCreated},
						},
					},
					Handle: func(ctx context.Context, event *testimony.Event) error {
						if event.ID == "evt-1" {
							panic("handler exploded")
						}
						delivered <- event.ID

						return nil
					},
				},
			},
		},
	}
	if err := k.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module: %v", err)
	}

	driver := &stubDriver{events: []*testimony.Event{
		messageEvent("evt-1", "boom"),
		messageEvent("evt-2", "still alive"),
	}}
	if err := k.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- k.Run(ctx)
	}()

	select {
	case id := <-delivered:
		if id != "evt-2" {
			t.Fatalf("delivered id = %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event after panic never delivered")
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}
}
