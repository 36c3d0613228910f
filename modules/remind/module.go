// Package remind implements the /remind command and the reminder scheduler:
// a periodic poll that loads soonest-due reminders from storage into cache
// timers, fires each exactly once, and deletes the persisted row on delivery.
package remind

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"testimony/internal/cache"
	"testimony/internal/metrics"
	"testimony/pkg/testimony"
)

// minTimerDelay is the clamp for reminders already past due when scheduled.
const minTimerDelay = time.Millisecond

type config struct {
	pollInterval time.Duration
	batchSize    int
	maxLead      time.Duration
	clock        func() time.Time
}

// Option configures the remind module.
type Option func(*config)

// WithPollInterval sets the storage poll cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithBatchSize caps how many due reminders one poll loads.
func WithBatchSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// WithMaxLead caps how far ahead a reminder may be scheduled.
func WithMaxLead(lead time.Duration) Option {
	return func(c *config) {
		if lead > 0 {
			c.maxLead = lead
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

// Module schedules and delivers reminders.
type Module struct {
	cfg config

	logger    *slog.Logger
	outbound  testimony.OutboundDispatcher
	reminders testimony.ReminderStore
	timers    *cache.Namespace

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	pollNow    chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// New creates the remind module over its timer namespace.
func New(timersNS *cache.Namespace, options ...Option) *Module {
	cfg := config{
		pollInterval: 10 * time.Second,
		batchSize:    32,
		maxLead:      365 * 24 * time.Hour,
		clock:        time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Module{
		cfg:      cfg,
		timers:   timersNS,
		loopDone: make(chan struct{}),
		pollNow:  make(chan struct{}, 1),
	}
}

// Name implements testimony.Module.
func (m *Module) Name() string {
	return "remind"
}

// Spec implements testimony.Module.
func (m *Module) Spec() testimony.ModuleSpec {
	return testimony.ModuleSpec{
		Commands: []testimony.CommandSpec{
			{
				Name:        "remind",
				Description: "Schedule a reminder: /remind <in> <text>, e.g. /remind 2h drink water.",
				Options: []testimony.CommandOptionSpec{
					{
						Name:        "delete",
						Alias:       "d",
						HasValue:    true,
						Description: "Delete one of your reminders by id.",
					},
				},
			},
		},
		Handlers: []testimony.ModuleHandler{
			{
				Capability: testimony.Capability{
					Name:        "remind-command",
					Description: "Creates and deletes scheduled reminders.",
					Interest: testimony.InterestSet{
						Kinds:        []testimony.EventKind{testimony.EventKindCommandReceived},
						CommandNames: []string{"remind"},
					},
				},
				Handle: m.handleRemind,
			},
		},
	}
}

// OnRegister implements testimony.Module.
func (m *Module) OnRegister(ctx context.Context, runtime testimony.ModuleRuntime) error {
	m.logger = runtime.Logger()

	outbound, err := testimony.ResolveAs[testimony.OutboundDispatcher](runtime.Services(), testimony.ServiceOutboundDispatcher)
	if err != nil {
		return fmt.Errorf("remind module register: %w", err)
	}
	m.outbound = outbound

	reminders, err := testimony.ResolveAs[testimony.ReminderStore](runtime.Services(), testimony.ServiceReminderStore)
	if err != nil {
		return fmt.Errorf("remind module register: %w", err)
	}
	m.reminders = reminders

	m.timers.SetOnExpire(m.onTimerExpired)

	return nil
}

// OnStart launches the poll loop.
func (m *Module) OnStart(ctx context.Context) error {
	m.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.Background())
		m.loopCancel = cancel
		go m.runPollLoop(loopCtx)
	})

	return nil
}

// OnShutdown stops the poll loop.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		if m.loopCancel != nil {
			m.loopCancel()
		}
	})
	if m.loopCancel == nil {
		return nil
	}

	select {
	case <-m.loopDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("remind module shutdown: %w", ctx.Err())
	}
}

// runPollLoop polls storage on a ticker and on demand after each fire, so a
// delivered reminder immediately backfills the schedule.
func (m *Module) runPollLoop(ctx context.Context) {
	defer close(m.loopDone)

	ticker := time.NewTicker(m.cfg.pollInterval)
	defer ticker.Stop()

	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		case <-m.pollNow:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce loads up to batchSize soonest-due reminders and schedules a cache
// timer for each one not scheduled yet. Storage errors are logged and retried
// on the next tick.
func (m *Module) pollOnce(ctx context.Context) {
	due, err := m.reminders.ListDue(ctx, m.cfg.batchSize)
	if err != nil {
		m.logger.Warn("reminder poll failed", slog.String("error", err.Error()))

		return
	}

	for _, reminder := range due {
		key := timerKey(reminder.ID)
		if _, scheduled := m.timers.Get(key); scheduled {
			continue
		}

		delay := reminder.NotifyOn.Sub(m.cfg.clock())
		if delay < minTimerDelay {
			delay = minTimerDelay
		}
		if err := m.timers.SetTTL(key, reminder, delay); err != nil {
			m.logger.Warn("reminder schedule failed",
				slog.Uint64("reminder_id", reminder.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// onTimerExpired is the cache expiry hook: deliver, delete the row, re-poll.
// The eviction itself already removed the timer entry, so a reminder can fire
// at most once per scheduling.
func (m *Module) onTimerExpired(key string, value any) {
	reminder, ok := value.(testimony.Reminder)
	if !ok {
		m.logger.Error("reminder timer held unexpected value",
			slog.String("key", key),
			slog.String("type", fmt.Sprintf("%T", value)),
		)

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.outbound.SendMessage(ctx, testimony.SendMessageRequest{
		Target: testimony.OutboundTarget{
			Platform:       testimony.PlatformTelegram,
			ConversationID: reminder.ConversationID,
		},
		Text: fmt.Sprintf("Reminder: %s", reminder.Message),
	})
	if err != nil {
		m.logger.Error("reminder delivery failed",
			slog.Uint64("reminder_id", reminder.ID),
			slog.String("error", err.Error()),
		)
	}

	// A row already gone (deleted out of band) affects zero rows; tolerated.
	if _, err := m.reminders.Delete(ctx, reminder.ID, reminder.UserID); err != nil {
		m.logger.Error("reminder row delete failed",
			slog.Uint64("reminder_id", reminder.ID),
			slog.String("error", err.Error()),
		)
	}
	metrics.RemindersFired.Inc()

	m.triggerPoll()
}

func (m *Module) handleRemind(ctx context.Context, event *testimony.Event) error {
	if deleteOption, hasDelete := event.Command.Option("delete"); hasDelete {
		return m.handleDelete(ctx, event, deleteOption.Value)
	}

	fields := strings.Fields(event.Command.Value)
	if len(fields) < 2 {
		return m.reply(ctx, event, "Usage: /remind <in> <text>, e.g. /remind 2h drink water. Delete with /remind --delete <id>.")
	}

	lead, err := time.ParseDuration(fields[0])
	if err != nil || lead <= 0 {
		return m.reply(ctx, event, fmt.Sprintf("Can't parse %q as a duration. Try 90s, 45m, or 2h30m.", fields[0]))
	}
	if lead > m.cfg.maxLead {
		return m.reply(ctx, event, fmt.Sprintf("That's too far out. Maximum is %s.", m.cfg.maxLead))
	}

	reminder := testimony.Reminder{
		UserID:         event.Actor.ID,
		ConversationID: event.Conversation.ID,
		Message:        strings.Join(fields[1:], " "),
		NotifyOn:       m.cfg.clock().Add(lead),
	}
	if err := m.reminders.Create(ctx, &reminder); err != nil {
		if replyErr := m.reply(ctx, event, "Something went wrong. Try again later."); replyErr != nil {
			m.logger.Warn("apology reply failed", slog.String("error", replyErr.Error()))
		}

		return fmt.Errorf("create reminder: %w", err)
	}

	m.triggerPoll()

	return m.reply(ctx, event, fmt.Sprintf("Reminder #%d set for %s from now.", reminder.ID, lead))
}

func (m *Module) handleDelete(ctx context.Context, event *testimony.Event, token string) error {
	reminderID, err := strconv.ParseUint(token, 10, 64)
	if err != nil || reminderID == 0 {
		return m.reply(ctx, event, "Usage: /remind --delete <id>")
	}

	affected, err := m.reminders.Delete(ctx, reminderID, event.Actor.ID)
	if err != nil {
		return fmt.Errorf("delete reminder %d: %w", reminderID, err)
	}
	if affected == 0 {
		return m.reply(ctx, event, fmt.Sprintf("No reminder #%d of yours.", reminderID))
	}

	// Drop the pending timer too so the deleted reminder never fires.
	m.timers.Delete(timerKey(reminderID))

	return m.reply(ctx, event, fmt.Sprintf("Reminder #%d deleted.", reminderID))
}

// triggerPoll requests an immediate poll without blocking; a pending request
// already covers this one.
func (m *Module) triggerPoll() {
	select {
	case m.pollNow <- struct{}{}:
	default:
	}
}

func (m *Module) reply(ctx context.Context, event *testimony.Event, text string) error {
	target, err := testimony.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("remind reply: %w", err)
	}

	request := testimony.SendMessageRequest{Target: target, Text: text}
	if event.Message != nil {
		request.ReplyToMessageID = event.Message.ID
	}
	if _, err := m.outbound.SendMessage(ctx, request); err != nil {
		return fmt.Errorf("remind reply: %w", err)
	}

	return nil
}

func timerKey(reminderID uint64) string {
	return strconv.FormatUint(reminderID, 10)
}
