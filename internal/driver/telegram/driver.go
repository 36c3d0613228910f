// Package telegram implements the Telegram driver on gotd/td: a bot-token MTProto
// session whose updates are flattened and mapped into neutral events, plus an
// outbound dispatcher resolving conversations through a peer cache.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"testimony/pkg/testimony"
)

const (
	// DriverName is the registered driver identity.
	DriverName = "telegram"

	defaultUpdateBuffer = 256
	defaultSessionFile  = ".cache/telegram/session.json"
)

// Config holds the Telegram API credentials and session settings.
type Config struct {
	AppID        int    `json:"app_id"`
	AppHash      string `json:"app_hash"`
	BotToken     string `json:"bot_token"`
	SessionFile  string `json:"session_file"`
	UpdateBuffer int    `json:"update_buffer"`
}

// Validate checks required credentials and applies defaults.
func (c *Config) Validate() error {
	if c.AppID <= 0 {
		return fmt.Errorf("telegram config: app_id must be > 0")
	}
	if strings.TrimSpace(c.AppHash) == "" {
		return fmt.Errorf("telegram config: app_hash is required")
	}
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("telegram config: bot_token is required")
	}
	if strings.TrimSpace(c.SessionFile) == "" {
		c.SessionFile = defaultSessionFile
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = defaultUpdateBuffer
	}

	return nil
}

// updateChannel bridges the gotd update callback into a channel the run loop
// consumes. It implements gotd's UpdateHandler.
type updateChannel struct {
	envelopes chan updateEnvelope
}

func (u *updateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	for _, envelope := range flattenUpdates(updates, time.Now().UTC()) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("handle telegram updates: %w", ctx.Err())
		case u.envelopes <- envelope:
		}
	}

	return nil
}

// Driver runs one bot session against Telegram.
type Driver struct {
	cfg      Config
	logger   *slog.Logger
	client   *gotdtelegram.Client
	updates  *updateChannel
	peers    *peerCache
	outbound *outboundDispatcher
}

// New builds the Telegram driver from config.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	storage, err := newSessionStorage(cfg.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("telegram session storage: %w", err)
	}

	updates := &updateChannel{envelopes: make(chan updateEnvelope, cfg.UpdateBuffer)}
	client := gotdtelegram.NewClient(cfg.AppID, cfg.AppHash, gotdtelegram.Options{
		UpdateHandler:  updates,
		SessionStorage: storage,
	})

	peers := newPeerCache()

	return &Driver{
		cfg:      cfg,
		logger:   logger.With(slog.String("driver", DriverName)),
		client:   client,
		updates:  updates,
		peers:    peers,
		outbound: newOutboundDispatcher(client, peers, logger),
	}, nil
}

// Name implements testimony.Driver.
func (d *Driver) Name() string {
	return DriverName
}

// Platform implements testimony.Driver.
func (d *Driver) Platform() testimony.Platform {
	return testimony.PlatformTelegram
}

// Outbound implements testimony.Driver.
func (d *Driver) Outbound() testimony.OutboundDispatcher {
	return d.outbound
}

// Run implements testimony.Driver: connect, authorize with the bot token, and
// pump mapped events into the sink until ctx is canceled.
func (d *Driver) Run(ctx context.Context, sink testimony.EventSink) error {
	err := d.client.Run(ctx, func(runCtx context.Context) error {
		if err := d.authorize(runCtx); err != nil {
			return err
		}
		d.logger.Info("telegram session established",
			slog.String("session_file", d.cfg.SessionFile),
		)

		return d.consume(runCtx, sink)
	})
	if err != nil {
		return fmt.Errorf("telegram driver: %w", err)
	}

	return nil
}

func (d *Driver) authorize(ctx context.Context) error {
	status, err := d.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("telegram auth status: %w", err)
	}
	if status.Authorized {
		return nil
	}

	if _, err := d.client.Auth().Bot(ctx, d.cfg.BotToken); err != nil {
		return fmt.Errorf("telegram bot login: %w", err)
	}

	return nil
}

func (d *Driver) consume(ctx context.Context, sink testimony.EventSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope := <-d.updates.envelopes:
			d.peers.rememberEnvelope(envelope)
			d.dispatch(ctx, sink, envelope)
		}
	}
}

// dispatch maps one envelope and publishes its events. Mapping and publish
// failures are logged and skipped; one bad update must not kill the session.
func (d *Driver) dispatch(ctx context.Context, sink testimony.EventSink, envelope updateEnvelope) {
	events, err := mapEnvelope(envelope)
	if err != nil {
		d.logger.Warn("telegram update mapping failed",
			slog.String("update_class", envelope.update.TypeName()),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, event := range events {
		if err := sink.Publish(ctx, event); err != nil {
			d.logger.Warn("event publish failed",
				slog.String("event_id", event.ID),
				slog.String("event_kind", string(event.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func newSessionStorage(path string) (*session.FileStorage, error) {
	absPath, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("resolve session file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	return &session.FileStorage{Path: absPath}, nil
}
