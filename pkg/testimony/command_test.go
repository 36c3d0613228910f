package testimony

import (
	"errors"
	"testing"
	"time"
)

func commandSourceEvent() *Event {
	return &Event{
		ID:         "evt-1",
		Kind:       EventKindMessageCreated,
		OccurredAt: time.Unix(1700000000, 0),
		Platform:   PlatformTelegram,
		Conversation: Conversation{
			ID:   "chat-1",
			Type: ConversationTypeGroup,
		},
		Actor:   Actor{ID: "user-1"},
		Message: &Message{ID: "msg-1", Text: "/record hello"},
	}
}

func TestParseCommandCandidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		wantMatched bool
		wantErr     bool
		wantName    string
		wantMention string
		wantTokens  int
	}{
		{
			name:        "plain command",
			input:       "/record hello world",
			wantMatched: true,
			wantName:    "record",
			wantTokens:  2,
		},
		{
			name:        "mention suffix",
			input:       "/quiz@testimony_bot",
			wantMatched: true,
			wantName:    "quiz",
			wantMention: "testimony_bot",
		},
		{
			name:        "mixed case normalized",
			input:       "  /ReCoRd  stuff  ",
			wantMatched: true,
			wantName:    "record",
			wantTokens:  1,
		},
		{
			name:        "not a command",
			input:       "record hello",
			wantMatched: false,
		},
		{
			name:  "empty input",
			input: "   ",
		},
		{
			name:        "bare prefix",
			input:       "/",
			wantMatched: true,
			wantErr:     true,
		},
		{
			name:        "equals option format rejected",
			input:       "/remind --delete=3",
			wantMatched: true,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			candidate, matched, err := ParseCommandCandidate(tt.input)
			if matched != tt.wantMatched {
				t.Fatalf("matched = %v, want %v", matched, tt.wantMatched)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil || !matched {
				return
			}
			if candidate.Name != tt.wantName {
				t.Fatalf("name = %q, want %q", candidate.Name, tt.wantName)
			}
			if candidate.Mention != tt.wantMention {
				t.Fatalf("mention = %q, want %q", candidate.Mention, tt.wantMention)
			}
			if len(candidate.Tokens) != tt.wantTokens {
				t.Fatalf("tokens = %v, want %d entries", candidate.Tokens, tt.wantTokens)
			}
		})
	}
}

func TestBindCommand(t *testing.T) {
	t.Parallel()

	spec := CommandSpec{
		Name: "record",
		Options: []CommandOptionSpec{
			{Name: "accused", Alias: "a", HasValue: true},
			{Name: "silent", Alias: "s"},
		},
	}

	tests := []struct {
		name      string
		input     string
		spec      CommandSpec
		wantErr   bool
		wantValue string
		check     func(t *testing.T, invocation CommandInvocation)
	}{
		{
			name:      "value tail only",
			input:     "/record the moon is cheese",
			spec:      spec,
			wantValue: "the moon is cheese",
		},
		{
			name:      "long option with value",
			input:     "/record --accused @alice some text",
			spec:      spec,
			wantValue: "some text",
			check: func(t *testing.T, invocation CommandInvocation) {
				option, ok := invocation.Option("accused")
				if !ok || option.Value != "@alice" {
					t.Fatalf("accused option = %+v, ok = %v", option, ok)
				}
			},
		},
		{
			name:      "short alias resolves to long name",
			input:     "/record -a @bob words",
			spec:      spec,
			wantValue: "words",
			check: func(t *testing.T, invocation CommandInvocation) {
				option, ok := invocation.Option("accused")
				if !ok || option.Value != "@bob" {
					t.Fatalf("accused option = %+v, ok = %v", option, ok)
				}
			},
		},
		{
			name:  "flag option consumes no value",
			input: "/record --silent text",
			spec:  spec,
			check: func(t *testing.T, invocation CommandInvocation) {
				option, ok := invocation.Option("silent")
				if !ok || option.HasValue {
					t.Fatalf("silent option = %+v, ok = %v", option, ok)
				}
				if invocation.Value != "text" {
					t.Fatalf("value = %q", invocation.Value)
				}
			},
		},
		{
			name:    "unknown option",
			input:   "/record --loud text",
			spec:    spec,
			wantErr: true,
		},
		{
			name:    "option missing value",
			input:   "/record --accused",
			spec:    spec,
			wantErr: true,
		},
		{
			name:    "option value cannot be another option",
			input:   "/record --accused --silent",
			spec:    spec,
			wantErr: true,
		},
		{
			name:  "missing required option",
			input: "/remind text",
			spec: CommandSpec{
				Name: "remind",
				Options: []CommandOptionSpec{
					{Name: "in", HasValue: true, Required: true},
				},
			},
			wantErr: true,
		},
		{
			name:    "name mismatch",
			input:   "/history",
			spec:    spec,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			candidate, matched, err := ParseCommandCandidate(tt.input)
			if !matched || err != nil {
				t.Fatalf("parse failed: matched = %v, err = %v", matched, err)
			}

			invocation, err := BindCommand(candidate, tt.spec, commandSourceEvent())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.wantValue != "" && invocation.Value != tt.wantValue {
				t.Fatalf("value = %q, want %q", invocation.Value, tt.wantValue)
			}
			if invocation.SourceEventID != "evt-1" {
				t.Fatalf("source event id = %q", invocation.SourceEventID)
			}
			if tt.check != nil {
				tt.check(t, invocation)
			}
		})
	}
}

func TestBindCommandNilSourceEvent(t *testing.T) {
	t.Parallel()

	candidate, _, err := ParseCommandCandidate("/help")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := BindCommand(candidate, CommandSpec{Name: "help"}, nil); err == nil {
		t.Fatal("expected error for nil source event")
	}
}

func TestCommandSpecValidateRejectsDuplicates(t *testing.T) {
	t.Parallel()

	spec := CommandSpec{
		Name: "record",
		Options: []CommandOptionSpec{
			{Name: "accused", Alias: "a", HasValue: true},
			{Name: "accused", Alias: "b"},
		},
	}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected duplicate option name to be rejected")
	}

	spec.Options[1] = CommandOptionSpec{Name: "blame", Alias: "a"}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected duplicate alias to be rejected")
	}

	spec.Options[1] = CommandOptionSpec{Name: "blame", Alias: "bl"}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected multi-character alias to be rejected")
	}
}

func TestCommandInvocationValidate(t *testing.T) {
	t.Parallel()

	invocation := CommandInvocation{Name: "record", SourceEventID: "evt-1"}
	if err := invocation.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invocation.SourceEventID = ""
	if err := invocation.Validate(); err == nil {
		t.Fatal("expected missing source event id to be rejected")
	}

	var nilInvocation *CommandInvocation
	err := nilInvocation.Validate()
	if err == nil {
		t.Fatal("expected nil invocation to be rejected")
	}
	if errors.Is(err, ErrInvalidEvent) {
		t.Fatal("command validation must not use the event sentinel")
	}
}
