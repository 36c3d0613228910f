package testimony

import (
	"context"
	"time"
)

// Statement is one recorded statement attributed to an accused user.
type Statement struct {
	// ID is the store-assigned statement identifier.
	ID uint64
	// ConversationID is the conversation where the statement was recorded.
	ConversationID string
	// AccusedID is the platform id of the user the statement is attributed to.
	AccusedID string
	// AccusedName is the display name captured at record time.
	AccusedName string
	// RecordedByID is the platform id of the user who recorded the statement.
	RecordedByID string
	// Content is the statement text.
	Content string
	// Updoots is the current updoot tally.
	Updoots int64
	// CreatedAt is the record timestamp.
	CreatedAt time.Time
}

// StatementFilter narrows statement queries. Zero fields are ignored.
type StatementFilter struct {
	// ID selects one statement by identifier.
	ID uint64
	// AccusedID restricts to statements attributed to one user.
	AccusedID string
	// ConversationID restricts to one conversation.
	ConversationID string
	// Limit caps result count when positive.
	Limit int
}

// StatementPatch describes a partial statement update. Nil fields are untouched.
type StatementPatch struct {
	// Content replaces the statement text.
	Content *string
	// Updoots replaces the updoot tally.
	Updoots *int64
}

// StatementStore persists recorded statements.
type StatementStore interface {
	// Create persists one statement and fills its ID and CreatedAt.
	Create(ctx context.Context, statement *Statement) error
	// Random returns one uniformly drawn statement, or ErrNoStatements.
	Random(ctx context.Context) (Statement, error)
	// Find returns statements matching filter, newest first.
	Find(ctx context.Context, filter StatementFilter) ([]Statement, error)
	// FindOne returns the single statement matching filter.
	FindOne(ctx context.Context, filter StatementFilter) (Statement, error)
	// Update applies patch to the statement with the given id.
	Update(ctx context.Context, id uint64, patch StatementPatch) error
}

// Reminder is one scheduled notification owned by one user.
type Reminder struct {
	// ID is the store-assigned reminder identifier.
	ID uint64
	// UserID is the platform id of the reminder owner.
	UserID string
	// ConversationID is where the notification is delivered.
	ConversationID string
	// Message is the reminder text.
	Message string
	// NotifyOn is the due time.
	NotifyOn time.Time
	// CreatedAt is the record timestamp.
	CreatedAt time.Time
}

// ReminderStore persists scheduled reminders.
type ReminderStore interface {
	// Create persists one reminder and fills its ID and CreatedAt.
	Create(ctx context.Context, reminder *Reminder) error
	// ListDue returns up to limit reminders ordered by soonest due time.
	ListDue(ctx context.Context, limit int) ([]Reminder, error)
	// Delete removes the reminder with the given id owned by userID and
	// returns the number of removed rows.
	Delete(ctx context.Context, id uint64, userID string) (int64, error)
}

// UpdootStore persists per-user updoot marks.
type UpdootStore interface {
	// Add records one updoot. added is false when the user already updooted
	// the statement.
	Add(ctx context.Context, statementID uint64, userID string) (added bool, err error)
	// Count returns the number of updoots recorded for one statement.
	Count(ctx context.Context, statementID uint64) (int64, error)
}
