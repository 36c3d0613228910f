// Package storage implements the persistence contracts on a gorm-managed
// SQLite database. No SQL leaks past this package.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"testimony/pkg/testimony"
)

type statementRow struct {
	ID             uint64 `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	AccusedID      string `gorm:"index"`
	AccusedName    string
	RecordedByID   string
	Content        string
	Updoots        int64
	CreatedAt      time.Time
}

func (statementRow) TableName() string { return "statements" }

type reminderRow struct {
	ID             uint64 `gorm:"primaryKey"`
	UserID         string `gorm:"index"`
	ConversationID string
	Message        string
	NotifyOn       time.Time `gorm:"index"`
	CreatedAt      time.Time
}

func (reminderRow) TableName() string { return "reminders" }

type updootRow struct {
	ID          uint64 `gorm:"primaryKey"`
	StatementID uint64 `gorm:"uniqueIndex:idx_updoot_statement_user"`
	UserID      string `gorm:"uniqueIndex:idx_updoot_statement_user"`
	CreatedAt   time.Time
}

func (updootRow) TableName() string { return "updoots" }

// Store owns the database handle and exposes the typed stores.
type Store struct {
	db *gorm.DB
}

// Open connects to the SQLite database at path and migrates the schema.
// Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&statementRow{}, &reminderRow{}, &updootRow{}); err != nil {
		return nil, fmt.Errorf("migrate database %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// Statements returns the statement store.
func (s *Store) Statements() testimony.StatementStore {
	return &statementStore{db: s.db}
}

// Reminders returns the reminder store.
func (s *Store) Reminders() testimony.ReminderStore {
	return &reminderStore{db: s.db}
}

// Updoots returns the updoot store.
func (s *Store) Updoots() testimony.UpdootStore {
	return &updootStore{db: s.db}
}

type statementStore struct {
	db *gorm.DB
}

func (s *statementStore) Create(ctx context.Context, statement *testimony.Statement) error {
	if statement == nil {
		return fmt.Errorf("create statement: nil statement")
	}

	row := statementRow{
		ConversationID: statement.ConversationID,
		AccusedID:      statement.AccusedID,
		AccusedName:    statement.AccusedName,
		RecordedByID:   statement.RecordedByID,
		Content:        statement.Content,
		Updoots:        statement.Updoots,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create statement: %w", err)
	}

	statement.ID = row.ID
	statement.CreatedAt = row.CreatedAt

	return nil
}

func (s *statementStore) Random(ctx context.Context) (testimony.Statement, error) {
	var row statementRow
	err := s.db.WithContext(ctx).Order("RANDOM()").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return testimony.Statement{}, testimony.ErrNoStatements
	}
	if err != nil {
		return testimony.Statement{}, fmt.Errorf("random statement: %w", err)
	}

	return row.toStatement(), nil
}

func (s *statementStore) Find(ctx context.Context, filter testimony.StatementFilter) ([]testimony.Statement, error) {
	query := applyStatementFilter(s.db.WithContext(ctx), filter).
		Order("created_at DESC, id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []statementRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find statements: %w", err)
	}

	statements := make([]testimony.Statement, 0, len(rows))
	for _, row := range rows {
		statements = append(statements, row.toStatement())
	}

	return statements, nil
}

func (s *statementStore) FindOne(ctx context.Context, filter testimony.StatementFilter) (testimony.Statement, error) {
	var row statementRow
	err := applyStatementFilter(s.db.WithContext(ctx), filter).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return testimony.Statement{}, testimony.ErrNoStatements
	}
	if err != nil {
		return testimony.Statement{}, fmt.Errorf("find statement: %w", err)
	}

	return row.toStatement(), nil
}

func (s *statementStore) Update(ctx context.Context, id uint64, patch testimony.StatementPatch) error {
	updates := make(map[string]any, 2)
	if patch.Content != nil {
		updates["content"] = *patch.Content
	}
	if patch.Updoots != nil {
		updates["updoots"] = *patch.Updoots
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&statementRow{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update statement %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("update statement %d: %w", id, testimony.ErrNoStatements)
	}

	return nil
}

func applyStatementFilter(query *gorm.DB, filter testimony.StatementFilter) *gorm.DB {
	if filter.ID != 0 {
		query = query.Where("id = ?", filter.ID)
	}
	if filter.AccusedID != "" {
		query = query.Where("accused_id = ?", filter.AccusedID)
	}
	if filter.ConversationID != "" {
		query = query.Where("conversation_id = ?", filter.ConversationID)
	}

	return query
}

func (r statementRow) toStatement() testimony.Statement {
	return testimony.Statement{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		AccusedID:      r.AccusedID,
		AccusedName:    r.AccusedName,
		RecordedByID:   r.RecordedByID,
		Content:        r.Content,
		Updoots:        r.Updoots,
		CreatedAt:      r.CreatedAt,
	}
}

type reminderStore struct {
	db *gorm.DB
}

func (s *reminderStore) Create(ctx context.Context, reminder *testimony.Reminder) error {
	if reminder == nil {
		return fmt.Errorf("create reminder: nil reminder")
	}

	row := reminderRow{
		UserID:         reminder.UserID,
		ConversationID: reminder.ConversationID,
		Message:        reminder.Message,
		NotifyOn:       reminder.NotifyOn,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}

	reminder.ID = row.ID
	reminder.CreatedAt = row.CreatedAt

	return nil
}

func (s *reminderStore) ListDue(ctx context.Context, limit int) ([]testimony.Reminder, error) {
	query := s.db.WithContext(ctx).Order("notify_on ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []reminderRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}

	reminders := make([]testimony.Reminder, 0, len(rows))
	for _, row := range rows {
		reminders = append(reminders, testimony.Reminder{
			ID:             row.ID,
			UserID:         row.UserID,
			ConversationID: row.ConversationID,
			Message:        row.Message,
			NotifyOn:       row.NotifyOn,
			CreatedAt:      row.CreatedAt,
		})
	}

	return reminders, nil
}

func (s *reminderStore) Delete(ctx context.Context, id uint64, userID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&reminderRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete reminder %d: %w", id, result.Error)
	}

	return result.RowsAffected, nil
}

type updootStore struct {
	db *gorm.DB
}

func (s *updootStore) Add(ctx context.Context, statementID uint64, userID string) (bool, error) {
	row := updootRow{StatementID: statementID, UserID: userID}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("add updoot for statement %d: %w", statementID, err)
	}

	result := s.db.WithContext(ctx).
		Model(&statementRow{}).
		Where("id = ?", statementID).
		UpdateColumn("updoots", gorm.Expr("updoots + 1"))
	if result.Error != nil {
		return false, fmt.Errorf("tally updoot for statement %d: %w", statementID, result.Error)
	}

	return true, nil
}

func (s *updootStore) Count(ctx context.Context, statementID uint64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&updootRow{}).
		Where("statement_id = ?", statementID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count updoots for statement %d: %w", statementID, err)
	}

	return count, nil
}
