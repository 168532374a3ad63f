package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

// EnsureUser returns the user with id, creating it with the default name if absent.
func (r repo) EnsureUser(ctx context.Context, id uint) (User, error) {
	if id == 0 {
		return User{}, fmt.Errorf("store: user id is required")
	}
	var u User
	err := r.db.WithContext(ctx).
		Where(User{ID: id}).
		Attrs(User{Name: DefaultUserName}).
		FirstOrCreate(&u).Error
	if err != nil {
		return User{}, fmt.Errorf("store: ensure user %d: %w", id, err)
	}
	return u, nil
}

func (r repo) GetUser(ctx context.Context, id uint) (User, error) {
	var u User
	err := r.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return u, nil
}

func (r repo) CreateConversation(ctx context.Context, userID uint, title string) (Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultConversationTitle
	}
	c := Conversation{UserID: userID, Title: title}
	if err := r.db.WithContext(ctx).Create(&c).Error; err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation for user %d: %w", userID, err)
	}
	return c, nil
}

// ListConversations returns the user's conversations newest first.
func (r repo) ListConversations(ctx context.Context, userID uint) ([]ConversationSummary, error) {
	var out []ConversationSummary
	err := r.db.WithContext(ctx).
		Model(&Conversation{}).
		Select("conversations.*, COUNT(messages.id) AS message_count").
		Joins("LEFT JOIN messages ON messages.conversation_id = conversations.id").
		Where("conversations.user_id = ?", userID).
		Group("conversations.id").
		Order("conversations.created_at DESC, conversations.id DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list conversations for user %d: %w", userID, err)
	}
	return out, nil
}

func (r repo) HasConversations(ctx context.Context, userID uint) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Conversation{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("store: count conversations for user %d: %w", userID, err)
	}
	return n > 0, nil
}

func (r repo) AppendMessage(ctx context.Context, conversationID uint, role, content string) (Message, error) {
	switch role {
	case RoleUser, RoleAssistant:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	m := Message{ConversationID: conversationID, Role: role, Content: content}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return Message{}, fmt.Errorf("store: append message to conversation %d: %w", conversationID, err)
	}
	return m, nil
}

// ListMessages returns a conversation's messages in the order they were written.
func (r repo) ListMessages(ctx context.Context, conversationID uint) ([]Message, error) {
	var out []Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list messages for conversation %d: %w", conversationID, err)
	}
	return out, nil
}

// SearchMessages finds the user's messages containing query, case-insensitively,
// newest first. Both sides are folded with strings.ToLower on sqlite, whose
// LOWER only folds ASCII; postgres folds in SQL.
func (r repo) SearchMessages(ctx context.Context, userID uint, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	needle := strings.ToLower(query)
	q := r.db.WithContext(ctx).
		Model(&Message{}).
		Select("messages.*").
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.user_id = ?", userID).
		Order("messages.created_at DESC, messages.id DESC")

	if r.db.Dialector.Name() != DialectSQLite {
		var out []Message
		err := q.Where(`LOWER(messages.content) LIKE ? ESCAPE '\'`, "%"+escapeLike(needle)+"%").
			Limit(limit).
			Find(&out).Error
		if err != nil {
			return nil, fmt.Errorf("store: search messages for user %d: %w", userID, err)
		}
		return out, nil
	}

	rows, err := q.Rows()
	if err != nil {
		return nil, fmt.Errorf("store: search messages for user %d: %w", userID, err)
	}
	defer rows.Close()
	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := r.db.ScanRows(rows, &m); err != nil {
			return nil, fmt.Errorf("store: search messages for user %d: %w", userID, err)
		}
		if strings.Contains(strings.ToLower(m.Content), needle) {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search messages for user %d: %w", userID, err)
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r repo) AppendRun(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("store: run is required")
	}
	run.RunDate = DateOf(run.RunDate)
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("store: append run for user %d: %w", run.UserID, err)
	}
	return nil
}

// RunsSince returns runs dated on or after since, most recent first.
func (r repo) RunsSince(ctx context.Context, userID uint, since time.Time) ([]Run, error) {
	var out []Run
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND run_date >= ?", userID, DateOf(since)).
		Order("run_date DESC, id DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: runs since %s for user %d: %w", since.Format(time.DateOnly), userID, err)
	}
	return out, nil
}

// RecentRuns returns up to limit runs, most recent first.
func (r repo) RecentRuns(ctx context.Context, userID uint, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Run
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("run_date DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: recent runs for user %d: %w", userID, err)
	}
	return out, nil
}

func (r repo) AppendGoal(ctx context.Context, goal *Goal) error {
	if goal == nil {
		return fmt.Errorf("store: goal is required")
	}
	goal.RaceDate = DateOf(goal.RaceDate)
	if err := r.db.WithContext(ctx).Create(goal).Error; err != nil {
		return fmt.Errorf("store: append goal for user %d: %w", goal.UserID, err)
	}
	return nil
}

// GoalsFrom returns goals with a race date on or after from, soonest first.
func (r repo) GoalsFrom(ctx context.Context, userID uint, from time.Time) ([]Goal, error) {
	var out []Goal
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND race_date >= ?", userID, DateOf(from)).
		Order("race_date ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: goals from %s for user %d: %w", from.Format(time.DateOnly), userID, err)
	}
	return out, nil
}
