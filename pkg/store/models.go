package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultUserName          = "Runner"
	LiveConversationTitle    = "Voice Chat"
	DefaultConversationTitle = "New Conversation"
)

// User owns conversations, runs and goals.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:100;default:Runner"`
	CreatedAt time.Time
}

// Conversation groups the messages of one live session.
type Conversation struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    uint   `gorm:"not null;index"`
	Title     string `gorm:"size:200"`
	CreatedAt time.Time
}

// ConversationSummary is a Conversation plus its message count.
type ConversationSummary struct {
	Conversation
	MessageCount int64
}

// Message is one finalized conversation turn. Messages are append-only.
type Message struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"not null;index"`
	Role           string `gorm:"size:20;not null"`
	Content        string `gorm:"type:text"`
	CreatedAt      time.Time
}

// Run is a logged training run. RunDate is a calendar date stored at UTC midnight.
type Run struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	UserID          uint      `gorm:"not null;index"`
	DistanceMiles   float64   `gorm:"not null"`
	DurationMinutes int       `gorm:"not null"`
	PacePerMile     string    `gorm:"size:10"`
	Notes           *string   `gorm:"type:text"`
	RunDate         time.Time `gorm:"type:date;index"`
	CreatedAt       time.Time
}

// Goal is a target race.
type Goal struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	UserID        uint      `gorm:"not null;index"`
	RaceName      string    `gorm:"size:200"`
	RaceDate      time.Time `gorm:"type:date;index"`
	TargetTime    *string   `gorm:"size:20"`
	DistanceMiles float64
	CreatedAt     time.Time
}

// AllModels returns every model managed by Migrate.
func AllModels() []any {
	return []any{
		&User{},
		&Conversation{},
		&Message{},
		&Run{},
		&Goal{},
	}
}

// DateOf returns the calendar date of t as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
