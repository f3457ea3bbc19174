package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	StatusSent  = "sent"
	StatusError = "error"
	// StatusSending exists for API symmetry with clients; rows are never
	// persisted in this state.
	StatusSending = "sending"

	// DefaultTitle is the sentinel replaced once a session has its first
	// exchange. A title changed away from it is never auto-overwritten.
	DefaultTitle = "New Chat"
)

// Session is a conversation container with denormalized stats so listing
// never has to scan messages.
type Session struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID          string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	Title              string    `gorm:"type:varchar(255);not null" json:"title"`
	Model              string    `gorm:"type:varchar(64);not null" json:"model"`
	MessageCount       int64     `gorm:"not null;default:0" json:"message_count"`
	LastMessagePreview string    `gorm:"type:varchar(255)" json:"last_message_preview"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `gorm:"index" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// FileAttachment carries either inline base64 data (images and other binary
// payloads) or extracted text content, never both. Error records a
// client-side processing failure for that file.
type FileAttachment struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Content  string `json:"content,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Message is one turn within a session. Timestamp is the retrieval ordering
// key; the autoincrement ID breaks ties in insertion order.
type Message struct {
	ID        uint64           `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID string           `gorm:"type:varchar(26);uniqueIndex;not null" json:"message_id"`
	SessionID string           `gorm:"type:varchar(26);not null;index:idx_chat_msg_session_ts,priority:1" json:"session_id"`
	Role      string           `gorm:"type:varchar(16);not null" json:"role"`
	Content   string           `gorm:"type:text;not null" json:"content"`
	Status    string           `gorm:"type:varchar(16);not null;default:sent" json:"status"`
	Files     []FileAttachment `gorm:"serializer:json" json:"files,omitempty"`
	ImageURL  string           `gorm:"type:text" json:"image_url,omitempty"`
	Timestamp time.Time        `gorm:"not null;index:idx_chat_msg_session_ts,priority:2" json:"timestamp"`
}

func (Message) TableName() string { return "chat_messages" }

// SessionExport is the read-side snapshot served as a download.
type SessionExport struct {
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	ExportedAt time.Time `json:"exported_at"`
}
