package domain

import (
	"time"
)

// AttachmentPlaceholder is the body sent with attachment-only messages.
const AttachmentPlaceholder = "(attachment)"

// SenderType classifies who authored a message.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAdmin SenderType = "admin"
	SenderAI    SenderType = "ai"
)

// Attachment is an uploaded file reference. Type is a MIME-class string.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Message is a single chat message as carried on the channel.
type Message struct {
	SessionID      string     `json:"sessionId"`
	Body           string     `json:"message"`
	Sender         string     `json:"sender"`
	SenderType     SenderType `json:"senderType"`
	AttachmentURL  string     `json:"attachmentUrl,omitempty"`
	AttachmentType string     `json:"attachmentType,omitempty"`
	IsAI           bool       `json:"isAi,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// HasAttachment returns true if the message references an uploaded file.
func (m *Message) HasAttachment() bool {
	return m.AttachmentURL != ""
}

// Attachment returns the message attachment, or nil.
func (m *Message) Attachment() *Attachment {
	if !m.HasAttachment() {
		return nil
	}
	return &Attachment{URL: m.AttachmentURL, Type: m.AttachmentType}
}

// HistoryRecord is a stored message as returned by the history endpoint.
type HistoryRecord struct {
	SessionID      string     `json:"session_id"`
	Message        string     `json:"message"`
	Sender         string     `json:"sender"`
	SenderType     SenderType `json:"sender_type"`
	AttachmentURL  string     `json:"attachment_url,omitempty"`
	AttachmentType string     `json:"attachment_type,omitempty"`
	IsAI           bool       `json:"is_ai"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ToMessage converts a history record to its channel form.
// IsAI is only honored on non-user messages.
func (r HistoryRecord) ToMessage() Message {
	return Message{
		SessionID:      r.SessionID,
		Body:           r.Message,
		Sender:         r.Sender,
		SenderType:     r.SenderType,
		AttachmentURL:  r.AttachmentURL,
		AttachmentType: r.AttachmentType,
		IsAI:           r.IsAI && r.SenderType != SenderUser,
		Timestamp:      r.CreatedAt,
	}
}

// RecordFromMessage converts a channel message to its stored form.
func RecordFromMessage(m Message) HistoryRecord {
	return HistoryRecord{
		SessionID:      m.SessionID,
		Message:        m.Body,
		Sender:         m.Sender,
		SenderType:     m.SenderType,
		AttachmentURL:  m.AttachmentURL,
		AttachmentType: m.AttachmentType,
		IsAI:           m.IsAI && m.SenderType != SenderUser,
		CreatedAt:      m.Timestamp,
	}
}
