package circle

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return e.Message
}

// User is a chat participant identity.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	ImageURL  string `json:"profile_image,omitempty"`
}

// DisplayName returns the user's full name, falling back to the username.
func (u User) DisplayName() string {
	if u.FirstName != "" && u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.Username
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a direct or community messaging context.
type Conversation struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind,omitempty"` // "direct" or "community"
	Title         string     `json:"title,omitempty"`
	OtherUserID   string     `json:"other_user_id,omitempty"`
	OtherUserName string     `json:"other_user_name,omitempty"`
	OtherUserImg  string     `json:"other_user_image,omitempty"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastActivity  time.Time  `json:"last_activity,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// Message type tags carried in the message_type field.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
	TypeAudio = "audio"
	TypeFile  = "file"
)

// Message is a single chat message as delivered by the backend.
//
// ID is assigned by the server and is empty on entries that have not been
// confirmed yet. TempID is the client-chosen correlation id; it is always set
// on locally-originated messages and may be echoed back by the server.
type Message struct {
	ID             string     `json:"id,omitempty"`
	TempID         string     `json:"tempId,omitempty"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name,omitempty"`
	SenderUsername string     `json:"sender_username,omitempty"`
	Content        string     `json:"content"`
	Type           string     `json:"message_type"`
	MediaURL       string     `json:"media_url,omitempty"`
	MediaType      string     `json:"media_type,omitempty"`
	FileName       string     `json:"file_name,omitempty"`
	FileSize       int64      `json:"file_size,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// HasMedia reports whether the message carries a media attachment.
func (m Message) HasMedia() bool {
	return m.MediaURL != ""
}

// MediaUpload is the media-storage collaborator's response for an uploaded
// attachment.
type MediaUpload struct {
	URL      string `json:"media_url"`
	Type     string `json:"media_type"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// ============================================================================
// Wire events
// ============================================================================

// Event names used on the realtime channel.
const (
	EventSendMessage  = "send-message"
	EventNewMessage   = "new-message"
	EventTyping       = "typing"
	EventMarkRead     = "mark-read"
	EventMessagesRead = "messages-read"
	EventJoin         = "join-conversation"
)

// SendMessagePayload is the outbound send-message event body.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	TempID         string `json:"tempId"`
}

// TypingPayload is the bidirectional typing event body. UserID is set only on
// inbound events.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadPayload is the mark-read / messages-read event body.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// JoinPayload is the join-conversation event body.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// ============================================================================
// Pagination
// ============================================================================

// PageOptions paginate a message history fetch.
type PageOptions struct {
	Limit  int
	Before string
}
