package domain

import "context"

// TranscriptStore is the append-only persistence surface for conversations.
// Appends for a single chat are serialized by the implementation; distinct
// chats may be extended concurrently.
type TranscriptStore interface {
	CreateChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	SetLive(ctx context.Context, id string, live bool) error
	ClearChat(ctx context.Context, id string) (int, error)

	// CreateMessage appends a single message immediately and returns it
	// with store-assigned ID and Seq.
	CreateMessage(ctx context.Context, chatID string, msg MessageRecord) (*MessageRecord, error)
	// AppendBatch appends the turn's remaining messages in creation order
	// inside one transaction.
	AppendBatch(ctx context.Context, chatID string, msgs []MessageRecord) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]MessageRecord, error)
	MarkResponded(ctx context.Context, messageID string) error

	Close() error
}
