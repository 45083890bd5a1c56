// Package mongo marks abandoned answers canceled in the host application's
// MongoDB conversation collection. Build the low-level client with
// clients/mongo and pass it to NewConversations.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/answerstream/features/conversation/mongo/clients/mongo"
	"goa.design/answerstream/runtime/stream"
)

// Conversations implements stream.Conversations by delegating to the Mongo
// client.
type Conversations struct {
	client clientsmongo.Client
	now    func() time.Time
}

var _ stream.Conversations = (*Conversations)(nil)

// NewConversations returns a conversation record over client.
func NewConversations(client clientsmongo.Client) (*Conversations, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Conversations{client: client, now: time.Now}, nil
}

// MarkCanceled flags the answer message canceled. Messages the host never
// recorded are ignored.
func (c *Conversations) MarkCanceled(ctx context.Context, threadID, messageID string) error {
	err := c.client.MarkCanceled(ctx, threadID, messageID, c.now().UTC())
	if errors.Is(err, clientsmongo.ErrMessageNotFound) {
		return nil
	}
	return err
}
