// Package mongo hosts the MongoDB client used to update conversation
// messages.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultMessagesCollection = "messages"
	defaultOpTimeout          = 5 * time.Second
	clientName                = "conversation-mongo"
)

// StatusCanceled is the message status written when an answer is abandoned.
const StatusCanceled = "canceled"

// ErrMessageNotFound is returned when no message matches the thread and
// message ids.
var ErrMessageNotFound = errors.New("message not found")

type (
	// Client exposes the conversation message operations.
	Client interface {
		health.Pinger

		// MarkCanceled sets the message status to canceled. A message that is
		// already canceled keeps its first cancellation time.
		MarkCanceled(ctx context.Context, threadID, messageID string, at time.Time) error
	}

	// Options configures the Mongo conversation client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		messages collection
		timeout  time.Duration
	}

	messageDocument struct {
		ThreadID   string     `bson:"thread_id"`
		MessageID  string     `bson:"message_id"`
		Status     string     `bson:"status"`
		CanceledAt *time.Time `bson:"canceled_at,omitempty"`
		UpdatedAt  time.Time  `bson:"updated_at"`
	}
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultMessagesCollection
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	c, err := newClientWithCollection(opts.Client, coll, opts.Timeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) MarkCanceled(ctx context.Context, threadID, messageID string, at time.Time) error {
	if threadID == "" || messageID == "" {
		return errors.New("thread id and message id are required")
	}
	if at.IsZero() {
		return errors.New("canceled_at is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	at = at.UTC()
	filter := bson.M{"thread_id": threadID, "message_id": messageID}
	update := bson.A{
		bson.M{"$set": bson.M{
			"status":      StatusCanceled,
			"canceled_at": bson.M{"$ifNull": bson.A{"$canceled_at", at}},
			"updated_at":  at,
		}},
	}
	res, err := c.messages.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idx := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "thread_id", Value: 1},
			{Key: "message_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, idx)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, messages: coll, timeout: timeout}, nil
}

type collection interface {
	UpdateOne(ctx context.Context, filter, update any) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
