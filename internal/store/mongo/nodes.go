// Package mongo implements store.NodeStore on MongoDB. Message nodes are
// document-shaped (variable-arity parents and children), so the only queries
// are batched primary-key lookups and a per-conversation scan.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/zm-bad/dagchat/internal/store"
)

const (
	defaultCollection = "message_node"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Mongo node store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// NodeStore implements store.NodeStore backed by a MongoDB collection.
type NodeStore struct {
	client  *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

type nodeDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID string             `bson:"conversation_id"`
	Role           string             `bson:"role"`
	Content        string             `bson:"content"`
	Reasoning      string             `bson:"reasoning,omitempty"`
	Model          string             `bson:"model,omitempty"`
	ParentIDs      []string           `bson:"parent_ids"`
	Children       []string           `bson:"children"`
	CreateTime     time.Time          `bson:"create_time"`
	UpdateTime     time.Time          `bson:"update_time"`
}

// Connect dials MongoDB and returns a node store on the message_node
// collection, ensuring the conversation index exists.
func Connect(ctx context.Context, uri, database string) (*NodeStore, error) {
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return New(Options{Client: client, Database: database})
}

// New builds a node store from an existing client.
func New(opts Options) (*NodeStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collection)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "create_time", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure message_node index: %w", err)
	}

	return &NodeStore{client: opts.Client, coll: coll, timeout: timeout}, nil
}

func (s *NodeStore) Insert(ctx context.Context, node *store.MessageNode) (string, error) {
	if node.ConversationID == "" {
		return "", errors.New("conversation id is required")
	}
	if node.Role == "" {
		return "", errors.New("role is required")
	}

	now := time.Now()
	doc := nodeDocument{
		ConversationID: node.ConversationID,
		Role:           node.Role,
		Content:        node.Content,
		Reasoning:      node.Reasoning,
		Model:          node.Model,
		ParentIDs:      append([]string(nil), node.ParentIDs...),
		Children:       append([]string(nil), node.Children...),
		CreateTime:     node.CreateTime,
		UpdateTime:     node.UpdateTime,
	}
	if doc.ParentIDs == nil {
		doc.ParentIDs = []string{}
	}
	if doc.Children == nil {
		doc.Children = []string{}
	}
	if doc.CreateTime.IsZero() {
		doc.CreateTime = now
	}
	if doc.UpdateTime.IsZero() {
		doc.UpdateTime = now
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert message node: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	node.ID = oid.Hex()
	node.CreateTime = doc.CreateTime
	node.UpdateTime = doc.UpdateTime
	return node.ID, nil
}

func (s *NodeStore) FindByIDs(ctx context.Context, ids []string) ([]store.MessageNode, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			slog.Warn("nodes.invalid_id_skipped", "id", id)
			continue
		}
		oids = append(oids, oid)
	}
	if len(oids) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, fmt.Errorf("find nodes by ids: %w", err)
	}
	return decodeNodes(ctx, cur)
}

func (s *NodeStore) FindByConversation(ctx context.Context, conversationID string) ([]store.MessageNode, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "create_time", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find nodes by conversation: %w", err)
	}
	return decodeNodes(ctx, cur)
}

// AddChild uses $addToSet so concurrent or retried appends stay idempotent.
func (s *NodeStore) AddChild(ctx context.Context, id, childID string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid node id %q: %w", id, err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.coll.UpdateByID(ctx, oid, bson.M{
		"$addToSet": bson.M{"children": childID},
		"$set":      bson.M{"update_time": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("add child %s to %s: %w", childID, id, err)
	}
	return nil
}

func (s *NodeStore) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.DeleteMany(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return 0, fmt.Errorf("delete nodes by conversation: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *NodeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client.
func (s *NodeStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *NodeStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func decodeNodes(ctx context.Context, cur *mongodriver.Cursor) (nodes []store.MessageNode, err error) {
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc nodeDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message node: %w", err)
		}
		nodes = append(nodes, store.MessageNode{
			ID:             doc.ID.Hex(),
			ConversationID: doc.ConversationID,
			Role:           doc.Role,
			Content:        doc.Content,
			Reasoning:      doc.Reasoning,
			Model:          doc.Model,
			ParentIDs:      doc.ParentIDs,
			Children:       doc.Children,
			CreateTime:     doc.CreateTime,
			UpdateTime:     doc.UpdateTime,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

var _ store.NodeStore = (*NodeStore)(nil)
