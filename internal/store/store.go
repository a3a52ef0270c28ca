// Package store defines the persistence contracts for the DAG-chat backend:
// a relational store for conversation headers and a document store for
// message nodes. Implementations live in the mysql, sqlite and mongo
// subpackages.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a (conversation_id, user_id) pair does not
// match any stored conversation.
var ErrNotFound = errors.New("not found")

// Message roles stored on nodes.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is the relational header row for one conversation.
type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Model      string    `json:"model"` // comma-joined set of provider names
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// MessageNode is one node of the conversation DAG. ID, ParentIDs and
// Children are document-store ids in hex form. Edges are mirrored: a node
// appears in its parents' Children and lists those parents in ParentIDs.
type MessageNode struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Reasoning      string    `json:"reasoning,omitempty"`
	Model          string    `json:"model,omitempty"`
	ParentIDs      []string  `json:"parent_ids"`
	Children       []string  `json:"children"`
	CreateTime     time.Time `json:"create_time"`
	UpdateTime     time.Time `json:"update_time"`
}

// ConversationStore persists conversation headers (t_conversations).
type ConversationStore interface {
	// Create inserts a header with an empty title.
	Create(ctx context.Context, id, userID, model string) error

	// List returns one page of the user's conversations ordered by
	// update_time descending, plus the total row count.
	List(ctx context.Context, userID string, page, pageSize int) ([]Conversation, int, error)

	// Rename updates the title. Returns ErrNotFound when (id, userID)
	// matches nothing.
	Rename(ctx context.Context, id, userID, title string) error

	// Delete removes the header only; message nodes are deleted separately
	// through the NodeStore.
	Delete(ctx context.Context, id, userID string) error

	// SetTitle writes the generated title and bumps update_time.
	SetTitle(ctx context.Context, id, title string) error

	// Touch bumps update_time.
	Touch(ctx context.Context, id string) error

	// ReadModels returns the comma-joined model set.
	ReadModels(ctx context.Context, id string) (string, error)

	// WriteModels replaces the comma-joined model set and bumps update_time.
	WriteModels(ctx context.Context, id, models string) error

	// AppendModel applies the model-set update rule for one provider name.
	AppendModel(ctx context.Context, id, model string) error

	Ping(ctx context.Context) error
	Close() error
}

// NodeStore persists message nodes in the document store.
type NodeStore interface {
	// Insert stores a node, filling create_time/update_time when zero, and
	// returns the generated node id in hex form.
	Insert(ctx context.Context, node *MessageNode) (string, error)

	// FindByIDs is a batched primary-key lookup. Malformed ids are skipped.
	FindByIDs(ctx context.Context, ids []string) ([]MessageNode, error)

	// FindByConversation returns every node of one conversation ordered by
	// create_time ascending.
	FindByConversation(ctx context.Context, conversationID string) ([]MessageNode, error)

	// AddChild appends childID to the node's children unless already
	// present. A missing node id is a no-op so edge maintenance stays
	// idempotent under retries.
	AddChild(ctx context.Context, id, childID string) error

	// DeleteByConversation cascades a conversation delete onto its nodes.
	DeleteByConversation(ctx context.Context, conversationID string) (int64, error)

	Ping(ctx context.Context) error
}

// MergeModels applies the model-set update rule: split the stored string on
// commas, trim, drop empties, append the incoming name when absent, rejoin.
// Insertion order is preserved so the stored set is stable.
func MergeModels(current, incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return current
	}
	if strings.TrimSpace(current) == "" {
		return incoming
	}
	models := make([]string, 0, 4)
	seen := make(map[string]bool)
	for _, m := range strings.Split(current, ",") {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	if !seen[incoming] {
		models = append(models, incoming)
	}
	return strings.Join(models, ",")
}
