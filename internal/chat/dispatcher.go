// Package chat orchestrates one conversational turn: assemble history from
// the message DAG, relay the provider's token stream to the client, and
// persist the new graph nodes once the stream completes.
package chat

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zm-bad/dagchat/internal/dag"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

const errStreamFailed = "流式响应失败"

// Request is the chat-turn input. ConversationID must reference an existing
// conversation; ParentIDs select the branch the new turn continues from.
type Request struct {
	Message        string   `json:"message"`
	UserID         string   `json:"user_id"`
	ConversationID string   `json:"conversation_id"`
	Model          string   `json:"model"`
	ParentIDs      []string `json:"parent_ids,omitempty"`
	DeepThinking   bool     `json:"deep_thinking"`
	SearchEnabled  bool     `json:"search_enabled"`
}

// FrameWriter delivers one SSE frame to the client. Implementations must
// flush on every call and return an error once the client is gone.
type FrameWriter interface {
	WriteFrame(v any) error
}

// Result reports what a completed turn persisted.
type Result struct {
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	Complete           bool   `json:"complete"`
}

// Dispatcher runs chat turns against the stores and the provider registry.
type Dispatcher struct {
	conversations store.ConversationStore
	nodes         store.NodeStore
	registry      *providers.Registry
	tracer        trace.Tracer
}

func NewDispatcher(conversations store.ConversationStore, nodes store.NodeStore, registry *providers.Registry) *Dispatcher {
	return &Dispatcher{
		conversations: conversations,
		nodes:         nodes,
		registry:      registry,
		tracer:        otel.Tracer("github.com/zm-bad/dagchat/internal/chat"),
	}
}

// Run executes one turn and writes SSE frames to sink until the turn ends.
// A client disconnect (failed frame write or canceled context) ends the turn
// silently: no error frame, nothing persisted.
func (d *Dispatcher) Run(ctx context.Context, req Request, sink FrameWriter) {
	ctx, span := d.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("model", req.Model),
		attribute.Int("parent_ids", len(req.ParentIDs)),
	))
	defer span.End()

	messages, firstAsk := d.buildHistory(ctx, req)
	messages = append(messages, providers.Message{Role: store.RoleUser, Content: req.Message})
	span.SetAttributes(attribute.Bool("first_ask", firstAsk))

	adapter := d.registry.Get(req.Model)
	if adapter == nil {
		_ = sink.WriteFrame(providers.Chunk{Error: "不支持的模型: " + req.Model})
		return
	}

	var (
		fullContent   []byte
		fullReasoning []byte
		upstreamErr   bool
	)
	errUpstream := errors.New("upstream error chunk")

	streamErr := adapter.Stream(ctx, messages, req.DeepThinking, func(chunk providers.Chunk) error {
		if chunk.Error != "" {
			upstreamErr = true
			if err := sink.WriteFrame(chunk); err != nil {
				return err
			}
			return errUpstream
		}
		fullContent = append(fullContent, chunk.Content...)
		fullReasoning = append(fullReasoning, chunk.Reasoning...)
		return sink.WriteFrame(providers.Chunk{Content: chunk.Content, Reasoning: chunk.Reasoning})
	})

	if upstreamErr {
		// Error frame already delivered; nothing is persisted.
		return
	}
	if streamErr != nil {
		if isClientGone(ctx, streamErr) {
			slog.Info("chat.client_disconnected", "conversation_id", req.ConversationID)
			return
		}
		slog.Error("chat.stream_failed", "conversation_id", req.ConversationID, "error", streamErr)
		span.RecordError(streamErr)
		_ = sink.WriteFrame(providers.Chunk{Error: errStreamFailed})
		return
	}

	// The client saw the whole reply; persistence must not be lost to a
	// late disconnect.
	persistCtx := context.WithoutCancel(ctx)
	result := d.persist(persistCtx, req, adapter, string(fullContent), string(fullReasoning), firstAsk)
	if result.UserMessageID == "" || result.AssistantMessageID == "" {
		return
	}
	result.Complete = true
	if err := sink.WriteFrame(result); err != nil {
		slog.Info("chat.final_frame_dropped", "conversation_id", req.ConversationID)
	}
}

// buildHistory resolves ParentIDs to the linearized ancestor history. An
// empty or unresolvable set means this is the conversation's first ask.
func (d *Dispatcher) buildHistory(ctx context.Context, req Request) ([]providers.Message, bool) {
	if len(req.ParentIDs) == 0 {
		return nil, true
	}

	ctx, span := d.tracer.Start(ctx, "chat.build_history")
	defer span.End()

	subdag, err := dag.Build(ctx, d.nodes, req.ParentIDs)
	if err != nil {
		slog.Error("chat.subdag_failed", "parent_ids", req.ParentIDs, "error", err)
		span.RecordError(err)
		return nil, true
	}
	if subdag.Empty() {
		slog.Warn("chat.no_history", "parent_ids", req.ParentIDs)
		return nil, true
	}

	ordered := dag.TopoSort(subdag)
	span.SetAttributes(attribute.Int("history.messages", len(ordered)))

	messages := make([]providers.Message, 0, len(ordered))
	for _, id := range ordered {
		node := subdag.Nodes[id]
		messages = append(messages, providers.Message{Role: node.Role, Content: node.Content})
	}
	return messages, false
}

// persist inserts the user and assistant nodes with mirrored edges, then
// updates the conversation header. Storage failures are logged and never
// surfaced: the tokens the client already saw stand.
func (d *Dispatcher) persist(ctx context.Context, req Request, adapter providers.Adapter, fullContent, fullReasoning string, firstAsk bool) Result {
	ctx, span := d.tracer.Start(ctx, "chat.persist")
	defer span.End()

	var result Result

	userNode := &store.MessageNode{
		ConversationID: req.ConversationID,
		Role:           store.RoleUser,
		Content:        req.Message,
		Model:          req.Model,
		ParentIDs:      req.ParentIDs,
	}
	userID, err := d.nodes.Insert(ctx, userNode)
	if err != nil {
		slog.Error("chat.persist_user_failed", "conversation_id", req.ConversationID, "error", err)
		span.RecordError(err)
		return result
	}
	result.UserMessageID = userID

	for _, parentID := range req.ParentIDs {
		if err := d.nodes.AddChild(ctx, parentID, userID); err != nil {
			slog.Error("chat.link_parent_failed", "parent_id", parentID, "child_id", userID, "error", err)
		}
	}

	assistantNode := &store.MessageNode{
		ConversationID: req.ConversationID,
		Role:           store.RoleAssistant,
		Content:        fullContent,
		Reasoning:      fullReasoning,
		Model:          req.Model,
		ParentIDs:      []string{userID},
	}
	assistantID, err := d.nodes.Insert(ctx, assistantNode)
	if err != nil {
		slog.Error("chat.persist_assistant_failed", "conversation_id", req.ConversationID, "error", err)
		span.RecordError(err)
		return result
	}
	result.AssistantMessageID = assistantID

	if err := d.nodes.AddChild(ctx, userID, assistantID); err != nil {
		slog.Error("chat.link_reply_failed", "user_id", userID, "assistant_id", assistantID, "error", err)
	}

	if firstAsk {
		title := adapter.Title(ctx, req.Message, fullContent)
		if err := d.conversations.SetTitle(ctx, req.ConversationID, title); err != nil {
			slog.Error("chat.set_title_failed", "conversation_id", req.ConversationID, "error", err)
		} else {
			slog.Info("chat.title_set", "conversation_id", req.ConversationID, "title", title)
		}
	} else {
		if err := d.conversations.Touch(ctx, req.ConversationID); err != nil {
			slog.Error("chat.touch_failed", "conversation_id", req.ConversationID, "error", err)
		}
	}
	if err := d.conversations.AppendModel(ctx, req.ConversationID, req.Model); err != nil {
		slog.Error("chat.append_model_failed", "conversation_id", req.ConversationID, "error", err)
	}

	return result
}

// isClientGone reports whether a stream error means the client disconnected
// rather than the pipeline failing.
func isClientGone(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}
