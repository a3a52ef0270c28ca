package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

type memConversations struct {
	titles  map[string]string
	models  map[string]string
	touched int
}

func newMemConversations() *memConversations {
	return &memConversations{titles: map[string]string{}, models: map[string]string{}}
}

func (m *memConversations) Create(_ context.Context, id, userID, model string) error { return nil }
func (m *memConversations) List(_ context.Context, userID string, page, pageSize int) ([]store.Conversation, int, error) {
	return nil, 0, nil
}
func (m *memConversations) Rename(_ context.Context, id, userID, title string) error { return nil }
func (m *memConversations) Delete(_ context.Context, id, userID string) error        { return nil }
func (m *memConversations) SetTitle(_ context.Context, id, title string) error {
	m.titles[id] = title
	return nil
}
func (m *memConversations) Touch(_ context.Context, id string) error {
	m.touched++
	return nil
}
func (m *memConversations) ReadModels(_ context.Context, id string) (string, error) {
	return m.models[id], nil
}
func (m *memConversations) WriteModels(_ context.Context, id, models string) error {
	m.models[id] = models
	return nil
}
func (m *memConversations) AppendModel(_ context.Context, id, model string) error {
	m.models[id] = store.MergeModels(m.models[id], model)
	return nil
}
func (m *memConversations) Ping(_ context.Context) error { return nil }
func (m *memConversations) Close() error                 { return nil }

type memNodes struct {
	nodes map[string]*store.MessageNode
	order []string
	seq   int
}

func newMemNodes() *memNodes {
	return &memNodes{nodes: map[string]*store.MessageNode{}}
}

func (m *memNodes) put(n store.MessageNode) {
	cp := n
	m.nodes[n.ID] = &cp
	m.order = append(m.order, n.ID)
}

func (m *memNodes) Insert(_ context.Context, node *store.MessageNode) (string, error) {
	m.seq++
	id := fmt.Sprintf("node-%d", m.seq)
	cp := *node
	cp.ID = id
	m.nodes[id] = &cp
	m.order = append(m.order, id)
	node.ID = id
	return id, nil
}

func (m *memNodes) FindByIDs(_ context.Context, ids []string) ([]store.MessageNode, error) {
	var out []store.MessageNode
	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (m *memNodes) FindByConversation(_ context.Context, conversationID string) ([]store.MessageNode, error) {
	var out []store.MessageNode
	for _, id := range m.order {
		if m.nodes[id].ConversationID == conversationID {
			out = append(out, *m.nodes[id])
		}
	}
	return out, nil
}

func (m *memNodes) AddChild(_ context.Context, id, childID string) error {
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	for _, c := range n.Children {
		if c == childID {
			return nil
		}
	}
	n.Children = append(n.Children, childID)
	return nil
}

func (m *memNodes) DeleteByConversation(_ context.Context, conversationID string) (int64, error) {
	var n int64
	for id, node := range m.nodes {
		if node.ConversationID == conversationID {
			delete(m.nodes, id)
			n++
		}
	}
	return n, nil
}

func (m *memNodes) Ping(_ context.Context) error { return nil }

// frameRecorder captures the SSE frames a turn produces.
type frameRecorder struct {
	frames []any
}

func (f *frameRecorder) WriteFrame(v any) error {
	f.frames = append(f.frames, v)
	return nil
}

// scriptAdapter emits fixed chunks and records the history it was given.
type scriptAdapter struct {
	chunks    []providers.Chunk
	streamErr error
	title     string
	gotMsgs   []providers.Message
}

func (a *scriptAdapter) Name() string { return "script" }

func (a *scriptAdapter) Stream(ctx context.Context, messages []providers.Message, _ bool, onChunk func(providers.Chunk) error) error {
	a.gotMsgs = messages
	for _, c := range a.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return a.streamErr
}

func (a *scriptAdapter) Title(_ context.Context, _, _ string) string { return a.title }

func newTestDispatcher(adapter providers.Adapter) (*Dispatcher, *memConversations, *memNodes) {
	conversations := newMemConversations()
	nodes := newMemNodes()
	registry := providers.NewRegistry()
	registry.Register("deepseek", func() (providers.Adapter, error) { return adapter, nil })
	return NewDispatcher(conversations, nodes, registry), conversations, nodes
}

func TestRun_FirstAskPersistsAndTitles(t *testing.T) {
	adapter := &scriptAdapter{
		chunks: []providers.Chunk{
			{Reasoning: "thinking"},
			{Content: "Hello"},
			{Content: " world"},
		},
		title: "问候",
	}
	d, conversations, nodes := newTestDispatcher(adapter)

	sink := &frameRecorder{}
	d.Run(context.Background(), Request{
		Message:        "hi",
		UserID:         "u1",
		ConversationID: "conv1",
		Model:          "deepseek",
	}, sink)

	// 3 relay frames plus the final result frame.
	if len(sink.frames) != 4 {
		t.Fatalf("got %d frames, want 4: %+v", len(sink.frames), sink.frames)
	}
	result, ok := sink.frames[3].(Result)
	if !ok {
		t.Fatalf("last frame is %T, want Result", sink.frames[3])
	}
	if !result.Complete || result.UserMessageID == "" || result.AssistantMessageID == "" {
		t.Errorf("incomplete result frame: %+v", result)
	}

	userNode := nodes.nodes[result.UserMessageID]
	assistantNode := nodes.nodes[result.AssistantMessageID]
	if userNode == nil || assistantNode == nil {
		t.Fatal("persisted nodes missing")
	}
	if userNode.Role != store.RoleUser || userNode.Content != "hi" {
		t.Errorf("user node = %+v", userNode)
	}
	if assistantNode.Content != "Hello world" || assistantNode.Reasoning != "thinking" {
		t.Errorf("assistant node = %+v", assistantNode)
	}
	if len(assistantNode.ParentIDs) != 1 || assistantNode.ParentIDs[0] != result.UserMessageID {
		t.Errorf("assistant parents = %v, want [%s]", assistantNode.ParentIDs, result.UserMessageID)
	}
	if len(userNode.Children) != 1 || userNode.Children[0] != result.AssistantMessageID {
		t.Errorf("user children = %v, want [%s]", userNode.Children, result.AssistantMessageID)
	}

	if conversations.titles["conv1"] != "问候" {
		t.Errorf("title = %q, want generated title", conversations.titles["conv1"])
	}
	if conversations.models["conv1"] != "deepseek" {
		t.Errorf("models = %q, want deepseek", conversations.models["conv1"])
	}
	if conversations.touched != 0 {
		t.Error("first ask must set the title, not touch")
	}

	// First ask carries only the new user message.
	if len(adapter.gotMsgs) != 1 || adapter.gotMsgs[0].Content != "hi" {
		t.Errorf("history = %+v, want just the new message", adapter.gotMsgs)
	}
}

func TestRun_FollowUpBuildsHistoryAndLinksParents(t *testing.T) {
	adapter := &scriptAdapter{chunks: []providers.Chunk{{Content: "sure"}}}
	d, conversations, nodes := newTestDispatcher(adapter)

	nodes.put(store.MessageNode{ID: "q1", ConversationID: "conv1", Role: store.RoleUser, Content: "first question"})
	nodes.put(store.MessageNode{ID: "a1", ConversationID: "conv1", Role: store.RoleAssistant, Content: "first answer", ParentIDs: []string{"q1"}})

	sink := &frameRecorder{}
	d.Run(context.Background(), Request{
		Message:        "follow up",
		UserID:         "u1",
		ConversationID: "conv1",
		Model:          "deepseek",
		ParentIDs:      []string{"a1"},
	}, sink)

	want := []string{"first question", "first answer", "follow up"}
	if len(adapter.gotMsgs) != len(want) {
		t.Fatalf("history has %d messages, want %d: %+v", len(adapter.gotMsgs), len(want), adapter.gotMsgs)
	}
	for i, content := range want {
		if adapter.gotMsgs[i].Content != content {
			t.Errorf("history[%d] = %q, want %q", i, adapter.gotMsgs[i].Content, content)
		}
	}

	result := sink.frames[len(sink.frames)-1].(Result)
	parent := nodes.nodes["a1"]
	if len(parent.Children) != 1 || parent.Children[0] != result.UserMessageID {
		t.Errorf("parent children = %v, want the new user node", parent.Children)
	}
	userNode := nodes.nodes[result.UserMessageID]
	if len(userNode.ParentIDs) != 1 || userNode.ParentIDs[0] != "a1" {
		t.Errorf("user parents = %v, want [a1]", userNode.ParentIDs)
	}

	if conversations.touched != 1 {
		t.Errorf("touched = %d, want 1", conversations.touched)
	}
	if _, ok := conversations.titles["conv1"]; ok {
		t.Error("follow-up must not regenerate the title")
	}
}

func TestRun_UnsupportedModel(t *testing.T) {
	d, _, nodes := newTestDispatcher(&scriptAdapter{})

	sink := &frameRecorder{}
	d.Run(context.Background(), Request{
		Message:        "hi",
		ConversationID: "conv1",
		Model:          "gpt-99",
	}, sink)

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	chunk := sink.frames[0].(providers.Chunk)
	if !strings.Contains(chunk.Error, "不支持的模型") || !strings.Contains(chunk.Error, "gpt-99") {
		t.Errorf("error frame = %+v", chunk)
	}
	if len(nodes.nodes) != 0 {
		t.Error("nothing may be persisted for an unsupported model")
	}
}

func TestRun_UpstreamErrorChunk(t *testing.T) {
	adapter := &scriptAdapter{chunks: []providers.Chunk{
		{Content: "partial"},
		{Error: "模型服务暂不可用"},
	}}
	d, conversations, nodes := newTestDispatcher(adapter)

	sink := &frameRecorder{}
	d.Run(context.Background(), Request{
		Message:        "hi",
		ConversationID: "conv1",
		Model:          "deepseek",
	}, sink)

	last := sink.frames[len(sink.frames)-1].(providers.Chunk)
	if last.Error == "" {
		t.Errorf("last frame should carry the upstream error, got %+v", last)
	}
	if len(nodes.nodes) != 0 {
		t.Error("a failed stream must not be persisted")
	}
	if len(conversations.titles) != 0 || len(conversations.models) != 0 {
		t.Error("conversation header must stay untouched after a failed stream")
	}
}

func TestRun_ClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adapter := &scriptAdapter{chunks: []providers.Chunk{
		{Content: "one"},
		{Content: "two"},
	}}
	// Cancel after the first chunk reaches the sink.
	d, _, nodes := newTestDispatcher(adapter)

	sink := &cancellingSink{cancel: cancel, after: 1}
	d.Run(ctx, Request{
		Message:        "hi",
		ConversationID: "conv1",
		Model:          "deepseek",
	}, sink)

	for _, f := range sink.frames {
		if c, ok := f.(providers.Chunk); ok && c.Error != "" {
			t.Errorf("disconnect must not produce an error frame, got %+v", c)
		}
		if _, ok := f.(Result); ok {
			t.Error("disconnect must not produce a final frame")
		}
	}
	if len(nodes.nodes) != 0 {
		t.Error("a disconnected turn must not be persisted")
	}
}

func TestRun_StreamFailure(t *testing.T) {
	adapter := &scriptAdapter{
		chunks:    []providers.Chunk{{Content: "part"}},
		streamErr: errors.New("connection reset"),
	}
	d, _, nodes := newTestDispatcher(adapter)

	sink := &frameRecorder{}
	d.Run(context.Background(), Request{
		Message:        "hi",
		ConversationID: "conv1",
		Model:          "deepseek",
	}, sink)

	last := sink.frames[len(sink.frames)-1].(providers.Chunk)
	if last.Error != errStreamFailed {
		t.Errorf("last frame error = %q, want %q", last.Error, errStreamFailed)
	}
	if len(nodes.nodes) != 0 {
		t.Error("a failed stream must not be persisted")
	}
}

func TestRun_ModelSetAccumulates(t *testing.T) {
	adapter := &scriptAdapter{chunks: []providers.Chunk{{Content: "ok"}}, title: "t"}
	d, conversations, nodes := newTestDispatcher(adapter)
	nodes.put(store.MessageNode{ID: "a1", ConversationID: "conv1", Role: store.RoleAssistant, Content: "prev"})
	conversations.models["conv1"] = "qwen"

	sink := &frameRecorder{}
	d.Run(context.Background(), Request{
		Message:        "hi",
		ConversationID: "conv1",
		Model:          "deepseek",
		ParentIDs:      []string{"a1"},
	}, sink)

	if got := conversations.models["conv1"]; got != "qwen,deepseek" {
		t.Errorf("models = %q, want qwen,deepseek", got)
	}
}

// cancellingSink cancels the request context after `after` frames, like a
// client that closes the SSE connection mid-stream.
type cancellingSink struct {
	frames []any
	cancel context.CancelFunc
	after  int
}

func (s *cancellingSink) WriteFrame(v any) error {
	s.frames = append(s.frames, v)
	if len(s.frames) >= s.after {
		s.cancel()
	}
	return nil
}
