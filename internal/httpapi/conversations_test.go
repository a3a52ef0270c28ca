package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zm-bad/dagchat/internal/chat"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

type stubConversations struct {
	created    []store.Conversation
	list       []store.Conversation
	total      int
	lastPage   int
	lastSize   int
	createErr  error
	renameErr  error
	deleteErr  error
	pingErr    error
	deletedIDs []string
}

func (s *stubConversations) Create(_ context.Context, id, userID, model string) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, store.Conversation{ID: id, UserID: userID, Model: model})
	return nil
}
func (s *stubConversations) List(_ context.Context, userID string, page, pageSize int) ([]store.Conversation, int, error) {
	s.lastPage, s.lastSize = page, pageSize
	return s.list, s.total, nil
}
func (s *stubConversations) Rename(_ context.Context, id, userID, title string) error {
	return s.renameErr
}
func (s *stubConversations) Delete(_ context.Context, id, userID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletedIDs = append(s.deletedIDs, id)
	return nil
}
func (s *stubConversations) SetTitle(_ context.Context, id, title string) error { return nil }
func (s *stubConversations) Touch(_ context.Context, id string) error           { return nil }
func (s *stubConversations) ReadModels(_ context.Context, id string) (string, error) {
	return "", nil
}
func (s *stubConversations) WriteModels(_ context.Context, id, models string) error { return nil }
func (s *stubConversations) AppendModel(_ context.Context, id, model string) error  { return nil }
func (s *stubConversations) Ping(_ context.Context) error                           { return s.pingErr }
func (s *stubConversations) Close() error                                           { return nil }

type stubNodes struct {
	byConversation map[string][]store.MessageNode
	deleted        []string
	seq            int
}

func (s *stubNodes) Insert(_ context.Context, node *store.MessageNode) (string, error) {
	s.seq++
	node.ID = fmt.Sprintf("node-%d", s.seq)
	if s.byConversation == nil {
		s.byConversation = map[string][]store.MessageNode{}
	}
	s.byConversation[node.ConversationID] = append(s.byConversation[node.ConversationID], *node)
	return node.ID, nil
}
func (s *stubNodes) FindByIDs(_ context.Context, ids []string) ([]store.MessageNode, error) {
	return nil, nil
}
func (s *stubNodes) FindByConversation(_ context.Context, conversationID string) ([]store.MessageNode, error) {
	return s.byConversation[conversationID], nil
}
func (s *stubNodes) AddChild(_ context.Context, id, childID string) error { return nil }
func (s *stubNodes) DeleteByConversation(_ context.Context, conversationID string) (int64, error) {
	s.deleted = append(s.deleted, conversationID)
	return int64(len(s.byConversation[conversationID])), nil
}
func (s *stubNodes) Ping(_ context.Context) error { return nil }

func newTestServer(opts Options, adapter providers.Adapter) (*Server, *stubConversations, *stubNodes) {
	conversations := &stubConversations{}
	nodes := &stubNodes{}
	registry := providers.NewRegistry()
	if adapter != nil {
		registry.Register("deepseek", func() (providers.Adapter, error) { return adapter, nil })
	}
	dispatcher := chat.NewDispatcher(conversations, nodes, registry)
	return NewServer(opts, dispatcher, conversations, nodes, registry), conversations, nodes
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	return env
}

func TestCreateConversation(t *testing.T) {
	s, conversations, _ := newTestServer(Options{}, nil)

	rec := do(s, http.MethodPost, "/api/v1/create-conversation", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["conversation_id"] == "" {
		t.Fatalf("missing conversation_id: %s", rec.Body.String())
	}

	if len(conversations.created) != 1 {
		t.Fatalf("created %d rows", len(conversations.created))
	}
	created := conversations.created[0]
	if created.UserID != defaultUserID || created.Model != defaultModel {
		t.Errorf("defaults not applied: %+v", created)
	}
}

func TestCreateConversation_StoreFailure(t *testing.T) {
	s, conversations, _ := newTestServer(Options{}, nil)
	conversations.createErr = errors.New("db down")

	rec := do(s, http.MethodPost, "/api/v1/create-conversation", `{"user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "创建对话失败：数据库插入失败" {
		t.Errorf("error = %q", resp["error"])
	}
}

func TestCreateConversation_BadJSON(t *testing.T) {
	s, _, _ := newTestServer(Options{}, nil)
	rec := do(s, http.MethodPost, "/api/v1/create-conversation", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDialogueList(t *testing.T) {
	s, conversations, _ := newTestServer(Options{}, nil)
	conversations.total = 0

	rec := do(s, http.MethodGet, "/api/v1/dialogue/list?page=0&page_size=500", "")
	env := decodeEnvelope(t, rec)
	if env.Code != 0 {
		t.Fatalf("code = %d: %s", env.Code, env.Message)
	}

	if conversations.lastPage != 1 {
		t.Errorf("page clamped to %d, want 1", conversations.lastPage)
	}
	if conversations.lastSize != maxPageSize {
		t.Errorf("page_size clamped to %d, want %d", conversations.lastSize, maxPageSize)
	}

	data := env.Data.(map[string]any)
	if _, ok := data["list"].([]any); !ok {
		t.Errorf("list must be a JSON array even when empty, got %T", data["list"])
	}
}

func TestDialogueHistory(t *testing.T) {
	s, _, nodes := newTestServer(Options{}, nil)
	nodes.byConversation = map[string][]store.MessageNode{
		"conv1": {
			{ID: "n1", Role: store.RoleUser, Content: "hi", ParentIDs: []string{}, Children: []string{"n2"}},
			{ID: "n2", Role: store.RoleAssistant, Content: "hello", Reasoning: "let me think", ParentIDs: []string{"n1"}, Children: []string{}},
		},
	}

	rec := do(s, http.MethodGet, "/api/v1/dialogue/history?dialogue_id=conv1", "")
	env := decodeEnvelope(t, rec)
	if env.Code != 0 {
		t.Fatalf("code = %d", env.Code)
	}

	items := env.Data.([]any)
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}

	user := items[0].(map[string]any)
	if _, ok := user["thinkingContent"]; ok {
		t.Error("node without reasoning must omit thinkingContent")
	}

	assistant := items[1].(map[string]any)
	if assistant["thinkingContent"] != "let me think" {
		t.Errorf("thinkingContent = %v", assistant["thinkingContent"])
	}
	if assistant["isThinkingExpanded"] != false {
		t.Errorf("isThinkingExpanded = %v, want false", assistant["isThinkingExpanded"])
	}
}

func TestDialogueHistory_MissingID(t *testing.T) {
	s, _, _ := newTestServer(Options{}, nil)
	rec := do(s, http.MethodGet, "/api/v1/dialogue/history", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDialogueRename(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		renameErr  error
		wantStatus int
		wantCode   int
	}{
		{"success", "/api/v1/dialogue/rename?conversation_id=c1&user_id=u1&new_title=t", nil, 200, 0},
		{"missing params", "/api/v1/dialogue/rename?new_title=t", nil, 400, 400},
		{"missing title", "/api/v1/dialogue/rename?conversation_id=c1&user_id=u1", nil, 400, 400},
		{"oversize title", "/api/v1/dialogue/rename?conversation_id=c1&user_id=u1&new_title=" + strings.Repeat("x", 65), nil, 400, 400},
		{"not found", "/api/v1/dialogue/rename?conversation_id=c1&user_id=u1&new_title=t", store.ErrNotFound, 200, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, conversations, _ := newTestServer(Options{}, nil)
			conversations.renameErr = tt.renameErr

			rec := do(s, http.MethodPut, tt.target, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if env := decodeEnvelope(t, rec); env.Code != tt.wantCode {
				t.Errorf("envelope code = %d, want %d", env.Code, tt.wantCode)
			}
		})
	}
}

func TestDialogueRename_NotFoundMessage(t *testing.T) {
	s, conversations, _ := newTestServer(Options{}, nil)
	conversations.renameErr = store.ErrNotFound

	rec := do(s, http.MethodPut, "/api/v1/dialogue/rename?conversation_id=c1&user_id=u1&new_title=t", "")
	env := decodeEnvelope(t, rec)
	if env.Message != "对话不存在或无权限" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestDialogueDelete(t *testing.T) {
	s, conversations, nodes := newTestServer(Options{}, nil)
	nodes.byConversation = map[string][]store.MessageNode{
		"c1": {{ID: "n1"}, {ID: "n2"}},
	}

	rec := do(s, http.MethodDelete, "/api/v1/dialogue/delete?conversation_id=c1&user_id=u1", "")
	env := decodeEnvelope(t, rec)
	if env.Code != 0 {
		t.Fatalf("code = %d: %s", env.Code, env.Message)
	}

	if len(nodes.deleted) != 1 || nodes.deleted[0] != "c1" {
		t.Errorf("node cascade = %v", nodes.deleted)
	}
	if len(conversations.deletedIDs) != 1 || conversations.deletedIDs[0] != "c1" {
		t.Errorf("header delete = %v", conversations.deletedIDs)
	}

	data := env.Data.(map[string]any)
	if data["deleted_messages"] != float64(2) {
		t.Errorf("deleted_messages = %v, want 2", data["deleted_messages"])
	}
}

func TestDialogueDelete_NotFound(t *testing.T) {
	s, conversations, _ := newTestServer(Options{}, nil)
	conversations.deleteErr = store.ErrNotFound

	rec := do(s, http.MethodDelete, "/api/v1/dialogue/delete?conversation_id=c1&user_id=u1", "")
	env := decodeEnvelope(t, rec)
	if rec.Code != http.StatusOK || env.Code != 500 || env.Message != "对话不存在或无权限" {
		t.Errorf("status %d, envelope %+v", rec.Code, env)
	}
}

func TestModels(t *testing.T) {
	s, _, _ := newTestServer(Options{}, &stubAdapter{})

	rec := do(s, http.MethodGet, "/api/v1/models", "")
	var resp struct {
		Models []struct {
			Name        string `json:"name"`
			DisplayName string `json:"display_name"`
		} `json:"models"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || len(resp.Models) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Models[0].Name != "deepseek" || resp.Models[0].DisplayName != "DeepSeek" {
		t.Errorf("model entry = %+v", resp.Models[0])
	}
}

func TestHealth(t *testing.T) {
	s, conversations, _ := newTestServer(Options{}, nil)

	rec := do(s, http.MethodGet, "/api/v1/health", "")
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("status = %v", resp["status"])
	}

	conversations.pingErr = errors.New("mysql gone")
	rec = do(s, http.MethodGet, "/api/v1/health", "")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}
