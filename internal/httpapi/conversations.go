package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zm-bad/dagchat/internal/store"
)

const (
	defaultUserID = "zm-bad"
	defaultModel  = "deepseek"

	maxTitleLen     = 64
	defaultPageSize = 20
	maxPageSize     = 100
)

type createConversationRequest struct {
	UserID string `json:"user_id"`
	Model  string `json:"model"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	conversationID := uuid.NewString()
	if err := s.conversations.Create(r.Context(), conversationID, req.UserID, req.Model); err != nil {
		slog.Error("conversation.create_failed", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"error": "创建对话失败：数据库插入失败"})
		return
	}

	slog.Info("conversation.created", "conversation_id", conversationID, "user_id", req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": conversationID})
}

func (s *Server) handleDialogueList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = defaultUserID
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaultPageSize)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	list, total, err := s.conversations.List(r.Context(), userID, page, pageSize)
	if err != nil {
		slog.Error("conversation.list_failed", "user_id", userID, "error", err)
		fail(w, http.StatusOK, 500, "获取对话列表失败: "+err.Error())
		return
	}
	if list == nil {
		list = []store.Conversation{}
	}

	ok(w, map[string]any{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type historyItem struct {
	ID                 string   `json:"id"`
	Content            string   `json:"content"`
	Role               string   `json:"role"`
	ParentIDs          []string `json:"parent_ids"`
	Children           []string `json:"children"`
	Model              string   `json:"model,omitempty"`
	ThinkingContent    string   `json:"thinkingContent,omitempty"`
	IsThinkingExpanded *bool    `json:"isThinkingExpanded,omitempty"`
}

func (s *Server) handleDialogueHistory(w http.ResponseWriter, r *http.Request) {
	dialogueID := r.URL.Query().Get("dialogue_id")
	if dialogueID == "" {
		fail(w, http.StatusBadRequest, 400, "dialogue_id is required")
		return
	}

	nodes, err := s.nodes.FindByConversation(r.Context(), dialogueID)
	if err != nil {
		slog.Error("conversation.history_failed", "dialogue_id", dialogueID, "error", err)
		fail(w, http.StatusOK, 500, "获取对话历史失败: "+err.Error())
		return
	}

	items := make([]historyItem, 0, len(nodes))
	for _, node := range nodes {
		item := historyItem{
			ID:        node.ID,
			Content:   node.Content,
			Role:      node.Role,
			ParentIDs: node.ParentIDs,
			Children:  node.Children,
			Model:     node.Model,
		}
		if node.Reasoning != "" {
			collapsed := false
			item.ThinkingContent = node.Reasoning
			item.IsThinkingExpanded = &collapsed
		}
		items = append(items, item)
	}
	ok(w, items)
}

func (s *Server) handleDialogueRename(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	userID := r.URL.Query().Get("user_id")
	newTitle := r.URL.Query().Get("new_title")

	if conversationID == "" || userID == "" {
		fail(w, http.StatusBadRequest, 400, "conversation_id and user_id are required")
		return
	}
	if newTitle == "" {
		fail(w, http.StatusBadRequest, 400, "new_title is required")
		return
	}
	if utf8.RuneCountInString(newTitle) > maxTitleLen {
		fail(w, http.StatusBadRequest, 400, "new_title must be at most 64 characters")
		return
	}

	err := s.conversations.Rename(r.Context(), conversationID, userID, newTitle)
	if errors.Is(err, store.ErrNotFound) {
		fail(w, http.StatusOK, 500, "对话不存在或无权限")
		return
	}
	if err != nil {
		slog.Error("conversation.rename_failed", "conversation_id", conversationID, "error", err)
		fail(w, http.StatusOK, 500, "重命名失败: "+err.Error())
		return
	}
	ok(w, map[string]string{"conversation_id": conversationID, "title": newTitle})
}

func (s *Server) handleDialogueDelete(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	userID := r.URL.Query().Get("user_id")
	if conversationID == "" || userID == "" {
		fail(w, http.StatusBadRequest, 400, "conversation_id and user_id are required")
		return
	}

	// Nodes first so a failed header delete can be retried without
	// orphaning documents.
	deleted, err := s.nodes.DeleteByConversation(r.Context(), conversationID)
	if err != nil {
		slog.Error("conversation.delete_nodes_failed", "conversation_id", conversationID, "error", err)
		fail(w, http.StatusOK, 500, "删除对话消息失败: "+err.Error())
		return
	}

	err = s.conversations.Delete(r.Context(), conversationID, userID)
	if errors.Is(err, store.ErrNotFound) {
		fail(w, http.StatusOK, 500, "对话不存在或无权限")
		return
	}
	if err != nil {
		slog.Error("conversation.delete_failed", "conversation_id", conversationID, "error", err)
		fail(w, http.StatusOK, 500, "删除对话失败: "+err.Error())
		return
	}

	slog.Info("conversation.deleted", "conversation_id", conversationID, "deleted_messages", deleted)
	ok(w, map[string]any{"conversation_id": conversationID, "deleted_messages": deleted})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
