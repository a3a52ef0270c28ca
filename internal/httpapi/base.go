package httpapi

import (
	"net/http"
	"time"
)

const serviceName = "DAG-chat"

// displayNames maps provider identifiers to friendly names for the model
// picker.
var displayNames = map[string]string{
	"deepseek": "DeepSeek",
	"qwen":     "Qwen",
	"kimi":     "Kimi",
	"glm":      "GLM",
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to DAG-chat API!"})
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello World from DAG-chat!"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app":     serviceName,
		"version": s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	stores := map[string]string{"metadata": "ok", "nodes": "ok"}
	if err := s.conversations.Ping(r.Context()); err != nil {
		status = "degraded"
		stores["metadata"] = err.Error()
	}
	if err := s.nodes.Ping(r.Context()); err != nil {
		status = "degraded"
		stores["nodes"] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   serviceName,
		"stores":    stores,
	})
}

// handleLiveness is the bare top-level probe with no dependency checks.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelInfo struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}

	names := s.registry.Names()
	models := make([]modelInfo, 0, len(names))
	for _, name := range names {
		display := displayNames[name]
		if display == "" {
			display = name
		}
		models = append(models, modelInfo{Name: name, DisplayName: display})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}
