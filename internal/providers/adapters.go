package providers

// Default API bases, overridable through the *_API_BASE_URL env vars.
const (
	deepseekDefaultBase = "https://api.deepseek.com"
	qwenDefaultBase     = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	kimiDefaultBase     = "https://api.moonshot.cn"
	glmDefaultBase      = "https://open.bigmodel.cn/api/paas/v4"
)

// NewDeepSeek returns the DeepSeek adapter. Deep thinking selects the
// reasoner model, which emits the reasoning_content channel; titles use the
// cheaper chat model.
func NewDeepSeek(apiKey, apiBase string) Adapter {
	return &openAIAdapter{
		client: newCompatClient("deepseek", apiKey, apiBase, deepseekDefaultBase, ""),
		pickModel: func(deepThinking bool) string {
			if deepThinking {
				return "deepseek-reasoner"
			}
			return "deepseek-chat"
		},
		titleModel: "deepseek-chat",
	}
}

// NewQwen returns the Qwen adapter over DashScope's compatible mode. Qwen
// does not expose a reasoning channel here, so the deep-thinking flag is
// ignored.
func NewQwen(apiKey, apiBase string) Adapter {
	return &openAIAdapter{
		client:     newCompatClient("qwen", apiKey, apiBase, qwenDefaultBase, ""),
		pickModel:  func(bool) string { return "qwen-plus" },
		titleModel: "qwen-plus",
	}
}

// NewKimi returns the Kimi (Moonshot) adapter. The base URL carries no /v1
// suffix, hence the explicit chat path.
func NewKimi(apiKey, apiBase string) Adapter {
	return &openAIAdapter{
		client: newCompatClient("kimi", apiKey, apiBase, kimiDefaultBase, "/v1/chat/completions"),
		pickModel: func(deepThinking bool) string {
			if deepThinking {
				return "kimi-k2-thinking-turbo"
			}
			return "kimi-k2-turbo-preview"
		},
		titleModel: "kimi-k2-turbo-preview",
	}
}

// NewGLM returns the GLM (Zhipu) adapter. GLM keeps one model id and toggles
// reasoning through a vendor body key instead of a model variant.
func NewGLM(apiKey, apiBase string) Adapter {
	thinking := func(enabled bool) map[string]any {
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		return map[string]any{"thinking": map[string]any{"type": state}}
	}
	return &openAIAdapter{
		client:     newCompatClient("glm", apiKey, apiBase, glmDefaultBase, ""),
		pickModel:  func(bool) string { return "glm-4.6" },
		extraBody:  thinking,
		titleModel: "glm-4.6",
		titleExtra: thinking(false),
	}
}
