package model

// ChatMessage 对话消息
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest 聊天请求
type ChatRequest struct {
	URL     string        `json:"url"`
	Message string        `json:"message"`
	History []ChatMessage `json:"history,omitempty"`

	// 自带凭证（credential 路径），两者都给时才绕过配额
	APIKey    string `json:"apiKey,omitempty"`
	AccountID string `json:"accountId,omitempty"`

	Model string `json:"model,omitempty"`
}

// ChatResponse 聊天成功响应
type ChatResponse struct {
	Response   string `json:"response"`
	URL        string `json:"url"`
	UsedAPIKey bool   `json:"usedApiKey"`
}

// 错误类别，客户端按 errorType 分支，不做字符串匹配
const (
	ErrTypeValidation = "validation"
	ErrTypeRateLimit  = "rate_limit"
	ErrTypeFetch      = "fetch_error"
	ErrTypeCredential = "credential_error"
	ErrTypeBackend    = "backend_error"
	ErrTypeConfig     = "config_error"
	ErrTypeParse      = "parse_error"
	ErrTypeUnknown    = "unknown"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

// ModelInfo 目录中的单个模型
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Free     bool   `json:"free"`
}

// ValidateKeyRequest 凭证校验请求
type ValidateKeyRequest struct {
	APIKey string `json:"apiKey"`
}

// ValidateKeyResponse 凭证校验响应
type ValidateKeyResponse struct {
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}
