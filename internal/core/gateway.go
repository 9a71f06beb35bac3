package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xiaopang/mdgate/internal/config"
	"github.com/xiaopang/mdgate/internal/logger"
	"github.com/xiaopang/mdgate/internal/model"
)

const (
	// managedMaxAttempts 托管路径的总尝试次数
	managedMaxAttempts = 3
	// managedRetryStep 第 n 次重试前等待 n*managedRetryStep
	managedRetryStep = 500 * time.Millisecond

	// catalogTTL 模型目录缓存有效期
	catalogTTL = 5 * time.Minute

	// historyWindow 构建提示时保留的最近对话轮数
	historyWindow = 6

	emptyResponseText = "No response generated"
)

// ErrorKind 网关错误类别
type ErrorKind string

const (
	KindCredential ErrorKind = "credential"
	KindRateLimit  ErrorKind = "rate_limit"
	KindBackend    ErrorKind = "backend"
	KindConfig     ErrorKind = "config"
)

// GatewayError 带类别的网关错误，路由层据此映射 errorType
type GatewayError struct {
	Kind    ErrorKind
	Message string
}

func (e *GatewayError) Error() string {
	return e.Message
}

// Gateway 模型后端网关：托管调用、自带凭证调用、凭证校验、模型目录
type Gateway struct {
	baseURL         string
	platformToken   string
	platformAccount string

	runClient   *http.Client // 推理调用
	probeClient *http.Client // 校验与目录

	// 测试注入点
	sleep func(time.Duration)

	catalogMu        sync.Mutex
	catalog          []model.ModelInfo
	catalogFetchedAt time.Time
}

// NewGateway 创建网关
func NewGateway(cfg *config.UpstreamConfig) *Gateway {
	return &Gateway{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		platformToken:   cfg.APIToken,
		platformAccount: cfg.AccountID,
		runClient:       &http.Client{Timeout: 60 * time.Second},
		probeClient:     &http.Client{Timeout: 15 * time.Second},
		sleep:           time.Sleep,
	}
}

// BuildMessages 构建两条调用路径共用的消息信封：
// 合成的 system 轮（目标 URL + 抓取内容）+ 最近 historyWindow 轮历史 + 新的 user 轮。
func BuildMessages(pageURL, content string, history []model.ChatMessage, userMessage string) []model.ChatMessage {
	system := fmt.Sprintf(
		"You are a helpful assistant answering questions about the webpage %s.\n\nPage content:\n%s",
		pageURL, content,
	)

	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	messages := make([]model.ChatMessage, 0, len(history)+2)
	messages = append(messages, model.ChatMessage{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, model.ChatMessage{Role: "user", Content: userMessage})
	return messages
}

// RunManaged 托管路径：用平台凭证调用，失败重试，最多 managedMaxAttempts 次。
// 第 n 次失败后等待 n*managedRetryStep 再试，最后一次的错误原样上抛。
func (g *Gateway) RunManaged(ctx context.Context, modelID string, messages []model.ChatMessage) (string, error) {
	if g.platformToken == "" || g.platformAccount == "" {
		return "", &GatewayError{Kind: KindConfig, Message: "model backend binding is not configured"}
	}

	var lastErr error
	for attempt := 1; attempt <= managedMaxAttempts; attempt++ {
		if attempt > 1 {
			g.sleep(time.Duration(attempt-1) * managedRetryStep)
		}

		text, err := g.runOnce(ctx, g.platformToken, g.platformAccount, modelID, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err
		logger.Warn("managed run attempt failed", "attempt", attempt, "model", modelID, "error", err)
	}
	return "", lastErr
}

// RunWithCredential 凭证路径：调用方自己的配额和延迟，单次失败立即上抛，不重试
func (g *Gateway) RunWithCredential(ctx context.Context, apiKey, accountID, modelID string, messages []model.ChatMessage) (string, error) {
	return g.runOnce(ctx, apiKey, accountID, modelID, messages)
}

// runOnce 单次推理调用
func (g *Gateway) runOnce(ctx context.Context, token, accountID, modelID string, messages []model.ChatMessage) (string, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/ai/run/%s", g.baseURL, accountID, modelID)

	body, _ := json.Marshal(map[string]any{"messages": messages})
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &GatewayError{Kind: KindBackend, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.runClient.Do(req)
	if err != nil {
		return "", &GatewayError{Kind: KindBackend, Message: "model backend unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return "", &GatewayError{Kind: KindBackend, Message: err.Error()}
	}

	var result struct {
		Result struct {
			Response string `json:"response"`
		} `json:"result"`
		Success bool `json:"success"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	// 按状态码区分失败原因
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return "", &GatewayError{Kind: KindCredential, Message: "invalid credential"}
	case resp.StatusCode == 429:
		return "", &GatewayError{Kind: KindRateLimit, Message: "account rate limit exceeded"}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := fmt.Sprintf("model backend returned status %d", resp.StatusCode)
		if json.Unmarshal(respBody, &result) == nil && len(result.Errors) > 0 {
			msg = result.Errors[0].Message
		}
		return "", &GatewayError{Kind: KindBackend, Message: msg}
	}

	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", &GatewayError{Kind: KindBackend, Message: "unparseable backend response"}
	}
	if !result.Success {
		msg := "model backend reported failure"
		if len(result.Errors) > 0 {
			msg = result.Errors[0].Message
		}
		return "", &GatewayError{Kind: KindBackend, Message: msg}
	}

	if strings.TrimSpace(result.Result.Response) == "" {
		return emptyResponseText, nil
	}
	return result.Result.Response, nil
}

// Validate 三步校验链，任一步失败即短路：
// token 校验 -> 账户列表 -> 能力探测
func (g *Gateway) Validate(ctx context.Context, apiKey string) model.ValidateKeyResponse {
	// (a) token 校验
	status, _, err := g.probe(ctx, apiKey, g.baseURL+"/user/tokens/verify")
	if err != nil {
		return model.ValidateKeyResponse{Valid: false, Error: "could not reach backend: " + err.Error()}
	}
	if status == 401 || status == 403 {
		return model.ValidateKeyResponse{Valid: false, Error: "invalid credential"}
	}
	if status < 200 || status > 299 {
		return model.ValidateKeyResponse{Valid: false, Error: fmt.Sprintf("token verification failed (status %d)", status)}
	}

	// (b) 账户列表
	status, body, err := g.probe(ctx, apiKey, g.baseURL+"/accounts")
	if err != nil {
		return model.ValidateKeyResponse{Valid: false, Error: "could not reach backend: " + err.Error()}
	}
	var accounts struct {
		Result []struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if status < 200 || status > 299 || json.Unmarshal(body, &accounts) != nil || len(accounts.Result) == 0 {
		return model.ValidateKeyResponse{Valid: false, Error: "no accessible account"}
	}
	accountID := accounts.Result[0].ID

	// (c) 能力探测
	status, _, err = g.probe(ctx, apiKey, fmt.Sprintf("%s/accounts/%s/ai/models/search?per_page=1", g.baseURL, accountID))
	if err != nil {
		return model.ValidateKeyResponse{Valid: false, Error: "could not reach backend: " + err.Error()}
	}
	if status < 200 || status > 299 {
		return model.ValidateKeyResponse{Valid: false, Error: "credential lacks required capability"}
	}

	return model.ValidateKeyResponse{Valid: true, AccountID: accountID}
}

// probe 发送一次带凭证的 GET
func (g *Gateway) probe(ctx context.Context, token, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.probeClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	return resp.StatusCode, body, nil
}

// ListModels 返回模型目录。5 分钟内的缓存直接复用，过期整体重建；
// 远端拉取失败时退回固定的内置列表，此调用对上层永不失败。
func (g *Gateway) ListModels(ctx context.Context) []model.ModelInfo {
	g.catalogMu.Lock()
	defer g.catalogMu.Unlock()

	if g.catalog != nil && time.Since(g.catalogFetchedAt) < catalogTTL {
		return g.catalog
	}

	models, err := g.fetchCatalog(ctx)
	if err != nil {
		logger.Warn("model catalog fetch failed, using fallback list", "error", err)
		models = fallbackCatalog()
	}

	g.catalog = models
	g.catalogFetchedAt = time.Now()
	return g.catalog
}

// fetchCatalog 从后端拉取并整形模型目录
func (g *Gateway) fetchCatalog(ctx context.Context) ([]model.ModelInfo, error) {
	if g.platformToken == "" || g.platformAccount == "" {
		return nil, fmt.Errorf("no platform credential for catalog fetch")
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/ai/models/search?task=%s&per_page=100",
		g.baseURL, g.platformAccount, url.QueryEscape("Text Generation"))
	status, body, err := g.probe(ctx, g.platformToken, endpoint)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("catalog endpoint returned status %d", status)
	}

	var result struct {
		Result []struct {
			Name        string   `json:"name"` // 后端模型标识符
			Description string   `json:"description"`
			Tags        []string `json:"tags"`
			Task        struct {
				Name string `json:"name"`
			} `json:"task"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	var models []model.ModelInfo
	for _, m := range result.Result {
		if m.Task.Name != "Text Generation" {
			continue
		}
		if strings.Contains(m.Name, "embedding") {
			continue
		}

		free := false
		for _, tag := range m.Tags {
			if tag == "free" {
				free = true
				break
			}
		}

		models = append(models, model.ModelInfo{
			ID:       m.Name,
			Name:     displayName(m.Name, m.Description),
			Provider: providerOf(m.Name),
			Free:     free,
		})
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("catalog endpoint returned no text generation models")
	}

	sortCatalog(models)
	return models, nil
}

// displayName 取后端描述，否则用标识符末段并把连字符换成空格
func displayName(id, description string) string {
	if description != "" {
		return description
	}
	parts := strings.Split(id, "/")
	last := parts[len(parts)-1]
	return strings.ReplaceAll(last, "-", " ")
}

// providerOf 取标识符第二段
func providerOf(id string) string {
	parts := strings.Split(id, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return "unknown"
}

// sortCatalog 免费优先，其余按显示名字母序
func sortCatalog(models []model.ModelInfo) {
	sort.SliceStable(models, func(i, j int) bool {
		if models[i].Free != models[j].Free {
			return models[i].Free
		}
		return models[i].Name < models[j].Name
	})
}

// fallbackCatalog 远端目录不可用时的固定列表：4 个免费 + 6 个付费
func fallbackCatalog() []model.ModelInfo {
	models := []model.ModelInfo{
		{ID: "@cf/meta/llama-3.1-8b-instruct", Name: "llama 3.1 8b instruct", Provider: "meta", Free: true},
		{ID: "@cf/meta/llama-3-8b-instruct", Name: "llama 3 8b instruct", Provider: "meta", Free: true},
		{ID: "@cf/mistral/mistral-7b-instruct-v0.1", Name: "mistral 7b instruct v0.1", Provider: "mistral", Free: true},
		{ID: "@cf/qwen/qwen1.5-7b-chat-awq", Name: "qwen1.5 7b chat awq", Provider: "qwen", Free: true},
		{ID: "@cf/meta/llama-3.3-70b-instruct-fp8-fast", Name: "llama 3.3 70b instruct fp8 fast", Provider: "meta", Free: false},
		{ID: "@cf/meta/llama-4-scout-17b-16e-instruct", Name: "llama 4 scout 17b 16e instruct", Provider: "meta", Free: false},
		{ID: "@cf/deepseek-ai/deepseek-r1-distill-qwen-32b", Name: "deepseek r1 distill qwen 32b", Provider: "deepseek-ai", Free: false},
		{ID: "@cf/google/gemma-3-12b-it", Name: "gemma 3 12b it", Provider: "google", Free: false},
		{ID: "@cf/mistralai/mistral-small-3.1-24b-instruct", Name: "mistral small 3.1 24b instruct", Provider: "mistralai", Free: false},
		{ID: "@cf/qwen/qwq-32b", Name: "qwq 32b", Provider: "qwen", Free: false},
	}
	sortCatalog(models)
	return models
}
