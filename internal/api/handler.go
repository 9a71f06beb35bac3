package api

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/mdgate/internal/config"
	"github.com/xiaopang/mdgate/internal/core"
	"github.com/xiaopang/mdgate/internal/logger"
	"github.com/xiaopang/mdgate/internal/model"
	"github.com/xiaopang/mdgate/internal/store"
)

// minAPIKeyLength 自带凭证的最小长度，短于此的直接按无凭证处理
const minAPIKeyLength = 20

// ModelGateway 模型网关能力
type ModelGateway interface {
	RunManaged(ctx context.Context, modelID string, messages []model.ChatMessage) (string, error)
	RunWithCredential(ctx context.Context, apiKey, accountID, modelID string, messages []model.ChatMessage) (string, error)
	Validate(ctx context.Context, apiKey string) model.ValidateKeyResponse
	ListModels(ctx context.Context) []model.ModelInfo
}

// PageFetcher 页面抓取能力
type PageFetcher interface {
	FetchAsMarkdown(ctx context.Context, rawURL string, maxChars int) string
}

// BlobFetcher 静态资源读取能力
type BlobFetcher interface {
	FetchBlob(ctx context.Context, path string) ([]byte, string, error)
}

// Handler 协议路由处理器
type Handler struct {
	cfg     *config.Config
	guard   *core.QuotaGuard
	fetcher PageFetcher
	gateway ModelGateway
	blobs   BlobFetcher
	store   *store.Store
}

// NewHandler 创建处理器
func NewHandler(cfg *config.Config, guard *core.QuotaGuard, fetcher PageFetcher, gateway ModelGateway, blobs BlobFetcher, st *store.Store) *Handler {
	return &Handler{
		cfg:     cfg,
		guard:   guard,
		fetcher: fetcher,
		gateway: gateway,
		blobs:   blobs,
		store:   st,
	}
}

// Chat 聊天端点
func (h *Handler) Chat(c *gin.Context) {
	startTime := time.Now()

	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error:     "Invalid request body: " + err.Error(),
			ErrorType: model.ErrTypeParse,
		})
		return
	}

	// 凭证可用 = apiKey 足够长且带 accountId，此时完全绕过配额
	usable := len(req.APIKey) >= minAPIKeyLength && req.AccountID != ""
	if !usable {
		res := h.guard.Check(c.ClientIP())
		if !res.Allowed {
			msg := res.Reason
			if msg == "" {
				msg = "Rate limit exceeded. Try again later or use your own API key."
			}
			retryAfter := int(math.Ceil(res.ResetIn.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			h.logAsync(c, "chat", req.URL, req.Model, false, 429, startTime, msg, model.ErrTypeRateLimit)
			c.JSON(429, model.ErrorResponse{
				Error:     msg,
				ErrorType: model.ErrTypeRateLimit,
			})
			return
		}
	}

	if req.URL == "" || req.Message == "" {
		c.JSON(400, model.ErrorResponse{
			Error:     "Missing required fields: url and message",
			ErrorType: model.ErrTypeValidation,
		})
		return
	}

	pageURL := core.NormalizeURL(req.URL)
	content := h.fetcher.FetchAsMarkdown(c.Request.Context(), req.URL, h.cfg.Fetch.ChatMaxChars)
	if core.IsFetchError(content) {
		// 抓取失败文本不能当成页面内容喂给模型
		h.logAsync(c, "chat", pageURL, req.Model, usable, 502, startTime, content, model.ErrTypeFetch)
		c.JSON(502, model.ErrorResponse{
			Error:     content,
			ErrorType: model.ErrTypeFetch,
		})
		return
	}

	modelID := req.Model
	if modelID == "" {
		modelID = h.cfg.Upstream.DefaultModel
	}
	messages := core.BuildMessages(pageURL, content, req.History, req.Message)

	var answer string
	var err error
	if usable {
		answer, err = h.gateway.RunWithCredential(c.Request.Context(), req.APIKey, req.AccountID, modelID, messages)
	} else {
		answer, err = h.gateway.RunManaged(c.Request.Context(), modelID, messages)
	}
	if err != nil {
		status, errType := mapGatewayError(err)
		h.logAsync(c, "chat", pageURL, modelID, usable, status, startTime, err.Error(), errType)
		c.JSON(status, model.ErrorResponse{
			Error:     err.Error(),
			ErrorType: errType,
		})
		return
	}

	h.logAsync(c, "chat", pageURL, modelID, usable, 200, startTime, "", "")
	c.JSON(200, model.ChatResponse{
		Response:   answer,
		URL:        pageURL,
		UsedAPIKey: usable,
	})
}

// mapGatewayError 网关错误映射到 HTTP 状态与 errorType
func mapGatewayError(err error) (int, string) {
	if gwErr, ok := err.(*core.GatewayError); ok {
		switch gwErr.Kind {
		case core.KindCredential:
			return 401, model.ErrTypeCredential
		case core.KindRateLimit:
			return 429, model.ErrTypeRateLimit
		case core.KindBackend:
			return 502, model.ErrTypeBackend
		case core.KindConfig:
			return 500, model.ErrTypeConfig
		}
	}
	return 500, model.ErrTypeUnknown
}

// ListModels 模型目录端点，永远 200
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(200, h.gateway.ListModels(c.Request.Context()))
}

// ValidateKey 凭证校验端点
func (h *Handler) ValidateKey(c *gin.Context) {
	var req model.ValidateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ValidateKeyResponse{Valid: false, Error: "Invalid request body"})
		return
	}

	// 明显无效的输入不必打扰后端
	if len(req.APIKey) < minAPIKeyLength {
		c.JSON(200, model.ValidateKeyResponse{Valid: false, Error: "API key is missing or too short"})
		return
	}

	c.JSON(200, h.gateway.Validate(c.Request.Context(), req.APIKey))
}

// GetStats 每日统计
func (h *Handler) GetStats(c *gin.Context) {
	if h.store == nil {
		c.JSON(200, []any{})
		return
	}
	stats, err := h.store.GetDailyStats(7)
	if err != nil {
		c.JSON(500, model.ErrorResponse{Error: err.Error(), ErrorType: model.ErrTypeUnknown})
		return
	}
	c.JSON(200, stats)
}

// logAsync 异步写请求日志，写失败只告警不影响请求
func (h *Handler) logAsync(c *gin.Context, route, target, modelID string, usedKey bool, status int, startTime time.Time, errMsg, errType string) {
	if h.store == nil {
		return
	}
	entry := &model.RequestLog{
		ID:         core.GenerateLogID(),
		RequestID:  requestIDFromContext(c),
		Timestamp:  startTime,
		Route:      route,
		Target:     target,
		Model:      modelID,
		ClientIP:   c.ClientIP(),
		UsedAPIKey: usedKey,
		Success:    status < 400,
		StatusCode: status,
		LatencyMs:  time.Since(startTime).Milliseconds(),
		Error:      errMsg,
		ErrorType:  errType,
	}
	go func() {
		if err := h.store.SaveLog(entry); err != nil {
			logger.Warn("failed to save request log", "error", err)
		}
	}()
}
