package api

import (
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/mdgate/internal/config"
	"github.com/xiaopang/mdgate/internal/model"
)

// assetFiles 固定的静态资源名单，按名字直查对象源站
var assetFiles = map[string]bool{
	"logo.png":    true,
	"logo.svg":    true,
	"favicon.ico": true,
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	r.POST("/chat", h.Chat)
	r.GET("/models", h.ListModels)
	r.POST("/validate-key", h.ValidateKey)
	r.GET("/stats", h.GetStats)

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// 其余所有路径：GET 走资源/首页/重定向，POST 按路径定位目标站点走 MCP
	r.NoRoute(h.Dispatch)

	return r
}

// Dispatch 顶层分发。路径本身承载目标站点：
// 空路径 GET 是首页、POST 是针对默认目标的 MCP；
// 其余 GET 重定向到规范首页，POST 按 "/<host>/..." 取主机走 MCP。
func (h *Handler) Dispatch(c *gin.Context) {
	trimmed := strings.Trim(c.Request.URL.Path, "/")

	switch c.Request.Method {
	case "GET":
		switch {
		case trimmed == "":
			h.serveBlob(c, "/index.html")
		case assetFiles[trimmed]:
			h.serveBlob(c, "/"+trimmed)
		default:
			// 原始目标放进查询参数带去规范首页
			c.Redirect(302, h.cfg.Target.HomeURL+"/?url="+url.QueryEscape(trimmed))
		}

	case "POST":
		host := h.cfg.Target.DefaultHost
		if trimmed != "" {
			host = strings.SplitN(trimmed, "/", 2)[0]
		}
		h.HandleMCP(c, host)

	default:
		c.JSON(404, model.ErrorResponse{
			Error:     "Not found",
			ErrorType: model.ErrTypeUnknown,
		})
	}
}

// serveBlob 从对象源站透传资源。源站可变且低流量，每次都取最新，不做缓存。
func (h *Handler) serveBlob(c *gin.Context, blobPath string) {
	data, contentType, err := h.blobs.FetchBlob(c.Request.Context(), blobPath)
	if err != nil {
		c.JSON(404, model.ErrorResponse{
			Error:     "Asset not available: " + err.Error(),
			ErrorType: model.ErrTypeFetch,
		})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(200, contentType, data)
}
