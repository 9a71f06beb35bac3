package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/mdgate/internal/core"
	"github.com/xiaopang/mdgate/internal/model"
)

// mcpProtocolVersion 对外声明的 MCP 协议版本
const mcpProtocolVersion = "2024-11-05"

// HandleMCP 处理针对 targetHost 的 JSON-RPC 请求。
// 协议级错误（解析失败、未知方法）仍走 HTTP 200，按 JSON-RPC 约定放进 error 对象。
func (h *Handler) HandleMCP(c *gin.Context, targetHost string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		rpcError(c, nil, model.RPCParseError, "Parse error")
		return
	}

	var req model.RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// 解析失败时 id 未知，置 null
		rpcError(c, nil, model.RPCParseError, "Parse error")
		return
	}

	switch req.Method {
	case "initialize":
		rpcResult(c, req.ID, gin.H{
			"protocolVersion": mcpProtocolVersion,
			"capabilities":    gin.H{"tools": gin.H{}},
			"serverInfo": gin.H{
				"name":    targetHost + " page proxy",
				"version": "1.0.0",
			},
		})

	case "notifications/initialized":
		rpcResult(c, req.ID, gin.H{})

	case "tools/list":
		rpcResult(c, req.ID, gin.H{"tools": toolDescriptors(targetHost)})

	case "tools/call":
		h.handleToolCall(c, &req, targetHost)

	default:
		rpcError(c, req.ID, model.RPCMethodNotFound, "Method not found: "+req.Method)
	}
}

// toolDescriptors 两个工具的描述，按目标主机定制文案
func toolDescriptors(host string) []model.ToolDescriptor {
	return []model.ToolDescriptor{
		{
			Name:        "fetch_page",
			Description: fmt.Sprintf("Fetch a page from %s and return its content converted to Markdown", host),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to fetch, e.g. /docs. Defaults to the homepage.",
					},
				},
			},
		},
		{
			Name:        "search",
			Description: fmt.Sprintf("Search %s for pages matching a query", host),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search query",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// handleToolCall 处理 tools/call
func (h *Handler) handleToolCall(c *gin.Context, req *model.RPCRequest, targetHost string) {
	startTime := time.Now()

	var params model.ToolCallParams
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}
	var args struct {
		Path  string `json:"path"`
		Query string `json:"query"`
	}
	if len(params.Arguments) > 0 {
		json.Unmarshal(params.Arguments, &args)
	}

	switch params.Name {
	case "fetch_page":
		path := args.Path
		if path == "" {
			path = "/"
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		target := "https://" + targetHost + path

		// 抓取错误作为工具结果文本返回，不升级为协议错误
		content := h.fetcher.FetchAsMarkdown(c.Request.Context(), target, h.cfg.Fetch.ToolMaxChars)
		isErr := core.IsFetchError(content)

		status := 200
		errType := ""
		if isErr {
			status = 502
			errType = model.ErrTypeFetch
		}
		h.logAsync(c, "tool_call", target, "", false, status, startTime, "", errType)

		rpcResult(c, req.ID, model.ToolResult{
			Content: []model.ToolContent{{Type: "text", Text: content}},
			IsError: isErr,
		})

	case "search":
		// 目标站点没有通用搜索能力，引导走约定的 ?q= URL
		text := fmt.Sprintf(
			"%s does not expose a search API. Try the fetch_page tool with path \"/search?q=%s\" instead.",
			targetHost, url.QueryEscape(args.Query),
		)
		rpcResult(c, req.ID, model.ToolResult{
			Content: []model.ToolContent{{Type: "text", Text: text}},
		})

	default:
		rpcError(c, req.ID, model.RPCMethodNotFound, "Tool not found: "+params.Name)
	}
}

// rpcResult 写 JSON-RPC 成功响应
func rpcResult(c *gin.Context, id json.RawMessage, result any) {
	c.JSON(200, model.RPCResponse{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Result:  result,
	})
}

// rpcError 写 JSON-RPC 错误响应
func rpcError(c *gin.Context, id json.RawMessage, code int, message string) {
	c.JSON(200, model.RPCResponse{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error:   &model.RPCError{Code: code, Message: message},
	})
}

// normalizeID 缺失的 id 序列化为 null
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
