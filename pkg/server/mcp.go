package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mikeboe/deep-researcher/pkg/chat"
)

const (
	mcpProtocolVersion = "2024-11-05"
	mcpSessionHeader   = "Mcp-Session-Id"

	// Sessions idle for longer than mcpSessionTTL are dropped, and at most
	// maxMCPSessions are kept.
	mcpSessionTTL  = 30 * time.Minute
	maxMCPSessions = 1000
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeBadSession     = -32000
)

// MCPSession is a client session opened by initialize.
type MCPSession struct {
	ID       string
	Created  time.Time
	LastSeen time.Time
}

// MCPRequest is a JSON-RPC request on the /mcp endpoint.
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse is a JSON-RPC response. Exactly one of Result or Error is set.
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func mcpReply(c *gin.Context, status int, id interface{}, result interface{}, rpcErr *MCPError) {
	c.JSON(status, MCPResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
}

func mcpFail(c *gin.Context, status int, id interface{}, code int, msg string) {
	mcpReply(c, status, id, nil, &MCPError{Code: code, Message: msg})
}

// MCPHandler serves the streamable HTTP transport of the Model Context
// Protocol. Every method except initialize requires a session header.
func (h *Handler) MCPHandler(c *gin.Context) {
	var req MCPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		mcpFail(c, http.StatusBadRequest, nil, codeParseError, "Parse error")
		return
	}

	if req.Method == "initialize" {
		h.initializeSession(c, req)
		return
	}

	sessionID := c.GetHeader(mcpSessionHeader)
	if sessionID == "" {
		mcpFail(c, http.StatusBadRequest, req.ID, codeBadSession, "Bad Request: No valid session ID provided")
		return
	}
	if !h.hasSession(sessionID) {
		mcpFail(c, http.StatusBadRequest, req.ID, codeBadSession, "Invalid session ID")
		return
	}

	switch req.Method {
	case "ping":
		mcpReply(c, http.StatusOK, req.ID, gin.H{}, nil)
	case "tools/list":
		mcpReply(c, http.StatusOK, req.ID, gin.H{"tools": h.toolDefinitions()}, nil)
	case "tools/call":
		h.handleToolsCall(c, req)
	default:
		mcpFail(c, http.StatusOK, req.ID, codeMethodNotFound, "Method not found")
	}
}

func (h *Handler) initializeSession(c *gin.Context, req MCPRequest) {
	sessionID := c.GetHeader(mcpSessionHeader)
	if sessionID == "" || !h.hasSession(sessionID) {
		sessionID = h.openSession(time.Now())
	}
	c.Header(mcpSessionHeader, sessionID)

	mcpReply(c, http.StatusOK, req.ID, gin.H{
		"protocolVersion": mcpProtocolVersion,
		"serverInfo":      gin.H{"name": "deep-researcher-mcp", "version": "1.0.0"},
		"capabilities":    gin.H{"tools": gin.H{}},
	}, nil)
}

// openSession registers a new session after dropping expired ones. When the
// table is still full the least recently used session is evicted.
func (h *Handler) openSession(now time.Time) string {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()

	var oldest *MCPSession
	for id, sess := range h.mcpSessions {
		if now.Sub(sess.LastSeen) > mcpSessionTTL {
			delete(h.mcpSessions, id)
			continue
		}
		if oldest == nil || sess.LastSeen.Before(oldest.LastSeen) {
			oldest = sess
		}
	}
	if oldest != nil && len(h.mcpSessions) >= maxMCPSessions {
		delete(h.mcpSessions, oldest.ID)
	}

	id := uuid.NewString()
	h.mcpSessions[id] = &MCPSession{ID: id, Created: now, LastSeen: now}
	return id
}

// hasSession reports whether id names a live session and marks it used.
func (h *Handler) hasSession(id string) bool {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()
	sess, ok := h.mcpSessions[id]
	if !ok {
		return false
	}
	now := time.Now()
	if now.Sub(sess.LastSeen) > mcpSessionTTL {
		delete(h.mcpSessions, id)
		return false
	}
	sess.LastSeen = now
	return true
}

func stringProp(description string) gin.H {
	return gin.H{"type": "string", "description": description}
}

func numberProp(description string) gin.H {
	return gin.H{"type": "number", "description": description}
}

func toolDef(name, description string, properties gin.H, required ...string) gin.H {
	return gin.H{
		"name":        name,
		"description": description,
		"inputSchema": gin.H{"type": "object", "properties": properties, "required": required},
	}
}

func (h *Handler) toolDefinitions() []gin.H {
	jobID := gin.H{"job_id": stringProp("The research job ID.")}
	tools := []gin.H{
		toolDef("start_research", "Start a research job on a question. Returns the job, whose id is used by the other tools.",
			gin.H{
				"query":          stringProp("The research question."),
				"max_iterations": numberProp("Maximum number of research iterations."),
			}, "query"),
		toolDef("get_research_status", "Get the status and progress of a research job.", jobID, "job_id"),
		toolDef("get_research_report", "Get the Markdown report of a finished research job.", jobID, "job_id"),
	}
	if h.Tools == nil {
		return tools
	}

	scope := stringProp("Restrict the search to one research job.")
	topK := numberProp("The number of top results to return.")
	topK["default"] = 5
	return append(tools,
		toolDef("search_findings", "Search accepted research findings using semantic search.",
			gin.H{
				"query":  stringProp("The search query."),
				"topK":   topK,
				"source": stringProp("The source URL to filter results by."),
				"job_id": scope,
			}, "query"),
		toolDef("find_findings_by_source", "Find all accepted content for a specific source URL.",
			gin.H{"source": stringProp("The source URL to find content for."), "job_id": scope}, "source"),
		toolDef("find_findings_by_metadata", "Find findings using complex logical filters on metadata.",
			gin.H{
				"filter": gin.H{"type": "object", "description": "JSON filter object with logical operators ($and, $or, $not)"},
				"job_id": scope,
			}, "filter"),
	)
}

func (h *Handler) handleToolsCall(c *gin.Context, req MCPRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		mcpFail(c, http.StatusOK, req.ID, codeInvalidParams, "Invalid params")
		return
	}

	text, err := h.callTool(c.Request.Context(), params.Name, params.Arguments)
	var toolErr *mcpToolError
	switch {
	case errors.As(err, &toolErr):
		mcpFail(c, http.StatusOK, req.ID, toolErr.code, toolErr.msg)
	case err != nil:
		mcpFail(c, http.StatusOK, req.ID, codeInternal, err.Error())
	default:
		mcpReply(c, http.StatusOK, req.ID, gin.H{
			"content": []gin.H{{"type": "text", "text": text}},
		}, nil)
	}
}

type mcpToolError struct {
	code int
	msg  string
}

func (e *mcpToolError) Error() string { return e.msg }

var errInvalidArguments = &mcpToolError{code: codeInvalidParams, msg: "Invalid arguments"}

func toolNotFound(name string) error {
	return &mcpToolError{code: codeMethodNotFound, msg: fmt.Sprintf("Tool not found: %s", name)}
}

// callTool runs an MCP tool and renders its result as text.
func (h *Handler) callTool(ctx context.Context, name string, raw json.RawMessage) (string, error) {
	switch name {
	case "start_research":
		var args CreateJobRequest
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", errInvalidArguments
		}
		job, err := h.Service.CreateJob(ctx, args)
		if err != nil {
			return "", err
		}
		return toJSON(job)

	case "get_research_status":
		id, err := jobIDArgument(raw)
		if err != nil {
			return "", err
		}
		job, err := h.Service.GetJob(ctx, id)
		if err != nil {
			return "", err
		}
		// The report has its own tool.
		job.Report, job.ReportMarkdown = nil, nil
		return toJSON(job)

	case "get_research_report":
		id, err := jobIDArgument(raw)
		if err != nil {
			return "", err
		}
		return h.Service.GetReport(ctx, id)
	}

	if h.Tools == nil {
		return "", toolNotFound(name)
	}
	return h.callFindingTool(ctx, name, raw)
}

func (h *Handler) callFindingTool(ctx context.Context, name string, raw json.RawMessage) (string, error) {
	switch name {
	case "search_findings":
		var args chat.SearchFindingsArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", errInvalidArguments
		}
		resp, err := h.Tools.SearchFindings(ctx, args)
		return resp.Results, err

	case "find_findings_by_source":
		var args chat.FindSourceArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", errInvalidArguments
		}
		resp, err := h.Tools.FindFindingsBySource(ctx, args)
		return resp.Content, err

	case "find_findings_by_metadata":
		var args chat.FindMetadataArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", errInvalidArguments
		}
		resp, err := h.Tools.FindFindingsByMetadata(ctx, args)
		return resp.Content, err

	default:
		return "", toolNotFound(name)
	}
}

func jobIDArgument(raw json.RawMessage) (uuid.UUID, error) {
	var args struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return uuid.Nil, errInvalidArguments
	}
	id, err := uuid.Parse(args.JobID)
	if err != nil {
		return uuid.Nil, &mcpToolError{code: codeInvalidParams, msg: "invalid job_id"}
	}
	return id, nil
}

func toJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
