package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/router"
)

// chatCompletionRequest is the accepted OpenAI Chat Completions subset.
type chatCompletionRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []wireMessage   `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	TaskType    string          `json:"task_type,omitempty"`
}

// wireMessage accepts string content or an array of typed parts.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// flatten collapses structured content to plain text: text parts are
// concatenated, other part kinds discarded.
func (m *wireMessage) flatten() (adapter.Message, error) {
	out := adapter.Message{Role: m.Role}
	if len(m.Content) == 0 {
		return out, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		out.Content = text
		return out, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return out, fmt.Errorf("message content must be a string or part array")
	}
	var sb strings.Builder
	for _, part := range parts {
		if part.Type == "text" && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	out.Content = sb.String()
	return out, nil
}

// routerHeaders carries the per-request routing overrides.
type routerHeaders struct {
	taskType     string
	threshold    float64
	maxWaitMs    int
	allowDegrade bool
	requestID    string
	resume       bool
	debug        bool
}

func parseRouterHeaders(c echo.Context) (routerHeaders, error) {
	h := routerHeaders{
		taskType:     c.Request().Header.Get("x-router-task-type"),
		requestID:    c.Request().Header.Get("x-router-request-id"),
		allowDegrade: headerFlag(c, "x-router-allow-degrade"),
		resume:       headerFlag(c, "x-router-resume"),
		debug:        headerFlag(c, "x-router-debug"),
	}

	if raw := c.Request().Header.Get("x-router-quality-threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return h, fmt.Errorf("invalid x-router-quality-threshold %q", raw)
		}
		// Accept either a 0-1 score or a 1-5 scale.
		if v > 1 {
			v = v / 5
		}
		if v < 0 || v > 1 {
			return h, fmt.Errorf("x-router-quality-threshold out of range")
		}
		h.threshold = v
	}

	if raw := c.Request().Header.Get("x-router-max-wait-ms"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return h, fmt.Errorf("invalid x-router-max-wait-ms %q", raw)
		}
		h.maxWaitMs = v
	}
	return h, nil
}

func headerFlag(c echo.Context, name string) bool {
	switch strings.ToLower(c.Request().Header.Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var body chatCompletionRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "malformed request body", 0))
	}
	if len(body.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "messages is required", 0))
	}

	headers, err := parseRouterHeaders(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error(), 0))
	}
	if headers.resume && !s.resumeAllowed(c) {
		return c.JSON(http.StatusForbidden, errorBody("forbidden", "resume requires the admin token", 0))
	}

	messages := make([]adapter.Message, 0, len(body.Messages))
	for _, wire := range body.Messages {
		msg, err := wire.flatten()
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error(), 0))
		}
		messages = append(messages, msg)
	}

	taskType := headers.taskType
	if taskType == "" {
		taskType = body.TaskType
	}

	req := &router.Request{
		RequestID:        headers.requestID,
		Messages:         messages,
		TaskType:         taskType,
		QualityThreshold: headers.threshold,
		MaxWaitMs:        headers.maxWaitMs,
		MaxTokens:        body.MaxTokens,
		Temperature:      body.Temperature,
		TopP:             body.TopP,
		Stream:           body.Stream,
		AllowDegrade:     headers.allowDegrade,
		Resume:           headers.resume,
		Tools:            body.Tools,
		ToolChoice:       body.ToolChoice,
	}

	result, err := s.engine.Route(c.Request().Context(), req)
	if err != nil {
		return s.writeRouteError(c, err)
	}

	if headers.debug {
		s.attachDebugHeader(c, result)
	}

	// Tool calls require whole-call delivery; streaming is forcibly disabled.
	if result.Live != nil && len(result.ToolCalls) == 0 {
		return s.writePassthroughStream(c, result)
	}
	if body.Stream && len(result.ToolCalls) == 0 {
		return s.writeBufferedStream(c, result)
	}
	return c.JSON(http.StatusOK, s.completionPayload(result, headers.debug))
}

func (s *Server) resumeAllowed(c echo.Context) bool {
	return s.cfg.AllowInsecureResume || s.isAdmin(c)
}

func (s *Server) writeRouteError(c echo.Context, err error) error {
	if noModel, ok := router.IsNoSuitableModel(err); ok {
		return c.JSON(http.StatusServiceUnavailable,
			errorBody("no_suitable_model_available", "no model produced an acceptable response in time", noModel.RetryAfter))
	}
	s.logger.Error("routing failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "routing failed", 0))
}

// completionPayload renders the standard chat-completion JSON body.
func (s *Server) completionPayload(result *router.Result, debug bool) map[string]any {
	message := map[string]any{
		"role":    "assistant",
		"content": result.Text,
	}
	finishReason := "stop"
	if len(result.ToolCalls) > 0 {
		finishReason = "tool_calls"
		var toolCalls []map[string]any
		for _, tc := range result.ToolCalls {
			toolCalls = append(toolCalls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			})
		}
		message["tool_calls"] = toolCalls
	}

	payload := map[string]any{
		"id":      "chatcmpl-" + result.RequestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   result.ModelID,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       message,
				"finish_reason": finishReason,
			},
		},
	}
	if debug {
		payload["router"] = routingMetadata(result)
	}
	return payload
}

// routingMetadata is the attempt log attached for debug requests.
func routingMetadata(result *router.Result) map[string]any {
	attempts := make([]map[string]any, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		entry := map[string]any{"model": a.ModelID, "outcome": a.Outcome}
		if a.Score != nil {
			entry["score"] = *a.Score
		}
		attempts = append(attempts, entry)
	}
	return map[string]any{
		"request_id": result.RequestID,
		"task_type":  result.TaskType,
		"model":      result.ModelID,
		"resumed":    result.Resumed,
		"wait_ms":    result.WaitTime.Milliseconds(),
		"attempts":   attempts,
	}
}

func (s *Server) attachDebugHeader(c echo.Context, result *router.Result) {
	raw, err := json.Marshal(routingMetadata(result))
	if err != nil {
		return
	}
	c.Response().Header().Set("x-router-metadata", base64.StdEncoding.EncodeToString(raw))
}

// writeBufferedStream chunks an already-accepted response as SSE.
func (s *Server) writeBufferedStream(c echo.Context, result *router.Result) error {
	streaming := s.engine.Routing().Streaming
	chunkSize := streaming.ChunkSizeOrDefault()
	delay := time.Duration(streaming.ChunkDelayOrDefault()) * time.Millisecond

	w, flush := s.startEventStream(c)
	id := "chatcmpl-" + result.RequestID

	first := true
	// Chunk on rune boundaries so multibyte text survives JSON encoding.
	text := []rune(result.Text)
	for len(text) > 0 {
		n := chunkSize
		if n > len(text) {
			n = len(text)
		}
		if err := writeChunk(w, id, result.ModelID, string(text[:n]), first); err != nil {
			return nil
		}
		flush()
		text = text[n:]
		first = false
		if len(text) > 0 {
			time.Sleep(delay)
		}
	}
	writeStreamEnd(w, id, result.ModelID)
	flush()
	return nil
}

// writePassthroughStream forwards live provider deltas; evaluation and
// accounting run inside the stream's terminal callback.
func (s *Server) writePassthroughStream(c echo.Context, result *router.Result) error {
	defer result.Live.Close()

	w, flush := s.startEventStream(c)
	id := "chatcmpl-" + result.RequestID

	first := true
	for {
		delta, err := result.Live.Recv()
		if err != nil {
			break
		}
		if err := writeChunk(w, id, result.ModelID, delta, first); err != nil {
			return nil
		}
		flush()
		first = false
	}
	writeStreamEnd(w, id, result.ModelID)
	flush()
	return nil
}

func (s *Server) startEventStream(c echo.Context) (*echo.Response, func()) {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	return resp, func() { resp.Flush() }
}

func writeChunk(w *echo.Response, id, model, content string, first bool) error {
	delta := map[string]any{"content": content}
	if first {
		delta["role"] = "assistant"
	}
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": delta, "finish_reason": nil},
		},
	}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

func writeStreamEnd(w *echo.Response, id, model string) {
	final := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"},
		},
	}
	raw, _ := json.Marshal(final)
	fmt.Fprintf(w, "data: %s\n\n", raw)
	fmt.Fprint(w, "data: [DONE]\n\n")
}
