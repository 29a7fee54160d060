package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/router"
)

// responsesRequest is the accepted Responses API subset. Input is a plain
// string or a message array.
type responsesRequest struct {
	Model       string          `json:"model,omitempty"`
	Input       json.RawMessage `json:"input"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_output_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	TaskType    string          `json:"task_type,omitempty"`
}

func (r *responsesRequest) messages() ([]adapter.Message, error) {
	if len(r.Input) == 0 {
		return nil, fmt.Errorf("input is required")
	}

	var text string
	if err := json.Unmarshal(r.Input, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("input is required")
		}
		return []adapter.Message{{Role: "user", Content: text}}, nil
	}

	var wire []wireMessage
	if err := json.Unmarshal(r.Input, &wire); err != nil {
		return nil, fmt.Errorf("input must be a string or message array")
	}
	messages := make([]adapter.Message, 0, len(wire))
	for _, w := range wire {
		msg, err := w.flatten()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("input is required")
	}
	return messages, nil
}

func (s *Server) handleResponses(c echo.Context) error {
	var body responsesRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "malformed request body", 0))
	}
	if body.Stream {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "streaming is not supported on /v1/responses", 0))
	}

	messages, err := body.messages()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error(), 0))
	}

	headers, err := parseRouterHeaders(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error(), 0))
	}
	if headers.resume && !s.resumeAllowed(c) {
		return c.JSON(http.StatusForbidden, errorBody("forbidden", "resume requires the admin token", 0))
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
		AllowDegrade:     headers.allowDegrade,
		Resume:           headers.resume,
	}

	result, err := s.engine.Route(c.Request().Context(), req)
	if err != nil {
		return s.writeRouteError(c, err)
	}

	if headers.debug {
		s.attachDebugHeader(c, result)
	}

	payload := map[string]any{
		"id":         "resp-" + result.RequestID,
		"object":     "response",
		"created_at": time.Now().Unix(),
		"model":      result.ModelID,
		"status":     "completed",
		"output": []map[string]any{
			{
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": result.Text},
				},
			},
		},
	}
	if headers.debug {
		payload["router"] = routingMetadata(result)
	}
	return c.JSON(http.StatusOK, payload)
}
