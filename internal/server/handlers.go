package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/routing"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_body")
		return
	}

	var req types.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", "empty_messages")
		return
	}

	events, decision, err := s.dispatcher.Handle(r.Context(), &req)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownModel) {
			writeError(w, http.StatusBadRequest, err.Error(), "unknown_model")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start execution", "dispatch_failed")
		return
	}

	s.streamOpened(decision)
	start := time.Now()
	var status string
	if req.Stream {
		status = s.writeEventStream(w, r, events, decision)
	} else {
		status = s.writeCollected(w, events, decision)
	}
	s.streamClosed(decision, status, time.Since(start).Seconds())
}

// writeEventStream renders events as chat completion chunks over SSE.
// Keepalives become comment lines so JSON decoders never see them.
func (s *Server) writeEventStream(w http.ResponseWriter, r *http.Request, events <-chan stream.Event, decision routing.Decision) string {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "streaming_unsupported")
		return "error"
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	writeFailed := false
	sentRole := false

	writeChunk := func(chunk types.ChatCompletionChunk) {
		if writeFailed {
			return
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logError(r, "marshal stream chunk", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			writeFailed = true
			return
		}
		flusher.Flush()
	}

	deltaChunk := func(delta types.ChatDelta) types.ChatCompletionChunk {
		if !sentRole {
			delta.Role = "assistant"
			sentRole = true
		}
		return types.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   decision.Model,
			Choices: []types.ChatChunkChoice{{Index: 0, Delta: delta}},
		}
	}

	status := "disconnect"
	for ev := range events {
		if writeFailed {
			// The sender observes the request context; once the client is
			// gone we only drain until the channel closes.
			continue
		}
		switch ev.Kind {
		case stream.KindKeepAlive:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				writeFailed = true
				continue
			}
			flusher.Flush()
		case stream.KindReasoningDelta:
			writeChunk(deltaChunk(types.ChatDelta{Reasoning: ev.Text}))
		case stream.KindContentDelta:
			writeChunk(deltaChunk(types.ChatDelta{Content: ev.Text}))
		case stream.KindArtifact:
			writeChunk(deltaChunk(types.ChatDelta{Artifact: wireArtifact(ev.Artifact)}))
		case stream.KindError:
			status = "error"
			writeChunk(types.ChatCompletionChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   decision.Model,
				Choices: []types.ChatChunkChoice{},
				Error:   &types.ErrorDetail{Message: ev.Err.Message, Type: "server_error", Code: ev.Err.Code},
			})
		case stream.KindDone:
			if status != "error" {
				status = "ok"
				finish := "stop"
				writeChunk(types.ChatCompletionChunk{
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   decision.Model,
					Choices: []types.ChatChunkChoice{{Index: 0, FinishReason: &finish}},
					Usage:   wireUsage(ev.Usage),
				})
			}
			if !writeFailed {
				if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
					writeFailed = true
					continue
				}
				flusher.Flush()
			}
		}
	}
	if writeFailed {
		return "disconnect"
	}
	return status
}

// writeCollected drains the stream into a single chat completion response.
func (s *Server) writeCollected(w http.ResponseWriter, events <-chan stream.Event, decision routing.Decision) string {
	var content, reasoning string
	var artifacts []types.Artifact
	var usage *types.Usage
	var errInfo *stream.ErrorInfo

	for ev := range events {
		switch ev.Kind {
		case stream.KindContentDelta:
			content += ev.Text
		case stream.KindReasoningDelta:
			reasoning += ev.Text
		case stream.KindArtifact:
			if a := wireArtifact(ev.Artifact); a != nil {
				artifacts = append(artifacts, *a)
			}
		case stream.KindError:
			errInfo = ev.Err
		case stream.KindDone:
			usage = wireUsage(ev.Usage)
		}
	}

	if errInfo != nil && content == "" && reasoning == "" {
		writeError(w, statusForCode(errInfo.Code), errInfo.Message, errInfo.Code)
		return "error"
	}

	finish := "stop"
	status := "ok"
	if errInfo != nil {
		finish = "error"
		status = "error"
	}
	writeJSON(w, http.StatusOK, types.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   decision.Model,
		Choices: []types.ChatChoice{{
			Index: 0,
			Message: types.ChatResponseMsg{
				Role:      "assistant",
				Content:   content,
				Reasoning: reasoning,
				Artifacts: artifacts,
			},
			FinishReason: &finish,
		}},
		Usage: usage,
	})
	return status
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	specs := s.registry.List()
	list := types.ModelList{Object: "list", Data: make([]types.ModelObject, 0, len(specs))}
	for _, spec := range specs {
		list.Data = append(list.Data, types.ModelObject{
			ID:      spec.ID,
			Object:  "model",
			OwnedBy: "switchboard",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.pool != nil {
		resp["pools"] = s.pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamOpened(decision routing.Decision) {
	if s.metrics != nil {
		s.metrics.StreamOpened(string(decision.Path))
	}
}

func (s *Server) streamClosed(decision routing.Decision, status string, seconds float64) {
	if s.metrics != nil {
		s.metrics.StreamClosed(string(decision.Path), decision.Model, status, seconds)
	}
}

func (s *Server) logError(r *http.Request, msg string, err error) {
	if s.logger != nil {
		s.logger.Error(r.Context(), msg, "error", err)
	}
}

func wireArtifact(a *stream.Artifact) *types.Artifact {
	if a == nil {
		return nil
	}
	return &types.Artifact{URL: a.URL, MimeType: a.MimeType, Size: a.Size}
}

func wireUsage(u *stream.Usage) *types.Usage {
	if u == nil {
		return nil
	}
	return &types.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.PromptTokens + u.CompletionTokens,
	}
}

// statusForCode maps terminal stream error codes to HTTP statuses for
// collected responses that produced no output.
func statusForCode(code string) int {
	switch code {
	case stream.CodeSandboxUnavailable:
		return http.StatusServiceUnavailable
	case stream.CodeBackendUnavailable:
		return http.StatusBadGateway
	case stream.CodeSandboxReadTimeout, stream.CodeGlobalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	errType := "invalid_request_error"
	switch {
	case status == http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case status >= http.StatusInternalServerError:
		errType = "server_error"
	}
	writeJSON(w, status, types.ErrorResponse{Error: types.ErrorDetail{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}
