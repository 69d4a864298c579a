package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/httputil"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

// Request-side bounds. max_tokens defaults low so an absent field cannot
// pin a device for a whole context window.
const (
	defaultMaxTokens = 256
	maxMaxTokens     = 4096
)

// ChatHandler admits chat completion requests: validate, persist a queued
// job, enqueue, then either wait for the terminal record or stream.
type ChatHandler struct {
	cfg       *config.Config
	catalog   *service.ModelCatalog
	registry  *service.JobRegistry
	scheduler *service.Scheduler
	sink      metrics.Sink
}

func NewChatHandler(cfg *config.Config, catalog *service.ModelCatalog, registry *service.JobRegistry, scheduler *service.Scheduler, sink metrics.Sink) *ChatHandler {
	if sink == nil {
		sink = metrics.NewNop()
	}
	return &ChatHandler{cfg: cfg, catalog: catalog, registry: registry, scheduler: scheduler, sink: sink}
}

// chatRequest is the validated, normalized view of one request body.
type chatRequest struct {
	Model  string
	Stream bool
	Body   []byte
}

// Completions handles POST /v1/chat/completions.
func (h *ChatHandler) Completions(c *gin.Context) {
	principal, ok := middleware.GetPrincipalFromContext(c)
	if !ok {
		errorResponse(c, infraerrors.Unauthorized("AUTH_HEADER_INVALID",
			"missing Authorization header"))
		return
	}

	req, err := h.readChatRequest(c, principal)
	if err != nil {
		errorResponse(c, err)
		return
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		Owner:     principal.ID,
		Model:     req.Model,
		State:     domain.JobQueued,
		Stream:    req.Stream,
		Params:    req.Body,
		CreatedAt: time.Now().UTC(),
	}

	if req.Stream {
		h.streamCompletion(c, job)
		return
	}
	h.syncCompletion(c, job)
}

// readChatRequest reads the HTTP body and hands it to the shared
// validator.
func (h *ChatHandler) readChatRequest(c *gin.Context, principal *domain.Principal) (*chatRequest, error) {
	body, err := httputil.ReadBounded(c.Request, h.cfg.Server.MaxBodyBytesOrDefault())
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			return nil, infraerrors.New(http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
				fmt.Sprintf("request body exceeds %d bytes", h.cfg.Server.MaxBodyBytesOrDefault()))
		}
		return nil, infraerrors.BadRequest("VALIDATION_FAILED", "failed to read request body")
	}
	return h.normalizeChatBody(c.Request.Context(), body, principal)
}

// normalizeChatBody validates a raw chat completion body and normalizes
// it for persistence: user stamped with the principal id, max_tokens
// defaulted. Both the HTTP and the WebSocket path run through here.
func (h *ChatHandler) normalizeChatBody(ctx context.Context, body []byte, principal *domain.Principal) (*chatRequest, error) {
	var err error
	if len(body) == 0 {
		return nil, infraerrors.BadRequest("VALIDATION_FAILED", "request body is empty")
	}
	if !gjson.ValidBytes(body) {
		return nil, infraerrors.BadRequest("VALIDATION_FAILED", "request body is not valid JSON")
	}

	model := gjson.GetBytes(body, "model")
	if !model.Exists() || model.Type != gjson.String || model.String() == "" {
		return nil, infraerrors.BadRequest("VALIDATION_FAILED", "model is required")
	}
	if err := h.catalog.Require(ctx, model.String()); err != nil {
		return nil, err
	}

	messages := gjson.GetBytes(body, "messages")
	if !messages.Exists() || !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, infraerrors.BadRequest("VALIDATION_FAILED", "messages must be a non-empty array")
	}
	for i, m := range messages.Array() {
		role := m.Get("role")
		switch role.String() {
		case "system", "user", "assistant":
		default:
			return nil, infraerrors.BadRequest("VALIDATION_FAILED",
				fmt.Sprintf("messages[%d].role must be system, user or assistant", i))
		}
		content := m.Get("content")
		if !content.Exists() || content.Type != gjson.String {
			return nil, infraerrors.BadRequest("VALIDATION_FAILED",
				fmt.Sprintf("messages[%d].content must be a string", i))
		}
	}

	maxTokens := gjson.GetBytes(body, "max_tokens")
	switch {
	case !maxTokens.Exists():
		if body, err = sjson.SetBytes(body, "max_tokens", defaultMaxTokens); err != nil {
			return nil, infraerrors.Internal("INTERNAL", "normalize request").WithCause(err)
		}
	case maxTokens.Type != gjson.Number || maxTokens.Int() <= 0 || maxTokens.Int() > maxMaxTokens ||
		float64(maxTokens.Int()) != maxTokens.Float():
		return nil, infraerrors.BadRequest("VALIDATION_FAILED",
			fmt.Sprintf("max_tokens must be an integer in 1..%d", maxMaxTokens))
	}

	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		if temp.Type != gjson.Number || temp.Float() < 0 || temp.Float() > 2 {
			return nil, infraerrors.BadRequest("VALIDATION_FAILED",
				"temperature must be a number between 0 and 2")
		}
	}

	stream := gjson.GetBytes(body, "stream")
	if stream.Exists() && stream.Type != gjson.True && stream.Type != gjson.False {
		return nil, infraerrors.BadRequest("VALIDATION_FAILED", "stream must be a boolean")
	}

	// The caller does not get to claim another principal's usage.
	if body, err = sjson.SetBytes(body, "user", principal.ID); err != nil {
		return nil, infraerrors.Internal("INTERNAL", "normalize request").WithCause(err)
	}

	return &chatRequest{Model: model.String(), Stream: stream.Bool(), Body: body}, nil
}

// syncCompletion runs the blocking path: create, enqueue, wait for the
// terminal record up to the admission deadline.
func (h *ChatHandler) syncCompletion(c *gin.Context, job *domain.Job) {
	reqLog := requestLogger(c, "handler.chat.completions",
		zap.String("job_id", job.ID), zap.String("model", job.Model))

	if err := h.admit(c, job); err != nil {
		errorResponse(c, err)
		return
	}

	waitCtx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.Queue.AdmissionDeadlineOrDefault())
	defer cancel()

	final, err := h.registry.Wait(waitCtx, job.ID)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Client went away; the record converges via the scheduler.
			reqLog.Info("chat.client_detached")
			c.Abort()
			return
		}
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			errorResponseRetryable(c, infraerrors.Unavailable("NO_CAPACITY",
				"no capacity within the admission deadline"), 1)
			return
		}
		errorResponse(c, err)
		return
	}

	switch final.State {
	case domain.JobCompleted:
		c.JSON(http.StatusOK, completionResponse(final))
	case domain.JobCancelled:
		errorResponse(c, infraerrors.Conflict("JOB_CANCELLED", "job was cancelled"))
	default:
		err := failureError(final)
		reqLog.Warn("chat.job_failed",
			zap.String("kind", final.ErrorKind), zap.String("error", final.Error))
		if infraerrors.IsUnavailable(err) {
			errorResponseRetryable(c, err, 1)
			return
		}
		errorResponse(c, err)
	}
}

// admit persists the queued record and enqueues the dispatch task. A
// queue rejection removes the record again so the id never resolves.
func (h *ChatHandler) admit(c *gin.Context, job *domain.Job) error {
	if err := h.registry.Create(c.Request.Context(), job); err != nil {
		return err
	}
	if err := h.scheduler.Submit(c.Request.Context(), job); err != nil {
		if _, cErr := h.registry.Cancel(context.Background(), job.ID); cErr != nil && !infraerrors.IsConflict(cErr) {
			requestLogger(c, "handler.chat.completions").Warn("chat.unwind_failed",
				zap.String("job_id", job.ID), zap.Error(cErr))
		}
		if infraerrors.IsUnavailable(err) {
			c.Writer.Header().Set("Retry-After", "1")
		}
		return err
	}
	return nil
}

// completionResponse renders a terminal completed record in the chat
// completion response shape.
func completionResponse(job *domain.Job) gin.H {
	usage := job.Usage
	if usage == nil {
		usage = &domain.Usage{}
	}
	created := job.CreatedAt.Unix()
	return gin.H{
		"id":      "chatcmpl-" + job.ID,
		"object":  "chat.completion",
		"created": created,
		"model":   job.Model,
		"choices": []gin.H{
			{
				"index": 0,
				"message": gin.H{
					"role":    "assistant",
					"content": job.Result,
				},
				"finish_reason": "stop",
			},
		},
		"usage": usage,
	}
}

// failureError converts a failed job record back into a status-coded
// error. Kinds are the lowercased reasons the scheduler recorded.
func failureError(job *domain.Job) error {
	msg := job.Error
	if msg == "" {
		msg = "job failed"
	}
	reason := strings.ToUpper(job.ErrorKind)
	if reason == "" {
		reason = "INTERNAL"
	}
	switch job.ErrorKind {
	case "no_capacity", "queue_full", "shutting_down":
		return infraerrors.Unavailable(reason, msg)
	case "model_not_found":
		return infraerrors.NotFound(reason, msg)
	case "backend_timeout":
		return infraerrors.New(http.StatusGatewayTimeout, reason, msg)
	case "backend_error", "backend_unavailable":
		return infraerrors.BadGateway(reason, msg)
	default:
		return infraerrors.Internal(reason, msg)
	}
}
