package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	coderws "github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"

	"github.com/google/uuid"
)

const (
	// wsFirstFrameTimeout bounds how long a connection may sit idle
	// before sending its single request frame.
	wsFirstFrameTimeout = 30 * time.Second
	// wsWriteTimeout bounds each outbound frame.
	wsWriteTimeout = 10 * time.Second
)

// StreamWS handles GET /v1/chat/stream: one request frame in, the chunk
// sequence out as JSON text frames, a done frame, close 1000.
func (h *ChatHandler) StreamWS(c *gin.Context) {
	principal, ok := middleware.GetPrincipalFromContext(c)
	if !ok {
		errorResponse(c, infraerrors.Unauthorized("AUTH_HEADER_INVALID",
			"missing Authorization header"))
		return
	}
	reqLog := requestLogger(c, "handler.chat.stream_ws")

	conn, err := coderws.Accept(c.Writer, c.Request, &coderws.AcceptOptions{
		CompressionMode: coderws.CompressionContextTakeover,
	})
	if err != nil {
		reqLog.Warn("ws.accept_failed", zap.Error(err),
			zap.String("upgrade_header", strings.TrimSpace(c.GetHeader("Upgrade"))))
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(h.cfg.Server.MaxBodyBytesOrDefault())

	ctx := c.Request.Context()

	readCtx, cancelRead := context.WithTimeout(ctx, wsFirstFrameTimeout)
	msgType, frame, err := conn.Read(readCtx)
	cancelRead()
	if err != nil {
		reqLog.Warn("ws.first_frame_read_failed", zap.Error(err))
		closeWS(conn, coderws.StatusPolicyViolation, "request frame required")
		return
	}
	if msgType != coderws.MessageText {
		closeWS(conn, coderws.StatusPolicyViolation, "text frame required")
		return
	}

	req, err := h.normalizeChatBody(ctx, frame, principal)
	if err != nil {
		h.failWS(ctx, conn, err)
		return
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		Owner:     principal.ID,
		Model:     req.Model,
		State:     domain.JobQueued,
		Stream:    true,
		Params:    req.Body,
		CreatedAt: time.Now().UTC(),
	}
	reqLog = reqLog.With(zap.String("job_id", job.ID), zap.String("model", job.Model))

	sessions, cancelWatch := h.scheduler.WatchStream(job.ID)
	defer cancelWatch()
	records, unsubscribe := h.registry.Subscribe(job.ID)
	defer unsubscribe()

	if err := h.registry.Create(ctx, job); err != nil {
		h.failWS(ctx, conn, err)
		return
	}
	if err := h.scheduler.Submit(ctx, job); err != nil {
		if _, cErr := h.registry.Cancel(context.Background(), job.ID); cErr != nil && !infraerrors.IsConflict(cErr) {
			reqLog.Warn("ws.unwind_failed", zap.Error(cErr))
		}
		h.failWS(ctx, conn, err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.Queue.AdmissionDeadlineOrDefault())
	defer cancel()

	select {
	case session := <-sessions:
		h.pumpWS(ctx, conn, job, session, reqLog)

	case record := <-records:
		if record != nil && record.State == domain.JobCompleted {
			h.replayWS(ctx, conn, record)
			return
		}
		if record == nil {
			h.failWS(ctx, conn, infraerrors.NotFound("JOB_NOT_FOUND", "job not found or expired"))
			return
		}
		if record.State == domain.JobCancelled {
			h.failWS(ctx, conn, infraerrors.Conflict("JOB_CANCELLED", "job was cancelled"))
			return
		}
		h.failWS(ctx, conn, failureError(record))

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			h.cancelDetached(job.ID)
			return
		}
		h.failWS(ctx, conn, infraerrors.Unavailable("NO_CAPACITY",
			"no capacity within the admission deadline"))
	}
}

// pumpWS bridges the session onto the socket: role chunk, token chunks,
// finish chunk, {"done":true}, close 1000.
func (h *ChatHandler) pumpWS(ctx context.Context, conn *coderws.Conn, job *domain.Job, session *service.StreamSession, reqLog *zap.Logger) {
	id := "chatcmpl-" + job.ID
	created := time.Now().Unix()

	if err := writeWSJSON(ctx, conn, roleChunk(id, created, job.Model)); err != nil {
		session.Cancel()
		return
	}

	heartbeat := time.NewTimer(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case token, ok := <-session.Tokens():
			if !ok {
				h.finishWS(ctx, conn, id, created, job.Model, session, reqLog)
				return
			}
			if err := writeWSJSON(ctx, conn, contentChunk(id, created, job.Model, token)); err != nil {
				reqLog.Info("ws.client_disconnected")
				session.Cancel()
				return
			}
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(sseHeartbeatInterval)

		case <-heartbeat.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				reqLog.Info("ws.ping_failed", zap.Error(err))
				session.Cancel()
				return
			}
			h.sink.IncCounter(metrics.MetricHeartbeatsTotal, metrics.Labels{"transport": "ws"})
			heartbeat.Reset(sseHeartbeatInterval)

		case <-ctx.Done():
			reqLog.Info("ws.client_disconnected")
			session.Cancel()
			return
		}
	}
}

func (h *ChatHandler) finishWS(ctx context.Context, conn *coderws.Conn, id string, created int64, model string, session *service.StreamSession, reqLog *zap.Logger) {
	usage, err := session.Outcome()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		reqLog.Warn("ws.backend_error", zap.Error(err))
		h.failWS(ctx, conn, err)
		return
	}
	if err := writeWSJSON(ctx, conn, finishChunk(id, created, model)); err != nil {
		return
	}
	if err := writeWSJSON(ctx, conn, map[string]any{"done": true}); err != nil {
		return
	}
	if usage != nil {
		reqLog.Info("ws.completed",
			zap.Int("prompt_tokens", usage.PromptTokens),
			zap.Int("completion_tokens", usage.CompletionTokens))
	}
	_ = conn.Close(coderws.StatusNormalClosure, "")
}

// replayWS renders a record that completed before the watcher handoff.
func (h *ChatHandler) replayWS(ctx context.Context, conn *coderws.Conn, job *domain.Job) {
	id := "chatcmpl-" + job.ID
	created := time.Now().Unix()
	if err := writeWSJSON(ctx, conn, roleChunk(id, created, job.Model)); err != nil {
		return
	}
	if job.Result != "" {
		if err := writeWSJSON(ctx, conn, contentChunk(id, created, job.Model, job.Result)); err != nil {
			return
		}
	}
	if err := writeWSJSON(ctx, conn, finishChunk(id, created, job.Model)); err != nil {
		return
	}
	if err := writeWSJSON(ctx, conn, map[string]any{"done": true}); err != nil {
		return
	}
	_ = conn.Close(coderws.StatusNormalClosure, "")
}

// failWS sends the error frame then closes: 1008 for request-shaped
// failures, 1011 for server-side ones.
func (h *ChatHandler) failWS(ctx context.Context, conn *coderws.Conn, err error) {
	e := infraerrors.FromError(err)
	_ = writeWSJSON(ctx, conn, map[string]any{
		"error": map[string]any{
			"type":    infraerrors.TypeOf(e),
			"message": e.Status.Message,
			"code":    infraerrors.ExternalCode(e),
		},
	})
	closeWS(conn, wsCloseStatus(e), e.Status.Message)
}

func wsCloseStatus(err error) coderws.StatusCode {
	switch infraerrors.TypeOf(err) {
	case infraerrors.TypeInvalidRequest, infraerrors.TypeAuthentication,
		infraerrors.TypePermission, infraerrors.TypeRateLimit:
		return coderws.StatusPolicyViolation
	default:
		return coderws.StatusInternalError
	}
}

func writeWSJSON(ctx context.Context, conn *coderws.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, coderws.MessageText, payload)
}

// closeWS closes with a bounded reason; CloseNow backstops a peer that
// never reads the close frame.
func closeWS(conn *coderws.Conn, status coderws.StatusCode, reason string) {
	reason = strings.TrimSpace(reason)
	if len(reason) > 120 {
		reason = reason[:120]
	}
	_ = conn.Close(status, reason)
	_ = conn.CloseNow()
}
