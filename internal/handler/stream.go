package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
	"github.com/helixflow/helixgate/internal/service"
)

// sseHeartbeatInterval is the token-silence span after which a comment
// line keeps intermediaries from idling the connection out.
const sseHeartbeatInterval = 15 * time.Second

// streamChunk is one chat.completion.chunk event.
type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// chunkChoice keeps finish_reason an explicit null until the final chunk.
type chunkChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

func roleChunk(id string, created int64, model string) streamChunk {
	return streamChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Index: 0, Delta: map[string]any{"role": "assistant"}}},
	}
}

func contentChunk(id string, created int64, model, token string) streamChunk {
	return streamChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Index: 0, Delta: map[string]any{"content": token}}},
	}
}

func finishChunk(id string, created int64, model string) streamChunk {
	reason := "stop"
	return streamChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Index: 0, Delta: map[string]any{}, FinishReason: &reason}},
	}
}

// streamCompletion runs the SSE path: register the stream watcher, admit
// the job, then bridge the token session onto the wire.
func (h *ChatHandler) streamCompletion(c *gin.Context, job *domain.Job) {
	reqLog := requestLogger(c, "handler.chat.stream",
		zap.String("job_id", job.ID), zap.String("model", job.Model))

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		errorResponse(c, infraerrors.Internal("INTERNAL", "response writer cannot stream"))
		return
	}

	// Watch before Submit, or the worker may start the job in drain mode.
	sessions, cancelWatch := h.scheduler.WatchStream(job.ID)
	defer cancelWatch()
	records, unsubscribe := h.registry.Subscribe(job.ID)
	defer unsubscribe()

	if err := h.admit(c, job); err != nil {
		errorResponse(c, err)
		return
	}

	waitCtx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.Queue.AdmissionDeadlineOrDefault())
	defer cancel()

	select {
	case session := <-sessions:
		h.pumpSSE(c, flusher, job, session, reqLog)

	case record := <-records:
		if record == nil {
			// Purged waiter: the record expired out from under us.
			errorResponse(c, infraerrors.NotFound("JOB_NOT_FOUND", "job not found or expired"))
			return
		}
		// Terminal before the first token. A completed record here means
		// the stream ran out without a local watcher handoff; replay it.
		if record.State == domain.JobCompleted {
			h.replaySSE(c, flusher, record)
			return
		}
		if record.State == domain.JobCancelled {
			errorResponse(c, infraerrors.Conflict("JOB_CANCELLED", "job was cancelled"))
			return
		}
		err := failureError(record)
		if infraerrors.IsUnavailable(err) {
			errorResponseRetryable(c, err, 1)
			return
		}
		errorResponse(c, err)

	case <-waitCtx.Done():
		if c.Request.Context().Err() != nil {
			reqLog.Info("stream.client_gone_before_start")
			h.cancelDetached(job.ID)
			c.Abort()
			return
		}
		errorResponseRetryable(c, infraerrors.Unavailable("NO_CAPACITY",
			"no capacity within the admission deadline"), 1)
	}
}

// pumpSSE forwards the live session to the client with the exact chunk
// framing: role, one chunk per token, finish, [DONE]. A mid-stream
// backend error becomes an error event and the [DONE] is withheld.
func (h *ChatHandler) pumpSSE(c *gin.Context, flusher http.Flusher, job *domain.Job, session *service.StreamSession, reqLog *zap.Logger) {
	writeSSEHeaders(c)
	id := "chatcmpl-" + job.ID
	created := time.Now().Unix()

	if err := writeSSEChunk(c, flusher, roleChunk(id, created, job.Model)); err != nil {
		session.Cancel()
		return
	}

	heartbeat := time.NewTimer(sseHeartbeatInterval)
	defer heartbeat.Stop()
	clientGone := c.Request.Context().Done()

	for {
		select {
		case token, ok := <-session.Tokens():
			if !ok {
				h.finishSSE(c, flusher, id, created, job.Model, session, reqLog)
				return
			}
			if err := writeSSEChunk(c, flusher, contentChunk(id, created, job.Model, token)); err != nil {
				reqLog.Info("stream.client_disconnected")
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
			if err := writeSSEComment(c, flusher, "ping"); err != nil {
				reqLog.Info("stream.client_disconnected")
				session.Cancel()
				return
			}
			h.sink.IncCounter(metrics.MetricHeartbeatsTotal, metrics.Labels{"transport": "sse"})
			heartbeat.Reset(sseHeartbeatInterval)

		case <-clientGone:
			reqLog.Info("stream.client_disconnected")
			session.Cancel()
			return
		}
	}
}

func (h *ChatHandler) finishSSE(c *gin.Context, flusher http.Flusher, id string, created int64, model string, session *service.StreamSession, reqLog *zap.Logger) {
	usage, err := session.Outcome()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		reqLog.Warn("stream.backend_error", zap.Error(err))
		writeSSEError(c, flusher, err)
		return
	}
	if err := writeSSEChunk(c, flusher, finishChunk(id, created, model)); err != nil {
		return
	}
	writeSSEDone(c, flusher)
	if usage != nil {
		reqLog.Info("stream.completed",
			zap.Int("prompt_tokens", usage.PromptTokens),
			zap.Int("completion_tokens", usage.CompletionTokens))
	}
}

// replaySSE renders an already-completed record as the chunk sequence.
// Zero-token completions still get the full role/finish/[DONE] framing.
func (h *ChatHandler) replaySSE(c *gin.Context, flusher http.Flusher, job *domain.Job) {
	writeSSEHeaders(c)
	id := "chatcmpl-" + job.ID
	created := time.Now().Unix()

	if err := writeSSEChunk(c, flusher, roleChunk(id, created, job.Model)); err != nil {
		return
	}
	if job.Result != "" {
		if err := writeSSEChunk(c, flusher, contentChunk(id, created, job.Model, job.Result)); err != nil {
			return
		}
	}
	if err := writeSSEChunk(c, flusher, finishChunk(id, created, job.Model)); err != nil {
		return
	}
	writeSSEDone(c, flusher)
}

// cancelDetached converges a job whose client vanished before the stream
// began: terminal record plus local execution cancel.
func (h *ChatHandler) cancelDetached(jobID string) {
	if _, err := h.registry.Cancel(context.Background(), jobID); err != nil && !infraerrors.IsConflict(err) {
		logger.L().Warn("stream.cancel_detached", zap.String("job_id", jobID), zap.Error(err))
	}
	h.scheduler.Abort(jobID)
}

func writeSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

func writeSSEChunk(c *gin.Context, flusher http.Flusher, chunk streamChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(c *gin.Context, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(c.Writer, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEDone(c *gin.Context, flusher http.Flusher) {
	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeSSEError emits the error event frame. The fixed schema is quoted
// by hand so a marshalling failure cannot mask the original error.
func writeSSEError(c *gin.Context, flusher http.Flusher, err error) {
	e := infraerrors.FromError(err)
	frame := "event: error\ndata: " +
		`{"error":{"type":` + strconv.Quote(infraerrors.TypeOf(e)) +
		`,"message":` + strconv.Quote(e.Status.Message) +
		`,"code":` + strconv.Quote(infraerrors.ExternalCode(e)) + `}}` + "\n\n"
	if _, wErr := fmt.Fprint(c.Writer, frame); wErr != nil {
		return
	}
	flusher.Flush()
}
