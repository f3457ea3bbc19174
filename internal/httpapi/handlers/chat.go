package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"gemchat/internal/ai"
	"gemchat/internal/chat"
	"gemchat/internal/common"
)

type sendMessageReq struct {
	SessionID string                `json:"session_id" binding:"required"`
	Message   string                `json:"message" binding:"required"`
	Files     []chat.FileAttachment `json:"files"`
}

// sendFailure translates classified generation/storage errors into a user
// facing status and message.
func sendFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ai.ErrSafetyBlocked):
		fail(c, http.StatusBadRequest, 40002, "Message blocked by safety settings. Please try rephrasing.")
	case errors.Is(err, ai.ErrThrottled):
		fail(c, http.StatusTooManyRequests, 40003, "The model rejected the request. Check limits or try again later.")
	case errors.Is(err, chat.ErrStorageUnavailable):
		fail(c, http.StatusInternalServerError, 50006, "failed to save chat history")
	case errors.Is(err, gorm.ErrRecordNotFound):
		fail(c, http.StatusNotFound, 40004, "session not found")
	default:
		fail(c, http.StatusBadGateway, 50007, "failed to generate a response")
	}
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msg, err := h.ChatSvc.SendMessage(c.Request.Context(), req.SessionID, req.Message, req.Files)
	if err != nil {
		sendFailure(c, err)
		return
	}
	ok(c, gin.H{
		"session_id": msg.SessionID,
		"message":    msg,
	})
}

// SendChatMessageStream streams the assistant reply over SSE: chunk events
// while generating, a final done event carrying the persisted message, and
// periodic pings to keep intermediaries from closing the connection.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"streaming not supported\"}\n\n")
		return
	}

	writeEvent := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"encode failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	ctx := c.Request.Context()
	chunks, done, msgCh, errs := h.ChatSvc.SendMessageStream(ctx, req.SessionID, req.Message, req.Files)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				chunks = nil
				continue
			}
			writeEvent("chunk", gin.H{"type": "chunk", "delta": chunk})

		case <-ticker.C:
			writeEvent("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case err := <-errs:
			if err == nil {
				continue
			}
			writeEvent("error", gin.H{"type": "error", "message": streamErrorMessage(err)})
			return

		case <-done:
			var msg *chat.Message
			select {
			case msg = <-msgCh:
			default:
			}
			writeEvent("done", gin.H{"type": "done", "message": msg})
			return

		case <-ctx.Done():
			return
		}
	}
}

func streamErrorMessage(err error) string {
	switch {
	case errors.Is(err, ai.ErrSafetyBlocked):
		return "Message blocked by safety settings. Please try rephrasing."
	case errors.Is(err, ai.ErrThrottled):
		return "The model rejected the request. Check limits or try again later."
	case errors.Is(err, chat.ErrStorageUnavailable):
		return "failed to save chat history"
	default:
		return "failed to generate a response"
	}
}

// SendChatMessageAsync persists the user turn immediately, queues a job for
// the worker, and returns the job id. Requires RabbitMQ to be configured.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	if h.Rabbit == nil {
		fail(c, http.StatusServiceUnavailable, 50301, "async sends are not configured")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	sess, err := h.ChatSvc.GetOrCreateSession(c.Request.Context(), req.SessionID)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if _, err := h.ChatSvc.AppendUserMessage(c.Request.Context(), sess.SessionID, req.Message, req.Files); err != nil {
		log.Printf("async send: append user message session=%s err=%v", sess.SessionID, err)
		fail(c, http.StatusInternalServerError, 50006, "failed to save chat history")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	job := &chat.Job{
		ID:             jobID,
		SessionID:      sess.SessionID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}
	job, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), job)
	if err != nil {
		log.Printf("async send: create job session=%s err=%v", sess.SessionID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Printf("async send: publish job=%s err=%v", job.ID, err)
			fail(c, http.StatusInternalServerError, 50008, "enqueue failed")
			return
		}
	}

	ok(c, gin.H{"job_id": job.ID, "session_id": sess.SessionID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	job, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	ok(c, gin.H{"job": gin.H{
		"id":                job.ID,
		"session_id":        job.SessionID,
		"status":            job.Status,
		"result_message_id": job.ResultMessageID,
		"error":             job.Error,
		"created_at":        job.CreatedAt,
		"updated_at":        job.UpdatedAt,
	}})
}
