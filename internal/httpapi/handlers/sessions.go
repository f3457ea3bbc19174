package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"gemchat/internal/chat"
)

type createSessionReq struct {
	Model string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), req.Model)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}
	ok(c, gin.H{"session": sess})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to load sessions")
		return
	}
	ok(c, gin.H{"sessions": sessions})
}

// GetChatSession loads one session, reconciling its message count against
// the live store. A missing id yields a fresh session rather than a 404.
func (h *Handler) GetChatSession(c *gin.Context) {
	sess, err := h.ChatSvc.LoadSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to load session")
		return
	}
	ok(c, gin.H{"session": sess})
}

type updateSessionReq struct {
	Model *string `json:"model"`
	Title *string `json:"title"`
}

func (h *Handler) UpdateChatSession(c *gin.Context) {
	var req updateSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Model == nil && req.Title == nil {
		fail(c, http.StatusBadRequest, 10002, "nothing to update")
		return
	}

	sessionID := c.Param("session_id")
	var (
		sess *chat.Session
		err  error
	)
	if req.Model != nil {
		sess, err = h.ChatSvc.UpdateSessionModel(c.Request.Context(), sessionID, *req.Model)
	}
	if err == nil && req.Title != nil {
		sess, err = h.ChatSvc.UpdateSessionTitle(c.Request.Context(), sessionID, *req.Title)
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50003, "failed to update session")
		return
	}
	ok(c, gin.H{"session": sess})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), c.Param("session_id")); err != nil {
		fail(c, http.StatusInternalServerError, 50004, "failed to delete session")
		return
	}
	ok(c, gin.H{"deleted": true})
}

// ListChatMessages pages history backwards from the newest message:
// offset 0 is the latest batch, larger offsets reach older ones. Returned
// messages are always in chronological order.
func (h *Handler) ListChatMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	msgs, hasMore, err := h.ChatSvc.PageMessages(c.Request.Context(), c.Param("session_id"), limit, offset)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to load messages")
		return
	}
	ok(c, gin.H{
		"messages": msgs,
		"has_more": hasMore,
	})
}

func (h *Handler) ExportChatSession(c *gin.Context) {
	export, filename, err := h.ChatSvc.ExportSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50002, "failed to export session")
		return
	}

	body, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		fail(c, http.StatusInternalServerError, 50005, "failed to encode export")
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/json", body)
}
