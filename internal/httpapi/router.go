package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gemchat/internal/common"
	"gemchat/internal/httpapi/handlers"
	"gemchat/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.POST("/login", h.Login)

	api := r.Group("/")
	if h.Cfg.AccessPassword != "" {
		api.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	}

	api.GET("/models", h.ListModels)

	api.POST("/chat/sessions", h.CreateChatSession)
	api.GET("/chat/sessions", h.ListChatSessions)
	api.GET("/chat/sessions/:session_id", h.GetChatSession)
	api.PATCH("/chat/sessions/:session_id", h.UpdateChatSession)
	api.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	api.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	api.GET("/chat/sessions/:session_id/export", h.ExportChatSession)

	api.POST("/chat/messages", h.SendChatMessage)
	api.POST("/chat/messages/stream", h.SendChatMessageStream)
	api.POST("/chat/messages/async", h.SendChatMessageAsync)
	api.GET("/chat/jobs/:job_id", h.GetChatJob)

	return r
}
