package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"gemchat/internal/ai"
	"gemchat/internal/chat"
	"gemchat/internal/config"
	"gemchat/internal/store/rabbitmq"
	"gemchat/internal/store/redisstore"
)

type Handler struct {
	Cfg     config.Config
	ChatSvc *chat.Service
	Catalog *ai.GeminiProvider
	Cache   *redisstore.ModelCache // nil disables catalog caching
	Rabbit  *rabbitmq.Publisher    // nil disables the async send path

	passwordHash []byte
}

func NewHandler(cfg config.Config, svc *chat.Service, catalog *ai.GeminiProvider, cache *redisstore.ModelCache, rabbit *rabbitmq.Publisher) *Handler {
	h := &Handler{
		Cfg:     cfg,
		ChatSvc: svc,
		Catalog: catalog,
		Cache:   cache,
		Rabbit:  rabbit,
	}
	if cfg.AccessPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AccessPassword), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("hash access password: %v", err)
		}
		h.passwordHash = hash
	}
	return h
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
