package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenLifetime = 7 * 24 * time.Hour

type loginReq struct {
	Password string `json:"password" binding:"required"`
}

// Login exchanges the configured access password for a bearer token.
func (h *Handler) Login(c *gin.Context) {
	if h.passwordHash == nil {
		fail(c, http.StatusNotFound, 40400, "auth is not enabled")
		return
	}

	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		fail(c, http.StatusUnauthorized, 40102, "wrong password")
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "owner",
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
	})
	signed, err := token.SignedString([]byte(h.Cfg.JWTSecret))
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to issue token")
		return
	}

	ok(c, gin.H{"token": signed})
}
