package handlers

import (
	"log"

	"github.com/gin-gonic/gin"

	"gemchat/internal/ai"
)

// ListModels serves the model catalog: Redis cache first, then the live
// Gemini listing, then the hardcoded defaults. Listing failures never fail
// the caller.
func (h *Handler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	if h.Cache != nil {
		if models, hit := h.Cache.Get(ctx); hit {
			ok(c, gin.H{"models": models})
			return
		}
	}

	var models []ai.ModelInfo
	if h.Catalog != nil {
		live, err := h.Catalog.ListModels(ctx)
		if err != nil {
			log.Printf("models: live listing failed, using defaults: %v", err)
		} else {
			models = live
		}
	}
	if len(models) == 0 {
		models = ai.DefaultModels()
	} else if h.Cache != nil {
		h.Cache.Set(ctx, models)
	}

	ok(c, gin.H{"models": models})
}
