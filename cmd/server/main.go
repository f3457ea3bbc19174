package main

import (
	"context"
	"log"
	"strings"

	"gemchat/internal/ai"
	"gemchat/internal/chat"
	"gemchat/internal/config"
	"gemchat/internal/db"
	"gemchat/internal/httpapi"
	"gemchat/internal/httpapi/handlers"
	"gemchat/internal/store/rabbitmq"
	"gemchat/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	if err := db.Migrate(gdb, &chat.Session{}, &chat.Message{}, &chat.Job{}); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	repo := chat.NewRepo(gdb)

	// Backstop for deletes interrupted before completing: drop messages
	// whose session is gone.
	if n, err := repo.SweepOrphanMessages(context.Background()); err != nil {
		log.Printf("orphan sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("orphan sweep removed %d messages", n)
	}

	reg := ai.NewRegistry()
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.DefaultModel
		}
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, m), nil
	})

	svc := chat.NewService(repo, reg, cfg.AIProvider, cfg.DefaultModel,
		cfg.ChatContextWindowSize, cfg.ChatRetentionLimit)

	catalog := ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.DefaultModel)

	var cache *redisstore.ModelCache
	if cfg.RedisAddr != "" {
		cache = redisstore.NewModelCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ModelCacheTTL)
		defer cache.Close()
	}

	var rabbit *rabbitmq.Publisher
	if cfg.RabbitURL != "" {
		rabbit, err = rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Printf("rabbitmq unavailable, async sends disabled: %v", err)
			rabbit = nil
		} else {
			defer rabbit.Close()
		}
	}

	h := handlers.NewHandler(cfg, svc, catalog, cache, rabbit)
	r := httpapi.NewRouter(h)

	log.Printf("gemchat server listening on %s", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
