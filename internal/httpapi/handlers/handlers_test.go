package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"gemchat/internal/ai"
	"gemchat/internal/chat"
	"gemchat/internal/config"
	"gemchat/internal/httpapi"
	"gemchat/internal/httpapi/handlers"
)

type stubProvider struct {
	reply string
	err   error
}

func (p *stubProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func newTestRouter(t *testing.T, prov ai.Provider, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Session{}, &chat.Message{}, &chat.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := ai.NewRegistry()
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})
	svc := chat.NewService(chat.NewRepo(db), reg, "gemini", "gemini-1.5-flash", 20, 100)

	h := handlers.NewHandler(cfg, svc, nil, nil, nil)
	return httpapi.NewRouter(h)
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, w.Body.String())
	}
	return envelope.Data
}

func TestSendAndPageMessages_EndToEnd(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "Hi there"}, config.Config{})

	w := doJSON(t, r, http.MethodPost, "/chat/sessions", gin.H{}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}
	sess := decodeData(t, w)["session"].(map[string]any)
	sid := sess["session_id"].(string)

	w = doJSON(t, r, http.MethodPost, "/chat/messages", gin.H{
		"session_id": sid,
		"message":    "Hello",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("send: %d %s", w.Code, w.Body.String())
	}
	msg := decodeData(t, w)["message"].(map[string]any)
	if msg["content"] != "Hi there" || msg["role"] != "assistant" {
		t.Fatalf("assistant message = %v", msg)
	}

	w = doJSON(t, r, http.MethodGet, "/chat/sessions/"+sid+"/messages?limit=10&offset=0", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("page: %d %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	msgs := data["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("paged %d messages, want 2", len(msgs))
	}
	if data["has_more"] != false {
		t.Fatalf("has_more = %v, want false", data["has_more"])
	}

	w = doJSON(t, r, http.MethodGet, "/chat/sessions/"+sid, nil, nil)
	got := decodeData(t, w)["session"].(map[string]any)
	if got["message_count"] != float64(2) || got["title"] != "Hello" {
		t.Fatalf("session aggregate = %v", got)
	}
}

func TestSendMessage_ErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"safety", fmt.Errorf("blocked: %w", ai.ErrSafetyBlocked), http.StatusBadRequest},
		{"throttled", fmt.Errorf("quota: %w", ai.ErrThrottled), http.StatusTooManyRequests},
		{"generation", fmt.Errorf("bad: %w", ai.ErrGenerationFailed), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t, &stubProvider{err: tc.err}, config.Config{})

			w := doJSON(t, r, http.MethodPost, "/chat/sessions", gin.H{}, nil)
			sid := decodeData(t, w)["session"].(map[string]any)["session_id"].(string)

			w = doJSON(t, r, http.MethodPost, "/chat/messages", gin.H{
				"session_id": sid,
				"message":    "Hello",
			}, nil)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestSendMessage_RejectsInvalidBody(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "x"}, config.Config{})

	w := doJSON(t, r, http.MethodPost, "/chat/messages", gin.H{"session_id": "s"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing message: %d", w.Code)
	}
}

func TestExportSession_Download(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "pong"}, config.Config{})

	w := doJSON(t, r, http.MethodPost, "/chat/sessions", gin.H{}, nil)
	sid := decodeData(t, w)["session"].(map[string]any)["session_id"].(string)
	doJSON(t, r, http.MethodPost, "/chat/messages", gin.H{"session_id": sid, "message": "ping"}, nil)

	w = doJSON(t, r, http.MethodGet, "/chat/sessions/"+sid+"/export", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: %d %s", w.Code, w.Body.String())
	}
	cd := w.Header().Get("Content-Disposition")
	if !strings.HasPrefix(cd, `attachment; filename="ping_`) {
		t.Fatalf("content disposition = %q", cd)
	}
	var export chat.SessionExport
	if err := json.Unmarshal(w.Body.Bytes(), &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if export.Title != "ping" || len(export.Messages) != 2 {
		t.Fatalf("export = %+v", export)
	}

	w = doJSON(t, r, http.MethodGet, "/chat/sessions/missing/export", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing export: %d", w.Code)
	}
}

func TestAsyncSend_RequiresQueue(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "x"}, config.Config{})

	w := doJSON(t, r, http.MethodPost, "/chat/messages/async", gin.H{
		"session_id": "s", "message": "hi",
	}, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("async without rabbit: %d", w.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "x"}, config.Config{})

	w := doJSON(t, r, http.MethodGet, "/chat/jobs/01NOPEJOBXXXXXXXXXXXXXXXXX", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing job: %d", w.Code)
	}
}

func TestAuth_PasswordProtectedFlow(t *testing.T) {
	cfg := config.Config{AccessPassword: "hunter2", JWTSecret: "test-secret"}
	r := newTestRouter(t, &stubProvider{reply: "x"}, cfg)

	w := doJSON(t, r, http.MethodGet, "/chat/sessions", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/login", gin.H{"password": "wrong"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/login", gin.H{"password": "hunter2"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	token := decodeData(t, w)["token"].(string)

	w = doJSON(t, r, http.MethodGet, "/chat/sessions", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated list: %d %s", w.Code, w.Body.String())
	}
}
