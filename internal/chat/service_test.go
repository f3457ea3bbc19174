package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"gemchat/internal/ai"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeProvider struct {
	reply string
	err   error
	last  []ai.Message
}

func (p *fakeProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	p.last = append([]ai.Message(nil), messages...)
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

type fakeStreamProvider struct {
	fakeProvider
	chunks     []string
	blockOnCtx bool
}

func (p *fakeStreamProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.last = append([]ai.Message(nil), messages...)
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, c := range p.chunks {
			out <- c
		}
		if p.blockOnCtx {
			<-ctx.Done()
			errs <- ctx.Err()
		}
	}()
	return out, errs
}

func newTestService(t *testing.T, prov ai.Provider, window, retention int) (*Service, *Repo) {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	reg := ai.NewRegistry()
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})
	svc := NewService(repo, reg, "gemini", "gemini-1.5-flash", window, retention)
	return svc, repo
}

func seedMessages(t *testing.T, repo *Repo, sessionID string, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		m := &Message{
			MessageID: fmt.Sprintf("seed%04d", i),
			SessionID: sessionID,
			Role:      role,
			Content:   fmt.Sprintf("seed-%d", i),
			Status:    StatusSent,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.InsertMessage(context.Background(), m); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}
}

func TestSendMessage_PersistsExchangeAndAggregates(t *testing.T) {
	prov := &fakeProvider{reply: "Hi there"}
	svc, repo := newTestService(t, prov, 20, 100)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Title != DefaultTitle {
		t.Fatalf("new session title = %q, want %q", sess.Title, DefaultTitle)
	}

	msg, err := svc.SendMessage(ctx, sess.SessionID, "Hello", nil)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.Role != RoleAssistant || msg.Content != "Hi there" {
		t.Fatalf("unexpected assistant msg: role=%q content=%q", msg.Role, msg.Content)
	}

	all, err := repo.ListAllMessages(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(all))
	}
	if all[0].Role != RoleUser || all[0].Content != "Hello" || all[0].Status != StatusSent {
		t.Fatalf("unexpected user msg: %+v", all[0])
	}
	if all[1].Role != RoleAssistant || all[1].Content != "Hi there" {
		t.Fatalf("unexpected assistant msg: %+v", all[1])
	}

	got, err := repo.GetSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MessageCount != 2 {
		t.Fatalf("message_count = %d, want 2", got.MessageCount)
	}
	if got.LastMessagePreview != "Hi there" {
		t.Fatalf("preview = %q, want %q", got.LastMessagePreview, "Hi there")
	}
	if got.Title != "Hello" {
		t.Fatalf("title = %q, want %q", got.Title, "Hello")
	}
}

func TestSendMessage_ContextWindowBounds(t *testing.T) {
	prov := &fakeProvider{reply: "ok"}
	window := 3
	svc, repo := newTestService(t, prov, window, 100)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	seedMessages(t, repo, sess.SessionID, 5, time.Now().UTC().Add(-time.Hour))

	if _, err := svc.SendMessage(ctx, sess.SessionID, "new", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}

	// history is window-1 older turns plus the current user turn
	if len(prov.last) != window {
		t.Fatalf("provider received %d turns, want %d", len(prov.last), window)
	}
	last := prov.last[len(prov.last)-1]
	if last.Role != RoleUser || len(last.Parts) == 0 || last.Parts[0].Text != "new" {
		t.Fatalf("last turn = %+v, want current user message", last)
	}
}

func TestSendMessage_FailureKeepsUserMessageConsistent(t *testing.T) {
	prov := &fakeProvider{err: fmt.Errorf("boom: %w", ai.ErrGenerationFailed)}
	svc, repo := newTestService(t, prov, 20, 100)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := svc.SendMessage(ctx, sess.SessionID, "Hello", nil); !errors.Is(err, ai.ErrGenerationFailed) {
		t.Fatalf("expected generation error, got %v", err)
	}

	all, err := repo.ListAllMessages(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected only the user message, got %d", len(all))
	}
	if all[0].Role != RoleUser || all[0].Status != StatusError {
		t.Fatalf("user msg after failure: role=%q status=%q", all[0].Role, all[0].Status)
	}

	got, err := repo.GetSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MessageCount != 1 {
		t.Fatalf("message_count = %d, want 1", got.MessageCount)
	}
	if got.LastMessagePreview != "" {
		t.Fatalf("preview = %q, want empty after failed exchange", got.LastMessagePreview)
	}
	if got.Title != DefaultTitle {
		t.Fatalf("title = %q, should stay sentinel after a single failed turn", got.Title)
	}
}

func TestTitleAutoSetOnceAndManualPreserved(t *testing.T) {
	prov := &fakeProvider{reply: "answer"}
	svc, repo := newTestService(t, prov, 20, 100)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")
	if _, err := svc.SendMessage(ctx, sess.SessionID, "first question", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, _ := repo.GetSession(ctx, sess.SessionID)
	if got.Title != "first question" {
		t.Fatalf("title = %q, want %q", got.Title, "first question")
	}

	// a later exchange never re-titles
	if _, err := svc.SendMessage(ctx, sess.SessionID, "second question", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, _ = repo.GetSession(ctx, sess.SessionID)
	if got.Title != "first question" {
		t.Fatalf("title changed to %q after second exchange", got.Title)
	}

	// manual titles beat auto-titling even with zero messages
	other, _ := svc.CreateSession(ctx, "")
	if _, err := svc.UpdateSessionTitle(ctx, other.SessionID, "my notes"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	if _, err := svc.SendMessage(ctx, other.SessionID, "whatever", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, _ = repo.GetSession(ctx, other.SessionID)
	if got.Title != "my notes" {
		t.Fatalf("manual title overwritten: %q", got.Title)
	}
}

func TestAggregateTruncation(t *testing.T) {
	longReply := strings.Repeat("r", 150)
	prov := &fakeProvider{reply: longReply}
	svc, repo := newTestService(t, prov, 20, 100)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")
	longQuestion := strings.Repeat("q", 60)
	if _, err := svc.SendMessage(ctx, sess.SessionID, longQuestion, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, _ := repo.GetSession(ctx, sess.SessionID)
	if want := strings.Repeat("r", 100) + "..."; got.LastMessagePreview != want {
		t.Fatalf("preview = %q (len %d), want 100 chars + ellipsis", got.LastMessagePreview, len(got.LastMessagePreview))
	}
	if want := strings.Repeat("q", 50) + "..."; got.Title != want {
		t.Fatalf("title = %q, want 50 chars + ellipsis", got.Title)
	}
}

func TestPageMessages_LatestBatchOrdered(t *testing.T) {
	svc, repo := newTestService(t, &fakeProvider{reply: "ok"}, 20, 100)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")
	base := time.Now().UTC().Add(-time.Hour)

	// insert out of chronological order; retrieval must sort by timestamp
	order := []int{4, 0, 7, 2, 9, 1, 8, 3, 6, 5}
	for i, pos := range order {
		m := &Message{
			MessageID: fmt.Sprintf("m%02d", i),
			SessionID: sess.SessionID,
			Role:      RoleUser,
			Content:   fmt.Sprintf("msg-%d", pos),
			Status:    StatusSent,
			Timestamp: base.Add(time.Duration(pos) * time.Minute),
		}
		if err := repo.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page, hasMore, err := svc.PageMessages(ctx, sess.SessionID, 4, 0)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 4 {
		t.Fatalf("page len = %d, want 4", len(page))
	}
	for i, want := range []string{"msg-6", "msg-7", "msg-8", "msg-9"} {
		if page[i].Content != want {
			t.Fatalf("page[%d] = %q, want %q", i, page[i].Content, want)
		}
	}
	if !hasMore {
		t.Fatalf("hasMore = false with 6 older messages remaining")
	}
}

func TestPageMessages_WalkReproducesHistory(t *testing.T) {
	svc, repo := newTestService(t, &fakeProvider{reply: "ok"}, 20, 100)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")
	seedMessages(t, repo, sess.SessionID, 23, time.Now().UTC().Add(-time.Hour))

	const limit = 5
	var pages [][]Message
	offset := 0
	for {
		page, hasMore, err := svc.PageMessages(ctx, sess.SessionID, limit, offset)
		if err != nil {
			t.Fatalf("page offset=%d: %v", offset, err)
		}
		pages = append(pages, page)
		offset += len(page)
		if !hasMore {
			break
		}
	}

	// oldest page first reproduces the full chronological history
	var walked []Message
	for i := len(pages) - 1; i >= 0; i-- {
		walked = append(walked, pages[i]...)
	}

	full, err := repo.ListAllMessages(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(walked) != len(full) {
		t.Fatalf("walked %d messages, store has %d", len(walked), len(full))
	}
	for i := range full {
		if walked[i].MessageID != full[i].MessageID {
			t.Fatalf("walk mismatch at %d: %s vs %s", i, walked[i].MessageID, full[i].MessageID)
		}
	}
}

func TestPageMessages_Edges(t *testing.T) {
	svc, repo := newTestService(t, &fakeProvider{reply: "ok"}, 20, 100)
	ctx := context.Background()

	empty, _ := svc.CreateSession(ctx, "")
	page, hasMore, err := svc.PageMessages(ctx, empty.SessionID, 10, 0)
	if err != nil {
		t.Fatalf("page empty session: %v", err)
	}
	if len(page) != 0 || hasMore {
		t.Fatalf("empty session: got %d msgs hasMore=%v", len(page), hasMore)
	}

	sess, _ := svc.CreateSession(ctx, "")
	seedMessages(t, repo, sess.SessionID, 5, time.Now().UTC().Add(-time.Hour))

	page, hasMore, err = svc.PageMessages(ctx, sess.SessionID, 10, 0)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 5 || hasMore {
		t.Fatalf("got %d msgs hasMore=%v, want all 5 and no more", len(page), hasMore)
	}

	page, hasMore, err = svc.PageMessages(ctx, sess.SessionID, 10, 5)
	if err != nil {
		t.Fatalf("page past end: %v", err)
	}
	if len(page) != 0 || hasMore {
		t.Fatalf("offset past end: got %d msgs hasMore=%v", len(page), hasMore)
	}
}

func TestRetention_CapEnforcedAfterSend(t *testing.T) {
	prov := &fakeProvider{reply: "reply"}
	svc, repo := newTestService(t, prov, 20, 20)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")
	seedMessages(t, repo, sess.SessionID, 25, time.Now().UTC().Add(-time.Hour))

	if _, err := svc.SendMessage(ctx, sess.SessionID, "one more", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	count, err := repo.CountMessages(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 20 {
		t.Fatalf("stored count = %d, want retention cap 20", count)
	}

	got, _ := repo.GetSession(ctx, sess.SessionID)
	if got.MessageCount != 20 {
		t.Fatalf("message_count = %d, want 20 after prune", got.MessageCount)
	}

	// the newest 20 survive: the exchange pair must be present, the oldest
	// seeds gone
	all, _ := repo.ListAllMessages(ctx, sess.SessionID)
	if all[len(all)-1].Content != "reply" || all[len(all)-2].Content != "one more" {
		t.Fatalf("newest messages missing after prune")
	}
	for _, m := range all {
		if m.Content == "seed-0" || m.Content == "seed-6" {
			t.Fatalf("old message %q survived prune", m.Content)
		}
	}
}

func TestDeleteSession_RemovesEverything(t *testing.T) {
	prov := &fakeProvider{reply: "bye"}
	svc, repo := newTestService(t, prov, 20, 100)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")
	if _, err := svc.SendMessage(ctx, sess.SessionID, "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := svc.DeleteSession(ctx, sess.SessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := repo.GetSession(ctx, sess.SessionID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("session still present after delete: %v", err)
	}
	count, _ := repo.CountMessages(ctx, sess.SessionID)
	if count != 0 {
		t.Fatalf("%d messages left after delete", count)
	}

	page, hasMore, err := svc.PageMessages(ctx, sess.SessionID, 10, 0)
	if err != nil {
		t.Fatalf("page after delete: %v", err)
	}
	if len(page) != 0 || hasMore {
		t.Fatalf("page after delete: %d msgs hasMore=%v", len(page), hasMore)
	}
}

func TestGetOrCreateSession_FallsBackToNew(t *testing.T) {
	svc, _ := newTestService(t, &fakeProvider{reply: "ok"}, 20, 100)
	ctx := context.Background()

	sess, err := svc.GetOrCreateSession(ctx, "01UNKNOWNSESSIONID0000000")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if sess.SessionID == "01UNKNOWNSESSIONID0000000" {
		t.Fatalf("expected a freshly generated id")
	}
	if sess.Title != DefaultTitle || sess.MessageCount != 0 {
		t.Fatalf("fallback session not fresh: %+v", sess)
	}
}

func TestLoadSession_ReconcilesCount(t *testing.T) {
	svc, repo := newTestService(t, &fakeProvider{reply: "ok"}, 20, 100)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")
	seedMessages(t, repo, sess.SessionID, 3, time.Now().UTC().Add(-time.Hour))

	loaded, err := svc.LoadSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.MessageCount != 3 {
		t.Fatalf("reconciled count = %d, want 3", loaded.MessageCount)
	}
	stored, _ := repo.GetSession(ctx, sess.SessionID)
	if stored.MessageCount != 3 {
		t.Fatalf("stored count = %d, want 3", stored.MessageCount)
	}
}

func TestSendMessageStream_AggregatesChunks(t *testing.T) {
	prov := &fakeStreamProvider{chunks: []string{"Hi ", "there"}}
	svc, repo := newTestService(t, prov, 20, 100)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")

	chunks, done, msgCh, errs := svc.SendMessageStream(ctx, sess.SessionID, "Hello", nil)

	var streamed []string
	for c := range chunks {
		streamed = append(streamed, c)
	}
	<-done

	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	msg := <-msgCh
	if msg == nil || msg.Content != "Hi there" {
		t.Fatalf("final message = %+v, want aggregated chunks", msg)
	}
	if len(streamed) != 2 {
		t.Fatalf("streamed %d chunks, want 2", len(streamed))
	}

	got, _ := repo.GetSession(ctx, sess.SessionID)
	if got.MessageCount != 2 || got.LastMessagePreview != "Hi there" {
		t.Fatalf("aggregate after stream: count=%d preview=%q", got.MessageCount, got.LastMessagePreview)
	}
}

func TestSendMessageStream_CancelSkipsAssistantWrite(t *testing.T) {
	prov := &fakeStreamProvider{chunks: []string{"partial "}, blockOnCtx: true}
	svc, repo := newTestService(t, prov, 20, 100)

	ctx, cancel := context.WithCancel(context.Background())
	sess, _ := svc.CreateSession(ctx, "")

	chunks, done, _, errs := svc.SendMessageStream(ctx, sess.SessionID, "Hello", nil)

	<-chunks // first chunk arrived, then abandon the request
	cancel()
	for range chunks {
	}
	<-done

	if err := <-errs; err == nil {
		t.Fatalf("expected an error after cancellation")
	}

	all, _ := repo.ListAllMessages(context.Background(), sess.SessionID)
	if len(all) != 1 {
		t.Fatalf("expected only the user message after cancel, got %d", len(all))
	}
	if all[0].Role != RoleUser || all[0].Status != StatusError {
		t.Fatalf("user msg after cancel: role=%q status=%q", all[0].Role, all[0].Status)
	}
}

func TestExportSession_Snapshot(t *testing.T) {
	prov := &fakeProvider{reply: "pong"}
	svc, _ := newTestService(t, prov, 20, 100)
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, "")
	if _, err := svc.SendMessage(ctx, sess.SessionID, "ping", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	export, filename, err := svc.ExportSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if export.Title != "ping" {
		t.Fatalf("export title = %q", export.Title)
	}
	if len(export.Messages) != 2 {
		t.Fatalf("export has %d messages, want 2", len(export.Messages))
	}
	wantName := fmt.Sprintf("ping_%s.json", time.Now().UTC().Format("2006-01-02"))
	if filename != wantName {
		t.Fatalf("filename = %q, want %q", filename, wantName)
	}

	if _, _, err := svc.ExportSession(ctx, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("export missing session: %v", err)
	}
}
