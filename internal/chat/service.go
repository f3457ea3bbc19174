package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"gemchat/internal/ai"
	"gemchat/internal/common"
)

const (
	defaultContextWindow  = 20
	defaultRetentionLimit = 100
	defaultPageSize       = 20

	previewRuneLimit = 100
	titleRuneLimit   = 50
)

// Service orchestrates the send flow and owns the invariants around
// pagination, retention, and the denormalized session stats.
type Service struct {
	repo           *Repo
	registry       *ai.Registry
	providerName   string
	defaultModel   string
	contextWindow  int
	retentionLimit int
}

func NewService(repo *Repo, registry *ai.Registry, providerName, defaultModel string, contextWindow, retentionLimit int) *Service {
	if providerName == "" {
		providerName = "gemini"
	}
	if defaultModel == "" {
		defaultModel = "gemini-1.5-flash"
	}
	if contextWindow <= 0 || contextWindow > 100 {
		contextWindow = defaultContextWindow
	}
	if retentionLimit <= 0 {
		retentionLimit = defaultRetentionLimit
	}
	return &Service{
		repo:           repo,
		registry:       registry,
		providerName:   providerName,
		defaultModel:   defaultModel,
		contextWindow:  contextWindow,
		retentionLimit: retentionLimit,
	}
}

func (s *Service) CreateSession(ctx context.Context, model string) (*Session, error) {
	if model == "" {
		model = s.defaultModel
	}
	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess := &Session{
		SessionID:          sid,
		Title:              DefaultTitle,
		Model:              model,
		MessageCount:       0,
		LastMessagePreview: "",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetOrCreateSession resolves a missing session by creating a fresh one so
// the client stays operable. The log line is the diagnostic for spotting
// id mismatches hidden by that fallback.
func (s *Service) GetOrCreateSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	log.Printf("chat: session %s not found, creating a new one", sessionID)
	return s.CreateSession(ctx, "")
}

// LoadSession is the per-selection entry point: it reconciles the
// denormalized message count against the live record set once, so later
// pagination can trust it.
func (s *Service) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	live, err := s.repo.CountMessages(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}
	if live != sess.MessageCount {
		log.Printf("chat: session %s message_count drift (stored=%d live=%d), reconciling", sess.SessionID, sess.MessageCount, live)
		sess.MessageCount = live
		if err := s.repo.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context) ([]Session, error) {
	return s.repo.ListSessions(ctx)
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSessionWithMessages(ctx, sessionID)
}

func (s *Service) UpdateSessionModel(ctx context.Context, sessionID, model string) (*Session, error) {
	sess, err := s.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Model = model
	sess.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSessionTitle sets a manual title. Once off the sentinel the
// auto-titling in refreshSession never touches it again.
func (s *Service) UpdateSessionTitle(ctx context.Context, sessionID, title string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// PageMessages returns one window of history, ascending by time, plus
// whether older messages remain. offset counts newest records already
// consumed: offset 0 is the most recent batch, larger offsets walk back.
func (s *Service) PageMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	msgs, total, err := s.repo.ListMessageWindow(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, false, err
	}
	hasMore := int64(offset+len(msgs)) < total
	return msgs, hasMore, nil
}

// SendMessage runs one full exchange and returns the persisted assistant
// message.
func (s *Service) SendMessage(ctx context.Context, sessionID, content string, files []FileAttachment) (*Message, error) {
	return s.send(ctx, sessionID, content, files, nil)
}

// SendMessageStream runs one exchange, emitting incremental chunks. All
// channels close when the exchange finishes; the assistant message arrives
// on msg only after it has been persisted.
func (s *Service) SendMessageStream(ctx context.Context, sessionID, content string, files []FileAttachment) (chunks <-chan string, done <-chan struct{}, msg <-chan *Message, errs <-chan error) {
	outChunks := make(chan string, 16)
	outDone := make(chan struct{})
	outMsg := make(chan *Message, 1)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outChunks)
		defer close(outDone)
		defer close(outMsg)
		defer close(outErrs)

		m, err := s.send(ctx, sessionID, content, files, func(c string) {
			outChunks <- c
		})
		if err != nil {
			outErrs <- err
			return
		}
		outMsg <- m
	}()

	return outChunks, outDone, outMsg, outErrs
}

// send is the shared exchange core: persist the user turn, assemble the
// bounded context, call the provider (streaming when onChunk is set),
// persist the assistant turn, then refresh the aggregate and prune.
func (s *Service) send(ctx context.Context, sessionID, content string, files []FileAttachment, onChunk func(string)) (*Message, error) {
	sess, err := s.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.appendMessage(ctx, sess.SessionID, RoleUser, content, files)
	if err != nil {
		return nil, err
	}

	history, err := s.providerHistory(ctx, sess.SessionID, userMsg.MessageID)
	if err != nil {
		return nil, s.failExchange(ctx, sess, userMsg, content, err)
	}

	provider, err := s.registry.Get(ctx, s.providerName, sess.Model)
	if err != nil {
		return nil, s.failExchange(ctx, sess, userMsg, content, err)
	}

	turns := append(history, ai.Message{Role: RoleUser, Parts: buildParts(content, files)})

	var reply string
	if onChunk != nil {
		sp, ok := provider.(ai.StreamProvider)
		if !ok {
			return nil, s.failExchange(ctx, sess, userMsg, content, errors.New("provider does not support streaming"))
		}
		chunks, provErrs := sp.StreamChat(ctx, turns)
		var b strings.Builder
		for c := range chunks {
			b.WriteString(c)
			onChunk(c)
		}
		if err := <-provErrs; err != nil {
			return nil, s.failExchange(ctx, sess, userMsg, content, err)
		}
		// A canceled request must not persist a partial assistant message.
		if err := ctx.Err(); err != nil {
			return nil, s.failExchange(ctx, sess, userMsg, content, err)
		}
		reply = b.String()
	} else {
		reply, err = provider.Chat(ctx, turns)
		if err != nil {
			return nil, s.failExchange(ctx, sess, userMsg, content, err)
		}
	}

	assistantMsg, err := s.appendMessage(ctx, sess.SessionID, RoleAssistant, reply, nil)
	if err != nil {
		return nil, s.failExchange(ctx, sess, userMsg, content, err)
	}

	if err := s.refreshSession(ctx, sess, reply, content); err != nil {
		return nil, err
	}
	if err := s.enforceRetention(ctx, sess); err != nil {
		return nil, err
	}
	return assistantMsg, nil
}

// GenerateAssistantReply produces the assistant half for a session whose
// latest turn is an already-persisted user message (the async job path).
func (s *Service) GenerateAssistantReply(ctx context.Context, sessionID string) (*Message, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	recent, err := s.repo.ListRecentMessages(ctx, sess.SessionID, s.contextWindow)
	if err != nil {
		return nil, err
	}

	var lastUser *Message
	for i := range recent { // recent is newest-first
		if recent[i].Role == RoleUser {
			lastUser = &recent[i]
			break
		}
	}

	turns := make([]ai.Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		turns = append(turns, ai.Message{Role: m.Role, Parts: buildParts(m.Content, m.Files)})
	}

	provider, err := s.registry.Get(ctx, s.providerName, sess.Model)
	if err != nil {
		return nil, err
	}

	reply, err := provider.Chat(ctx, turns)
	if err != nil {
		if lastUser != nil {
			return nil, s.failExchange(ctx, sess, lastUser, lastUser.Content, err)
		}
		return nil, err
	}

	assistantMsg, err := s.appendMessage(ctx, sess.SessionID, RoleAssistant, reply, nil)
	if err != nil {
		return nil, err
	}

	userContent := ""
	if lastUser != nil {
		userContent = lastUser.Content
	}
	if err := s.refreshSession(ctx, sess, reply, userContent); err != nil {
		return nil, err
	}
	if err := s.enforceRetention(ctx, sess); err != nil {
		return nil, err
	}
	return assistantMsg, nil
}

// AppendUserMessage persists a user turn on its own, for the async path
// where the assistant half is produced later by a worker.
func (s *Service) AppendUserMessage(ctx context.Context, sessionID, content string, files []FileAttachment) (*Message, error) {
	return s.appendMessage(ctx, sessionID, RoleUser, content, files)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) appendMessage(ctx context.Context, sessionID, role, content string, files []FileAttachment) (*Message, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	m := &Message{
		MessageID: id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Status:    StatusSent,
		Files:     files,
		Timestamp: time.Now().UTC(),
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// failExchange records a failed send: the user message flips to error so
// the client can offer a resend, and the aggregate is refreshed so the
// stored count matches reality even without an assistant half.
func (s *Service) failExchange(ctx context.Context, sess *Session, userMsg *Message, userContent string, cause error) error {
	if err := s.repo.UpdateMessageStatus(ctx, userMsg.MessageID, StatusError); err != nil {
		log.Printf("chat: mark message %s failed: %v", userMsg.MessageID, err)
	}
	if err := s.refreshSession(ctx, sess, "", userContent); err != nil {
		log.Printf("chat: refresh session %s after failure: %v", sess.SessionID, err)
	}
	return cause
}

// providerHistory assembles the bounded recent context, oldest first,
// excluding the turn currently being sent.
func (s *Service) providerHistory(ctx context.Context, sessionID, excludeMessageID string) ([]ai.Message, error) {
	recent, err := s.repo.ListRecentMessages(ctx, sessionID, s.contextWindow)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.MessageID == excludeMessageID {
			continue
		}
		out = append(out, ai.Message{Role: m.Role, Parts: buildParts(m.Content, m.Files)})
	}
	return out, nil
}

// refreshSession recomputes the denormalized stats after an exchange. The
// count is re-read from storage rather than incremented so partial failures
// cannot drift it. Idempotent for the same inputs.
func (s *Service) refreshSession(ctx context.Context, sess *Session, assistantContent, userContent string) error {
	count, err := s.repo.CountMessages(ctx, sess.SessionID)
	if err != nil {
		return err
	}
	sess.MessageCount = count
	sess.LastMessagePreview = truncate(assistantContent, previewRuneLimit)
	sess.UpdatedAt = time.Now().UTC()
	if sess.Title == DefaultTitle && count >= 2 {
		sess.Title = truncate(userContent, titleRuneLimit)
	}
	return s.repo.SaveSession(ctx, sess)
}

// enforceRetention prunes beyond the cap and, when anything was removed,
// re-reads the count so message_count reflects the pruned total. It runs
// only after the aggregate recorded the pre-prune state, so a just-sent
// message is never the one pruned.
func (s *Service) enforceRetention(ctx context.Context, sess *Session) error {
	pruned, err := s.repo.PruneMessages(ctx, sess.SessionID, s.retentionLimit)
	if err != nil || pruned == 0 {
		return err
	}
	count, err := s.repo.CountMessages(ctx, sess.SessionID)
	if err != nil {
		return err
	}
	sess.MessageCount = count
	return s.repo.SaveSession(ctx, sess)
}

// buildParts maps a message body plus attachments onto provider parts:
// inline data for binary payloads, a fenced block for extracted text.
func buildParts(content string, files []FileAttachment) []ai.Part {
	parts := []ai.Part{{Text: content}}
	for _, f := range files {
		switch {
		case f.Data != "" && f.MIMEType != "":
			parts = append(parts, ai.Part{InlineData: &ai.Blob{
				MIMEType: f.MIMEType,
				Data:     stripDataURLPrefix(f.Data),
			}})
		case f.Content != "":
			parts = append(parts, ai.Part{Text: fmt.Sprintf(
				"\n\nFile: %s (Type: %s)\nContent:\n```\n%s\n```", f.Name, f.Type, f.Content)})
		default:
			parts = append(parts, ai.Part{Text: fmt.Sprintf("\n\nFile: %s (Content not available)", f.Name)})
		}
	}
	return parts
}

// stripDataURLPrefix drops a leading "data:<mime>;base64," marker so only
// the raw base64 payload goes to the provider.
func stripDataURLPrefix(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ";base64,"); i >= 0 {
		return s[i+len(";base64,"):]
	}
	return s
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
