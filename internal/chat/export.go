package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ExportSession builds a static snapshot of one session for download. Pure
// read-side projection; nothing is written back.
func (s *Service) ExportSession(ctx context.Context, sessionID string) (*SessionExport, string, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	msgs, err := s.repo.ListAllMessages(ctx, sess.SessionID)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	export := &SessionExport{
		Title:      sess.Title,
		Messages:   msgs,
		ExportedAt: now,
	}
	filename := fmt.Sprintf("%s_%s.json", sanitizeFilename(sess.Title), now.Format("2006-01-02"))
	return export, filename, nil
}

// sanitizeFilename keeps letters, digits, dash and underscore; everything
// else collapses to a single underscore.
func sanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "chat"
	}
	return out
}
