package chat

import (
	"context"

	"gorm.io/gorm"
)

// Repo is the record store: keyed access to sessions and messages plus the
// compound operations that must be atomic. Ordering of message reads is
// always (timestamp, insertion id).
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return storageErr("create session", r.db.WithContext(ctx).Create(s).Error)
}

// SaveSession upserts by primary key, last writer wins.
func (r *Repo) SaveSession(ctx context.Context, s *Session) error {
	return storageErr("save session", r.db.WithContext(ctx).Save(s).Error)
}

func (r *Repo) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, storageErr("get session", err)
	}
	return &s, nil
}

// ListSessions returns every session newest-first by update time.
func (r *Repo) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&out).Error; err != nil {
		return nil, storageErr("list sessions", err)
	}
	return out, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return storageErr("insert message", r.db.WithContext(ctx).Create(m).Error)
}

func (r *Repo) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	return storageErr("update message status", r.db.WithContext(ctx).
		Model(&Message{}).
		Where("message_id = ?", messageID).
		Update("status", status).Error)
}

func (r *Repo) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error; err != nil {
		return 0, storageErr("count messages", err)
	}
	return n, nil
}

// ListRecentMessages returns the newest limit messages in DESC order
// (newest first). Callers wanting chronological order reverse it.
func (r *Repo) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, storageErr("list recent messages", err)
	}
	return out, nil
}

// ListMessageWindow returns the page of messages `offset` back from the
// newest, ascending by time, plus the live total for the session.
//
// offset 0 yields the last `limit` messages; offset n skips the n newest and
// yields the `limit` immediately older, i.e. the window
// [max(0, total-offset-limit), total-offset).
func (r *Repo) ListMessageWindow(ctx context.Context, sessionID string, limit, offset int) ([]Message, int64, error) {
	total, err := r.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 || int64(offset) >= total {
		return []Message{}, total, nil
	}

	end := total - int64(offset)
	start := end - int64(limit)
	if start < 0 {
		start = 0
	}

	var out []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Offset(int(start)).
		Limit(int(end - start)).
		Find(&out).Error; err != nil {
		return nil, 0, storageErr("list message window", err)
	}
	return out, total, nil
}

// ListAllMessages returns the full ordered history of a session. Bounded in
// practice by the retention cap.
func (r *Repo) ListAllMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var out []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, storageErr("list messages", err)
	}
	return out, nil
}

// DeleteSessionWithMessages removes the session row and every dependent
// message in one transaction, so readers observe either the full set or
// nothing.
func (r *Repo) DeleteSessionWithMessages(ctx context.Context, sessionID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&Session{}).Error
	})
	return storageErr("delete session", err)
}

// PruneMessages deletes the oldest messages beyond keep, returning how many
// were removed. The newest keep messages by (timestamp, id) survive.
func (r *Repo) PruneMessages(ctx context.Context, sessionID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	total, err := r.CountMessages(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	excess := total - int64(keep)
	if excess <= 0 {
		return 0, nil
	}

	var deleted int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint64
		if err := tx.Model(&Message{}).
			Where("session_id = ?", sessionID).
			Order("timestamp ASC, id ASC").
			Limit(int(excess)).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&Message{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, storageErr("prune messages", err)
	}
	return deleted, nil
}

// SweepOrphanMessages removes messages whose session no longer exists, the
// backstop for a delete interrupted mid-transaction. Run at startup.
func (r *Repo) SweepOrphanMessages(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("session_id NOT IN (?)", r.db.Model(&Session{}).Select("session_id")).
		Delete(&Message{})
	if res.Error != nil {
		return 0, storageErr("sweep orphan messages", res.Error)
	}
	return res.RowsAffected, nil
}
