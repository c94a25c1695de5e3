package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type tx struct {
	tx   pgx.Tx
	list *mailinglist.List
}

func (t *tx) List() *mailinglist.List {
	return t.list
}

func (t *tx) AllLists(ctx context.Context) ([]*mailinglist.List, error) {
	rows, err := t.tx.Query(ctx, selectList+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	return collectLists(rows)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return consts.ErrDBNotFound
	}
	return err
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrDBNotFound
	}
	return nil
}

const selectMember = `SELECT email, real_name, language, password_hash, digest, options, subscribed_at FROM members`

func scanMember(row pgx.Row) (*mailinglist.Member, error) {
	var m mailinglist.Member
	var opts int32
	if err := row.Scan(&m.Email, &m.RealName, &m.Language, &m.PasswordHash, &m.Digest, &opts, &m.SubscribedAt); err != nil {
		return nil, err
	}
	m.Options = mailinglist.Option(opts)
	return &m, nil
}

func (t *tx) GetMember(ctx context.Context, email string) (*mailinglist.Member, error) {
	m, err := scanMember(t.tx.QueryRow(ctx, selectMember+" WHERE list_name = $1 AND email_key = $2",
		t.list.Name, helpers.AddressKey(email)))
	return m, notFound(err)
}

func (t *tx) ListMembers(ctx context.Context) ([]*mailinglist.Member, error) {
	rows, err := t.tx.Query(ctx, selectMember+" WHERE list_name = $1 ORDER BY email_key", t.list.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*mailinglist.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (t *tx) InsertMember(ctx context.Context, m *mailinglist.Member) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO members (list_name, email_key, email, real_name, language,
		password_hash, digest, options, subscribed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.list.Name, helpers.AddressKey(m.Email), m.Email, m.RealName, m.Language, m.PasswordHash,
		m.Digest, int32(m.Options), m.SubscribedAt)
	if isUniqueViolation(err) {
		return consts.ErrDBUniqueViolation
	}
	return err
}

func (t *tx) UpdateMember(ctx context.Context, m *mailinglist.Member) error {
	return affected(t.tx.Exec(ctx, `UPDATE members SET real_name = $1, language = $2, password_hash = $3,
		digest = $4, options = $5 WHERE list_name = $6 AND email_key = $7`,
		m.RealName, m.Language, m.PasswordHash, m.Digest, int32(m.Options), t.list.Name, helpers.AddressKey(m.Email)))
}

func (t *tx) DeleteMember(ctx context.Context, email string) error {
	return affected(t.tx.Exec(ctx, "DELETE FROM members WHERE list_name = $1 AND email_key = $2",
		t.list.Name, helpers.AddressKey(email)))
}

func (t *tx) PendingExists(ctx context.Context, cookie int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pending_requests WHERE cookie = $1)", cookie).Scan(&exists)
	return exists, err
}

func (t *tx) InsertPending(ctx context.Context, p *mailinglist.PendingRequest) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO pending_requests (cookie, list_name, email, password_hash, wants_digest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.Cookie, p.ListName, p.Email, p.PasswordHash, p.WantsDigest, p.CreatedAt)
	if isUniqueViolation(err) {
		return consts.ErrDBUniqueViolation
	}
	return err
}

const selectPending = `SELECT cookie, list_name, email, password_hash, wants_digest, created_at FROM pending_requests`

func scanPending(row pgx.Row) (*mailinglist.PendingRequest, error) {
	var p mailinglist.PendingRequest
	if err := row.Scan(&p.Cookie, &p.ListName, &p.Email, &p.PasswordHash, &p.WantsDigest, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *tx) GetPending(ctx context.Context, cookie int64) (*mailinglist.PendingRequest, error) {
	p, err := scanPending(t.tx.QueryRow(ctx, selectPending+" WHERE cookie = $1", cookie))
	return p, notFound(err)
}

func (t *tx) ListPending(ctx context.Context) ([]*mailinglist.PendingRequest, error) {
	rows, err := t.tx.Query(ctx, selectPending+" WHERE list_name = $1 ORDER BY created_at, cookie", t.list.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*mailinglist.PendingRequest
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *tx) DeletePending(ctx context.Context, cookie int64) error {
	return affected(t.tx.Exec(ctx, "DELETE FROM pending_requests WHERE cookie = $1", cookie))
}

func (t *tx) InsertHeld(ctx context.Context, h *mailinglist.HeldSubscription) (int64, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO held_subscriptions (list_name, email, real_name, password_hash,
		digest, reason, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		t.list.Name, h.Email, h.RealName, h.PasswordHash, h.Digest, h.Reason, h.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	h.ID = id
	h.ListName = t.list.Name
	return id, nil
}

const selectHeld = `SELECT id, list_name, email, real_name, password_hash, digest, reason, created_at FROM held_subscriptions`

func scanHeld(row pgx.Row) (*mailinglist.HeldSubscription, error) {
	var h mailinglist.HeldSubscription
	if err := row.Scan(&h.ID, &h.ListName, &h.Email, &h.RealName, &h.PasswordHash, &h.Digest, &h.Reason, &h.CreatedAt); err != nil {
		return nil, err
	}
	return &h, nil
}

func (t *tx) ListHeld(ctx context.Context) ([]*mailinglist.HeldSubscription, error) {
	rows, err := t.tx.Query(ctx, selectHeld+" WHERE list_name = $1 ORDER BY id", t.list.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*mailinglist.HeldSubscription
	for rows.Next() {
		h, err := scanHeld(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *tx) GetHeld(ctx context.Context, id int64) (*mailinglist.HeldSubscription, error) {
	h, err := scanHeld(t.tx.QueryRow(ctx, selectHeld+" WHERE list_name = $1 AND id = $2", t.list.Name, id))
	return h, notFound(err)
}

func (t *tx) DeleteHeld(ctx context.Context, id int64) error {
	return affected(t.tx.Exec(ctx, "DELETE FROM held_subscriptions WHERE list_name = $1 AND id = $2", t.list.Name, id))
}

func (t *tx) GetDigestState(ctx context.Context) (*mailinglist.DigestState, error) {
	st := &mailinglist.DigestState{ListName: t.list.Name, Volume: 1, Issue: 1}
	err := t.tx.QueryRow(ctx, "SELECT volume, issue, last_sent_at FROM digest_state WHERE list_name = $1",
		t.list.Name).Scan(&st.Volume, &st.Issue, &st.LastSentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (t *tx) SaveDigestState(ctx context.Context, st *mailinglist.DigestState) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO digest_state (list_name, volume, issue, last_sent_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (list_name) DO UPDATE SET volume = EXCLUDED.volume, issue = EXCLUDED.issue,
		last_sent_at = EXCLUDED.last_sent_at`,
		t.list.Name, st.Volume, st.Issue, st.LastSentAt)
	return err
}

func (t *tx) AppendDigestMessage(ctx context.Context, m *mailinglist.DigestMessage) (bool, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO digest_messages (list_name, hash, sender, subject, size, raw, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (list_name, hash) DO NOTHING RETURNING id`,
		t.list.Name, m.Hash, m.Sender, m.Subject, m.Size, m.Raw, m.ReceivedAt).Scan(&m.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.ListName = t.list.Name
	return true, nil
}

func (t *tx) DigestMessages(ctx context.Context) ([]*mailinglist.DigestMessage, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, list_name, hash, sender, subject, size, raw, received_at
		FROM digest_messages WHERE list_name = $1 ORDER BY id`, t.list.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*mailinglist.DigestMessage
	for rows.Next() {
		var m mailinglist.DigestMessage
		if err := rows.Scan(&m.ID, &m.ListName, &m.Hash, &m.Sender, &m.Subject, &m.Size, &m.Raw, &m.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (t *tx) ClearDigestMessages(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "DELETE FROM digest_messages WHERE list_name = $1", t.list.Name)
	return err
}
