package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/mailinglist"
)

type tx struct {
	tx   *sql.Tx
	list *mailinglist.List
}

func (t *tx) List() *mailinglist.List {
	return t.list
}

func (t *tx) AllLists(ctx context.Context) ([]*mailinglist.List, error) {
	return queryLists(ctx, t.tx)
}

const selectMember = `SELECT email, real_name, language, password_hash, digest, options, subscribed_at FROM members`

func scanMember(row rowScanner) (*mailinglist.Member, error) {
	var m mailinglist.Member
	var opts, subscribed int64
	if err := row.Scan(&m.Email, &m.RealName, &m.Language, &m.PasswordHash, &m.Digest, &opts, &subscribed); err != nil {
		return nil, err
	}
	m.Options = mailinglist.Option(opts)
	m.SubscribedAt = fromMillis(subscribed)
	return &m, nil
}

func (t *tx) GetMember(ctx context.Context, email string) (*mailinglist.Member, error) {
	m, err := scanMember(t.tx.QueryRowContext(ctx, selectMember+" WHERE list_name = ? AND email_key = ?",
		t.list.Name, helpers.AddressKey(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrDBNotFound
	}
	return m, err
}

func (t *tx) ListMembers(ctx context.Context) ([]*mailinglist.Member, error) {
	rows, err := t.tx.QueryContext(ctx, selectMember+" WHERE list_name = ? ORDER BY email_key", t.list.Name)
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
	_, err := t.tx.ExecContext(ctx, `INSERT INTO members (list_name, email_key, email, real_name, language,
		password_hash, digest, options, subscribed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.list.Name, helpers.AddressKey(m.Email), m.Email, m.RealName, m.Language, m.PasswordHash,
		m.Digest, int64(m.Options), toMillis(m.SubscribedAt))
	if isUniqueViolation(err) {
		return consts.ErrDBUniqueViolation
	}
	return err
}

func (t *tx) UpdateMember(ctx context.Context, m *mailinglist.Member) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE members SET real_name = ?, language = ?, password_hash = ?,
		digest = ?, options = ? WHERE list_name = ? AND email_key = ?`,
		m.RealName, m.Language, m.PasswordHash, m.Digest, int64(m.Options), t.list.Name, helpers.AddressKey(m.Email))
	return affected(res, err)
}

func (t *tx) DeleteMember(ctx context.Context, email string) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM members WHERE list_name = ? AND email_key = ?",
		t.list.Name, helpers.AddressKey(email))
	return affected(res, err)
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return consts.ErrDBNotFound
	}
	return nil
}

func (t *tx) PendingExists(ctx context.Context, cookie int64) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, "SELECT 1 FROM pending_requests WHERE cookie = ?", cookie).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *tx) InsertPending(ctx context.Context, p *mailinglist.PendingRequest) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO pending_requests (cookie, list_name, email, password_hash,
		wants_digest, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Cookie, p.ListName, p.Email, p.PasswordHash, p.WantsDigest, toMillis(p.CreatedAt))
	if isUniqueViolation(err) {
		return consts.ErrDBUniqueViolation
	}
	return err
}

const selectPending = `SELECT cookie, list_name, email, password_hash, wants_digest, created_at FROM pending_requests`

func scanPending(row rowScanner) (*mailinglist.PendingRequest, error) {
	var p mailinglist.PendingRequest
	var created int64
	if err := row.Scan(&p.Cookie, &p.ListName, &p.Email, &p.PasswordHash, &p.WantsDigest, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

func (t *tx) GetPending(ctx context.Context, cookie int64) (*mailinglist.PendingRequest, error) {
	p, err := scanPending(t.tx.QueryRowContext(ctx, selectPending+" WHERE cookie = ?", cookie))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrDBNotFound
	}
	return p, err
}

func (t *tx) ListPending(ctx context.Context) ([]*mailinglist.PendingRequest, error) {
	rows, err := t.tx.QueryContext(ctx, selectPending+" WHERE list_name = ? ORDER BY created_at, cookie", t.list.Name)
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
	res, err := t.tx.ExecContext(ctx, "DELETE FROM pending_requests WHERE cookie = ?", cookie)
	return affected(res, err)
}

func (t *tx) InsertHeld(ctx context.Context, h *mailinglist.HeldSubscription) (int64, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO held_subscriptions (list_name, email, real_name,
		password_hash, digest, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.list.Name, h.Email, h.RealName, h.PasswordHash, h.Digest, h.Reason, toMillis(h.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	h.ID = id
	h.ListName = t.list.Name
	return id, nil
}

const selectHeld = `SELECT id, list_name, email, real_name, password_hash, digest, reason, created_at FROM held_subscriptions`

func scanHeld(row rowScanner) (*mailinglist.HeldSubscription, error) {
	var h mailinglist.HeldSubscription
	var created int64
	if err := row.Scan(&h.ID, &h.ListName, &h.Email, &h.RealName, &h.PasswordHash, &h.Digest, &h.Reason, &created); err != nil {
		return nil, err
	}
	h.CreatedAt = fromMillis(created)
	return &h, nil
}

func (t *tx) ListHeld(ctx context.Context) ([]*mailinglist.HeldSubscription, error) {
	rows, err := t.tx.QueryContext(ctx, selectHeld+" WHERE list_name = ? ORDER BY id", t.list.Name)
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
	h, err := scanHeld(t.tx.QueryRowContext(ctx, selectHeld+" WHERE list_name = ? AND id = ?", t.list.Name, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrDBNotFound
	}
	return h, err
}

func (t *tx) DeleteHeld(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM held_subscriptions WHERE list_name = ? AND id = ?", t.list.Name, id)
	return affected(res, err)
}

func (t *tx) GetDigestState(ctx context.Context) (*mailinglist.DigestState, error) {
	st := &mailinglist.DigestState{ListName: t.list.Name, Volume: 1, Issue: 1}
	var lastSent sql.NullInt64
	err := t.tx.QueryRowContext(ctx, "SELECT volume, issue, last_sent_at FROM digest_state WHERE list_name = ?",
		t.list.Name).Scan(&st.Volume, &st.Issue, &lastSent)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSent.Valid {
		ts := fromMillis(lastSent.Int64)
		st.LastSentAt = &ts
	}
	return st, nil
}

func (t *tx) SaveDigestState(ctx context.Context, st *mailinglist.DigestState) error {
	var lastSent sql.NullInt64
	if st.LastSentAt != nil {
		lastSent = sql.NullInt64{Int64: toMillis(*st.LastSentAt), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO digest_state (list_name, volume, issue, last_sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (list_name) DO UPDATE SET volume = excluded.volume, issue = excluded.issue,
		last_sent_at = excluded.last_sent_at`,
		t.list.Name, st.Volume, st.Issue, lastSent)
	return err
}

func (t *tx) AppendDigestMessage(ctx context.Context, m *mailinglist.DigestMessage) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO digest_messages (list_name, hash, sender, subject, size, raw, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (list_name, hash) DO NOTHING`,
		t.list.Name, m.Hash, m.Sender, m.Subject, m.Size, m.Raw, toMillis(m.ReceivedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	m.ID, _ = res.LastInsertId()
	m.ListName = t.list.Name
	return true, nil
}

func (t *tx) DigestMessages(ctx context.Context) ([]*mailinglist.DigestMessage, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, list_name, hash, sender, subject, size, raw, received_at
		FROM digest_messages WHERE list_name = ? ORDER BY id`, t.list.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*mailinglist.DigestMessage
	for rows.Next() {
		var m mailinglist.DigestMessage
		var received int64
		if err := rows.Scan(&m.ID, &m.ListName, &m.Hash, &m.Sender, &m.Subject, &m.Size, &m.Raw, &received); err != nil {
			return nil, err
		}
		m.ReceivedAt = fromMillis(received)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (t *tx) ClearDigestMessages(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM digest_messages WHERE list_name = ?", t.list.Name)
	return err
}
