// Package digest accumulates list posts and sends them as numbered digests.
//
// All state changes happen under the list lock, so a post is either part
// of the digest being sent or of the next one. Composed digests are queued
// on the outbox and archived only after the lock is released.
package digest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/metrics"
	"github.com/TommyLike/mailman/pkg/retry"
	"github.com/TommyLike/mailman/storage"
	"github.com/TommyLike/mailman/templates"
)

// Bump triggers, used as metric labels.
const (
	TriggerRequest  = "request"
	TriggerRollover = "rollover"
)

// errNothingToSend marks a send that found an empty accumulator.
var errNothingToSend = errors.New("digest: nothing to send")

// Archiver keeps a copy of every sent digest.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Request asks for a bump, a send, or both. Bump is applied first, so a
// combined request sends issue 1 of the new volume. Force sends even an
// empty digest.
type Request struct {
	Bump  bool
	Send  bool
	Force bool
}

// Issue describes a digest that was composed and queued.
type Issue struct {
	List       string
	Volume     int
	Number     int
	Subject    string
	Messages   int
	Recipients int
	SentAt     time.Time

	archive []byte
}

// Report is the outcome of one Apply call.
type Report struct {
	Bumped bool
	Issue  *Issue // nil when nothing was sent
	State  mailinglist.DigestState
}

// AccumulateResult is the outcome of offering a post to the accumulator.
type AccumulateResult struct {
	Accepted bool // false for a duplicate of a post already collected
	Pending  int  // posts waiting for the next digest
	Size     int64
	Issue    *Issue // set when the post crossed the size threshold
}

type Options struct {
	Archiver       Archiver
	ArchiveTimeout time.Duration
	Now            func() time.Time
}

type Engine struct {
	store    mailinglist.Store
	renderer templates.Renderer
	mailer   mailinglist.Mailer

	archiver       Archiver
	archiveTimeout time.Duration
	now            func() time.Time
}

func New(store mailinglist.Store, renderer templates.Renderer, mailer mailinglist.Mailer, opts Options) *Engine {
	e := &Engine{
		store:          store,
		renderer:       renderer,
		mailer:         mailer,
		archiver:       opts.Archiver,
		archiveTimeout: opts.ArchiveTimeout,
		now:            opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.archiveTimeout <= 0 {
		e.archiveTimeout = 30 * time.Second
	}
	return e
}

// Apply runs a bump and/or send request atomically for one list.
func (e *Engine) Apply(ctx context.Context, listName string, req Request) (*Report, error) {
	report := &Report{}
	outbox := &mailinglist.Outbox{}

	err := e.store.WithListLock(ctx, listName, func(ctx context.Context, tx mailinglist.Tx) error {
		state, err := tx.GetDigestState(ctx)
		if err != nil {
			return err
		}
		if req.Bump {
			if err := bump(ctx, tx, state, TriggerRequest); err != nil {
				return err
			}
			report.Bumped = true
		}
		if req.Send {
			issue, err := e.send(ctx, tx, state, req.Force, outbox)
			if err != nil && !errors.Is(err, errNothingToSend) {
				return err
			}
			report.Issue = issue
		}
		report.State = *state
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.finish(ctx, outbox, report.Issue)
	return report, nil
}

// Accumulate adds a posted message to the list's next digest. When the
// post takes the accumulator to the list's size threshold the digest is
// sent in the same unit of work.
func (e *Engine) Accumulate(ctx context.Context, listName, sender string, raw []byte) (*AccumulateResult, error) {
	entity, err := helpers.ParseMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if from := helpers.HeaderFrom(entity); from != "" {
		sender = from
	}
	msg := &mailinglist.DigestMessage{
		ListName:   listName,
		Sender:     sender,
		Subject:    helpers.HeaderSubject(entity),
		Hash:       helpers.HashContent(raw),
		Size:       int64(len(raw)),
		Raw:        raw,
		ReceivedAt: e.now(),
	}

	res := &AccumulateResult{}
	outbox := &mailinglist.Outbox{}

	err = e.store.WithListLock(ctx, listName, func(ctx context.Context, tx mailinglist.Tx) error {
		*res = AccumulateResult{}
		outbox.Discard()

		accepted, err := tx.AppendDigestMessage(ctx, msg)
		if err != nil {
			return err
		}
		res.Accepted = accepted

		msgs, err := tx.DigestMessages(ctx)
		if err != nil {
			return err
		}
		res.Pending = len(msgs)
		res.Size = totalSize(msgs)

		threshold := int64(tx.List().DigestSizeThresholdKB) * 1024
		if !accepted || threshold <= 0 || res.Size < threshold {
			return nil
		}

		issue, err := e.sendWithRollover(ctx, tx, outbox)
		if err != nil && !errors.Is(err, errNothingToSend) {
			return err
		}
		res.Issue = issue
		if issue != nil {
			res.Pending = 0
			res.Size = 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Accepted {
		metrics.DigestAccumulatedTotal.WithLabelValues("accepted").Inc()
	} else {
		metrics.DigestAccumulatedTotal.WithLabelValues("duplicate").Inc()
		logger.Debug("Digest: duplicate post ignored", "list", listName, "hash", msg.Hash)
	}
	e.finish(ctx, outbox, res.Issue)
	return res, nil
}

// SendPeriodic sends the pending digest of a list that asks for periodic
// delivery, at most once per day. It reports a nil Issue when nothing was
// due.
func (e *Engine) SendPeriodic(ctx context.Context, listName string) (*Issue, error) {
	var issue *Issue
	outbox := &mailinglist.Outbox{}

	err := e.store.WithListLock(ctx, listName, func(ctx context.Context, tx mailinglist.Tx) error {
		issue = nil
		if !tx.List().DigestSendPeriodic {
			return nil
		}
		state, err := tx.GetDigestState(ctx)
		if err != nil {
			return err
		}
		now := e.now()
		if state.LastSentAt != nil && mailinglist.FrequencyDaily.Period(*state.LastSentAt) == mailinglist.FrequencyDaily.Period(now) {
			return nil
		}
		issue, err = e.sendWithRollover(ctx, tx, outbox)
		if errors.Is(err, errNothingToSend) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	e.finish(ctx, outbox, issue)
	return issue, nil
}

// sendWithRollover starts a new volume first when the last digest went out
// in an earlier frequency period.
func (e *Engine) sendWithRollover(ctx context.Context, tx mailinglist.Tx, outbox *mailinglist.Outbox) (*Issue, error) {
	state, err := tx.GetDigestState(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := tx.DigestMessages(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errNothingToSend
	}

	freq := tx.List().DigestFrequency
	if state.LastSentAt != nil && freq.Period(*state.LastSentAt) != freq.Period(e.now()) {
		if err := bump(ctx, tx, state, TriggerRollover); err != nil {
			return nil, err
		}
	}
	return e.send(ctx, tx, state, false, outbox)
}

func bump(ctx context.Context, tx mailinglist.Tx, state *mailinglist.DigestState, trigger string) error {
	state.Volume++
	state.Issue = 1
	if err := tx.SaveDigestState(ctx, state); err != nil {
		return fmt.Errorf("failed to save digest state: %w", err)
	}
	metrics.DigestBumpsTotal.WithLabelValues(trigger).Inc()
	logger.Info("Digest: volume bumped", "list", state.ListName, "volume", state.Volume, "trigger", trigger)
	return nil
}

// send composes the current digest under state's numbering, queues it and
// advances the issue number.
func (e *Engine) send(ctx context.Context, tx mailinglist.Tx, state *mailinglist.DigestState, force bool, outbox *mailinglist.Outbox) (*Issue, error) {
	list := tx.List()

	msgs, err := tx.DigestMessages(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 && !force {
		return nil, errNothingToSend
	}

	members, err := tx.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	var mimeRcpts, plainRcpts []string
	for _, m := range members {
		if !m.Digest || m.Has(mailinglist.OptionNoMail) {
			continue
		}
		if m.Has(mailinglist.OptionPlain) {
			plainRcpts = append(plainRcpts, m.Email)
		} else {
			mimeRcpts = append(mimeRcpts, m.Email)
		}
	}

	now := e.now()
	masthead, err := e.renderer.Render(templates.Masthead, map[string]any{
		"realname":    list.DisplayName(),
		"listaddr":    list.Address(),
		"requestaddr": list.RequestAddress(),
		"adminaddr":   list.OwnerAddress(),
	})
	if err != nil {
		return nil, err
	}

	issue := &Issue{
		List:       list.Name,
		Volume:     state.Volume,
		Number:     state.Issue,
		Subject:    Subject(list.DisplayName(), state.Volume, state.Issue),
		Messages:   len(msgs),
		Recipients: len(mimeRcpts) + len(plainRcpts),
		SentAt:     now,
	}
	d := &composition{list: list, issue: issue, masthead: masthead, messages: msgs, date: now}

	mimeRaw, err := d.mime()
	if err != nil {
		return nil, fmt.Errorf("failed to compose MIME digest: %w", err)
	}
	issue.archive = mimeRaw
	metrics.DigestSizeBytes.Observe(float64(len(mimeRaw)))

	if len(mimeRcpts) > 0 {
		outbox.Queue(&mailinglist.OutgoingMessage{
			Kind:       mailinglist.KindDigest,
			Sender:     list.RequestAddress(),
			Recipients: mimeRcpts,
			Subject:    issue.Subject,
			Raw:        mimeRaw,
		})
		metrics.DigestsSentTotal.WithLabelValues("mime").Inc()
	}
	if len(plainRcpts) > 0 {
		plainRaw, err := d.plain()
		if err != nil {
			return nil, fmt.Errorf("failed to compose plain digest: %w", err)
		}
		outbox.Queue(&mailinglist.OutgoingMessage{
			Kind:       mailinglist.KindDigest,
			Sender:     list.RequestAddress(),
			Recipients: plainRcpts,
			Subject:    issue.Subject,
			Raw:        plainRaw,
		})
		metrics.DigestsSentTotal.WithLabelValues("plain").Inc()
	}

	state.Issue++
	state.LastSentAt = &now
	if err := tx.SaveDigestState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save digest state: %w", err)
	}
	if err := tx.ClearDigestMessages(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear digest messages: %w", err)
	}

	logger.Info("Digest: sent", "list", list.Name, "volume", issue.Volume, "issue", issue.Number,
		"messages", issue.Messages, "recipients", issue.Recipients)
	return issue, nil
}

// Subject is the subject line of a digest issue.
func Subject(realName string, volume, issue int) string {
	return fmt.Sprintf("%s Digest, Vol %d, Issue %d", realName, volume, issue)
}

// finish runs after commit: queued mail goes to the mailer and the issue,
// if any, to the archive.
func (e *Engine) finish(ctx context.Context, outbox *mailinglist.Outbox, issue *Issue) {
	outbox.Flush(ctx, e.mailer)
	if issue == nil || e.archiver == nil {
		return
	}

	key := storage.ArchiveKey(issue.List, issue.Volume, issue.Number)
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.archiveTimeout)
	defer cancel()
	err := retry.Do(archiveCtx, retry.ArchiveUpload, func(ctx context.Context) error {
		return e.archiver.Put(ctx, key, issue.archive)
	})
	if err != nil {
		logger.Error("Digest: failed to archive issue", "list", issue.List, "volume", issue.Volume,
			"issue", issue.Number, "key", key, "error", err)
		return
	}
	logger.Debug("Digest: archived", "list", issue.List, "key", key)
}

func totalSize(msgs []*mailinglist.DigestMessage) int64 {
	var n int64
	for _, m := range msgs {
		n += m.Size
	}
	return n
}
