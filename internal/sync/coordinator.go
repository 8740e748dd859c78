// Package sync drives per-account synchronization: dialing protocol
// sessions, walking mailboxes for deltas, reconciling flags, draining
// the outbox and scheduling retries. Each account gets one Coordinator
// running in its own goroutine; accounts never block each other.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mailden/mailden/internal/credential"
	"github.com/mailden/mailden/internal/event"
	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
	"github.com/mailden/mailden/internal/store"
)

// State is the coordinator's lifecycle state.
type State int

const (
	// StateIdle means the coordinator is waiting for the next poll tick.
	StateIdle State = iota
	// StateConnecting means a session dial is in progress.
	StateConnecting
	// StateSyncing means a sync cycle is walking mailboxes.
	StateSyncing
	// StateBackoff means the last cycle failed and a retry is scheduled.
	StateBackoff
	// StateDegraded means retries are exhausted or credentials were
	// rejected; syncing resumes only on SyncNow or Resume.
	StateDegraded
	// StatePaused means the user suspended the account.
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateBackoff:
		return "backoff"
	case StateDegraded:
		return "degraded"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// maxStoreFailures is how many consecutive failed store transactions
// the coordinator tolerates before concluding the cache itself is
// broken.
const maxStoreFailures = 10

// ErrCacheUnusable marks an account degraded because its local store
// keeps failing transactions; cached state can no longer be trusted.
var ErrCacheUnusable = errors.New("local store persistently failing")

// Status is a snapshot of one coordinator for the UI layer.
type Status struct {
	AccountID string
	State     State
	LastSync  time.Time
	LastErr   error
	Attempts  int
}

// BodyIndexer receives fetched message bodies for full-text indexing.
type BodyIndexer interface {
	UpdateBody(ctx context.Context, messageID string, raw []byte) error
}

// Coordinator syncs a single account.
type Coordinator struct {
	account   model.Account
	store     store.Store
	dialer    protocol.Dialer
	submitter protocol.Submitter
	hub       *event.Hub
	indexer   BodyIndexer
	cfg       model.SyncConfig
	log       zerolog.Logger

	trigger chan struct{}

	mu            gosync.Mutex
	status        Status
	paused        bool
	cancelOp      context.CancelFunc
	storeFailures int
}

// NewCoordinator wires a coordinator for one account. The submitter may
// be nil for accounts without a submission endpoint.
func NewCoordinator(account model.Account, st store.Store, dialer protocol.Dialer, submitter protocol.Submitter, hub *event.Hub, cfg model.SyncConfig, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		account:   account,
		store:     st,
		dialer:    dialer,
		submitter: submitter,
		hub:       hub,
		cfg:       cfg,
		log:       log.With().Str("component", "sync").Str("account", account.ID).Logger(),
		trigger:   make(chan struct{}, 1),
		status:    Status{AccountID: account.ID},
	}
}

// AttachIndexer registers a body indexer; fetched bodies are handed to
// it after they are persisted.
func (c *Coordinator) AttachIndexer(ix BodyIndexer) {
	c.indexer = ix
}

// Status returns a snapshot of the coordinator's state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SyncNow requests an immediate cycle, preempting the poll timer. It
// clears a degraded state and resets the attempt counter so a user
// action always gets a fresh retry budget, even when issued during
// backoff. Non-blocking; a pending request is not duplicated.
func (c *Coordinator) SyncNow() {
	c.mu.Lock()
	if c.status.State == StateDegraded {
		c.status.State = StateIdle
	}
	c.status.Attempts = 0
	c.mu.Unlock()

	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Pause suspends syncing and cancels any in-flight cycle.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paused = true
	c.status.State = StatePaused
	if c.cancelOp != nil {
		c.cancelOp()
	}
}

// Resume lifts a pause and triggers a cycle.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	c.status.State = StateIdle
	c.status.Attempts = 0
	c.mu.Unlock()

	c.SyncNow()
}

// Run executes the sync loop until the context is cancelled. The first
// cycle starts immediately.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.account.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(c.cfg.BackoffBaseSec) * time.Second
	bo.MaxInterval = time.Duration(c.cfg.BackoffCapSec) * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if c.isPaused() || c.isDegraded() {
			timer.Reset(interval)
			continue
		}

		err := c.runCycle(ctx)
		switch {
		case err == nil:
			bo.Reset()
			c.setIdle(nil, 0)
			timer.Reset(interval)

		case ctx.Err() != nil:
			return

		default:
			timer.Reset(c.scheduleRetry(err, bo, interval))
		}
	}
}

// scheduleRetry classifies a failed cycle and returns how long to wait
// before the next one. Credential failures, exhausted retries and a
// persistently failing store all leave the coordinator degraded until
// the user intervenes.
func (c *Coordinator) scheduleRetry(err error, bo backoff.BackOff, interval time.Duration) time.Duration {
	if protocol.IsAuthError(err) || credential.IsRevoked(err) {
		// Bad or revoked credentials never fix themselves; stop
		// retrying and wait for the user.
		c.log.Error().Err(err).Msg("authentication failed, account degraded")
		c.setDegraded(err)
		return interval
	}

	attempts := c.bumpAttempts(err)

	if store.IsStoreError(err) {
		// Cache writes must not be dropped: keep retrying on the
		// backoff curve without an attempt cap. But a store that
		// rejects every transaction can no longer be trusted, and the
		// account degrades rather than looping forever.
		failures := c.bumpStoreFailures()
		if failures >= maxStoreFailures {
			c.log.Error().Err(err).Int("failures", failures).
				Msg("local store persistently failing, account degraded")
			c.setDegraded(fmt.Errorf("%w: %v", ErrCacheUnusable, err))
			return interval
		}
		wait := bo.NextBackOff()
		c.log.Error().Err(err).Dur("retry_in", wait).
			Msg("store failure, retrying until it commits")
		return wait
	}
	c.resetStoreFailures()

	if c.cfg.MaxAttempts > 0 && attempts >= c.cfg.MaxAttempts {
		c.log.Error().Err(err).Int("attempts", attempts).
			Msg("retries exhausted, account degraded")
		c.setDegraded(err)
		return interval
	}
	wait := bo.NextBackOff()
	c.log.Warn().Err(err).Dur("retry_in", wait).Int("attempt", attempts).
		Msg("sync cycle failed, backing off")
	return wait
}

// runCycle performs one full cycle: dial, list mailboxes, push dirty
// flags, pull deltas per mailbox, drain the outbox.
func (c *Coordinator) runCycle(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.setCancel(cancel)
	defer c.setCancel(nil)

	c.setState(StateConnecting)
	session, err := c.dialer.Dial(cctx)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	defer session.Close()

	c.setState(StateSyncing)

	listed, err := session.ListMailboxes(cctx)
	if err != nil {
		return fmt.Errorf("listing mailboxes: %w", err)
	}

	var mailboxes []model.Mailbox
	for _, lm := range listed {
		mb, err := c.store.UpsertMailbox(cctx, c.account.ID, lm.Name, lm.Role)
		if err != nil {
			return err
		}
		mailboxes = append(mailboxes, mb)
	}

	byID := make(map[string]model.Mailbox, len(mailboxes))
	for _, mb := range mailboxes {
		byID[mb.ID] = mb
	}
	if err := c.pushDirtyFlags(cctx, session, byID); err != nil {
		return err
	}

	for _, mb := range mailboxes {
		if err := c.syncMailbox(cctx, session, mb); err != nil {
			return fmt.Errorf("syncing %s: %w", mb.Name, err)
		}
	}

	if err := c.drainOutbox(cctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.status.LastSync = time.Now()
	c.mu.Unlock()
	return nil
}

// pushDirtyFlags writes local flag changes to the server before deltas
// are pulled, so the pull does not immediately overwrite them.
func (c *Coordinator) pushDirtyFlags(ctx context.Context, session protocol.Session, byID map[string]model.Mailbox) error {
	dirty, err := c.store.DirtyMessages(ctx, c.account.ID)
	if err != nil {
		return err
	}

	for _, msg := range dirty {
		mb, ok := byID[msg.MailboxID]
		if !ok {
			// Mailbox vanished from the server listing; the purge on
			// the next mailbox pass will collect the message.
			continue
		}
		err := session.PushFlags(ctx, mb.Name, msg.ServerID, msg.Flags)
		if err != nil {
			var fetchErr *protocol.FetchError
			if errors.As(err, &fetchErr) && fetchErr.NotFound {
				// Message gone on the server; nothing left to push.
			} else {
				return fmt.Errorf("pushing flags for %s: %w", msg.ID, err)
			}
		}
		if err := c.store.ClearDirty(ctx, msg.ID, msg.Flags); err != nil {
			return err
		}
	}
	return nil
}

// syncMailbox pulls delta batches for one mailbox until the server
// reports it is caught up. A stability-token change purges the cache
// and restarts the walk from a zero cursor.
func (c *Coordinator) syncMailbox(ctx context.Context, session protocol.Session, mb model.Mailbox) error {
	cur := mb.Cursor()

	for {
		known, err := c.store.KnownServerIDs(ctx, mb.ID)
		if err != nil {
			return err
		}

		cs, err := session.FetchChanges(ctx, mb.Name, cur, known)
		if err != nil {
			return err
		}

		if cs.Invalidate {
			c.log.Info().Str("mailbox", mb.Name).
				Str("token", cs.StabilityToken).
				Msg("stability token changed, purging mailbox cache")
			purged, err := c.store.InvalidateMailbox(ctx, mb.ID)
			if err != nil {
				return err
			}
			for _, id := range purged {
				c.hub.Publish(event.Event{Kind: event.MessageRemoved, AccountID: c.account.ID, MessageID: id})
			}
			cur = model.Cursor{}
			continue
		}

		result, err := c.store.ApplyChanges(ctx, mb.ID, cs.Deltas, cs.Cursor)
		if err != nil {
			return err
		}
		c.publishResult(mb, result)

		cur = cs.Cursor
		if !cs.More {
			return nil
		}
	}
}

func (c *Coordinator) publishResult(mb model.Mailbox, result *store.ApplyResult) {
	for i := range result.Added {
		msg := result.Added[i]
		c.hub.Publish(event.Event{Kind: event.MessageStored, AccountID: c.account.ID, MessageID: msg.ID, Message: &msg})
		if !msg.Flags.Seen && mb.Role == model.RoleInbox {
			c.hub.Publish(event.Event{Kind: event.NewUnread, AccountID: c.account.ID, MessageID: msg.ID, Message: &msg})
		}
	}
	for _, id := range result.Updated {
		c.hub.Publish(event.Event{Kind: event.MessageFlagged, AccountID: c.account.ID, MessageID: id})
	}
	for _, id := range result.Removed {
		c.hub.Publish(event.Event{Kind: event.MessageRemoved, AccountID: c.account.ID, MessageID: id})
	}
}

// drainOutbox sends queued messages one at a time. A permanent server
// rejection parks the entry as Failed and moves on; a transport
// failure requeues the entry and stops the drain so the cycle's
// backoff governs the retry. Failed is reserved for rejections: a
// transport failure never parks an entry, the account's backoff and
// degraded states bound the work instead.
func (c *Coordinator) drainOutbox(ctx context.Context) error {
	if c.submitter == nil {
		return nil
	}

	// A claim orphaned by a crash or a cancelled cycle leaves its
	// entry in Sending; reclaim before draining so every message still
	// reaches a terminal state.
	if n, err := c.store.ResetSending(ctx, c.account.ID); err != nil {
		return err
	} else if n > 0 {
		c.log.Warn().Int("entries", n).Msg("requeued outbox entries orphaned mid-send")
	}

	for {
		entry, err := c.store.NextQueued(ctx, c.account.ID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		sendErr := c.submitter.Submit(ctx, entry.From, entry.Recipients, entry.Raw)
		if sendErr == nil {
			if err := c.store.MarkOutbox(ctx, entry.ID, model.OutboxSent, ""); err != nil {
				return err
			}
			c.log.Info().Str("outbox", entry.ID).Msg("message sent")
			continue
		}

		var subErr *protocol.SubmitError
		if errors.As(sendErr, &subErr) && subErr.Rejected() {
			// The server said no; retrying the same payload cannot
			// succeed. The user requeues explicitly after editing.
			if err := c.store.MarkOutbox(ctx, entry.ID, model.OutboxFailed, sendErr.Error()); err != nil {
				return err
			}
			c.log.Error().Err(sendErr).Str("outbox", entry.ID).Msg("message rejected by server")
			continue
		}

		if err := c.store.MarkOutbox(ctx, entry.ID, model.OutboxQueued, sendErr.Error()); err != nil {
			return err
		}
		return fmt.Errorf("submitting %s: %w", entry.ID, sendErr)
	}
}

// FetchBody retrieves the full body of a cached message on demand,
// persists it and returns the raw bytes. A separate session is dialed
// so an in-flight sync cycle is not disturbed.
func (c *Coordinator) FetchBody(ctx context.Context, messageID string) ([]byte, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.BodyState == model.BodyFetched {
		return c.store.GetBody(ctx, messageID)
	}

	mb, err := c.store.GetMailbox(ctx, msg.MailboxID)
	if err != nil {
		return nil, err
	}

	session, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing for body fetch: %w", err)
	}
	defer session.Close()

	raw, err := session.FetchBody(ctx, mb.Name, msg.ServerID)
	if err != nil {
		return nil, fmt.Errorf("fetching body for %s: %w", messageID, err)
	}
	if err := c.store.SetBody(ctx, messageID, raw); err != nil {
		return nil, err
	}
	if c.indexer != nil {
		if err := c.indexer.UpdateBody(ctx, messageID, raw); err != nil {
			// The body is durably stored; a missed index row only costs
			// search recall.
			c.log.Warn().Err(err).Str("message", messageID).Msg("body indexing failed")
		}
	}
	return raw, nil
}

// SetFlags applies a flag change locally and nudges the coordinator to
// push it on the next cycle.
func (c *Coordinator) SetFlags(ctx context.Context, messageID string, flags model.FlagSet) error {
	if err := c.store.SetLocalFlags(ctx, messageID, flags); err != nil {
		return err
	}
	c.SyncNow()
	return nil
}

// Send enqueues an outbound message and nudges the coordinator so the
// drain happens promptly rather than on the next poll tick.
func (c *Coordinator) Send(ctx context.Context, entry model.OutboxEntry) error {
	if err := c.store.Enqueue(ctx, entry); err != nil {
		return err
	}
	c.SyncNow()
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.status.State = s
}

func (c *Coordinator) setIdle(err error, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeFailures = 0
	if c.paused {
		return
	}
	c.status.State = StateIdle
	c.status.LastErr = err
	c.status.Attempts = attempts
}

func (c *Coordinator) setDegraded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.status.State = StateDegraded
	c.status.LastErr = err
}

func (c *Coordinator) bumpAttempts(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Attempts++
	c.status.LastErr = err
	if !c.paused {
		c.status.State = StateBackoff
	}
	return c.status.Attempts
}

func (c *Coordinator) bumpStoreFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeFailures++
	return c.storeFailures
}

func (c *Coordinator) resetStoreFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeFailures = 0
}

func (c *Coordinator) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelOp = cancel
}

func (c *Coordinator) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Coordinator) isDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State == StateDegraded
}
