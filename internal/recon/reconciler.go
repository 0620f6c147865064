// Package recon repairs local state after connectivity gaps. It watches
// connection-health events and, when a session comes back after more than
// the staleness window (or for the first time), refetches the conversation
// list and the message windows of subscribed conversations over REST before
// the session is allowed to report healthy.
package recon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"zapdesk/internal/api"
	"zapdesk/internal/bus"
	"zapdesk/internal/cache"
	"zapdesk/internal/model"
	"zapdesk/internal/store"
	"zapdesk/internal/transport"
)

// RestClient is the REST surface the reconciler needs.
type RestClient interface {
	ListConversations(ctx context.Context, search string, page, limit int) (*api.ConversationPage, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error)
}

// Subscriptions exposes the router's join state.
type Subscriptions interface {
	Joined() []string
	Replay(ctx context.Context)
}

// Session is the transport surface the reconciler needs: it may promote a
// degraded session to connected, never anything else.
type Session interface {
	MarkFresh()
}

// Focus reports the currently focused conversation.
type Focus interface {
	Focused() string
}

// Reconciler drives REST catch-up after reconnection.
type Reconciler struct {
	client RestClient
	store  *store.Store
	cache  *cache.Cache
	subs   Subscriptions
	conn   Session
	focus  Focus
	bus    *bus.Bus
	logger *zap.Logger

	pageSize  int
	baseDelay time.Duration
	maxDelay  time.Duration

	cancel context.CancelFunc
}

// New creates a reconciler. Retry delays follow the same bounds as the
// transport's reconnection policy.
func New(client RestClient, s *store.Store, c *cache.Cache, subs Subscriptions, conn Session, focus Focus, b *bus.Bus, logger *zap.Logger, pageSize int, baseDelay, maxDelay time.Duration) *Reconciler {
	if pageSize <= 0 {
		pageSize = 50
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &Reconciler{
		client:    client,
		store:     s,
		cache:     c,
		subs:      subs,
		conn:      conn,
		focus:     focus,
		bus:       b,
		logger:    logger,
		pageSize:  pageSize,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

// Start subscribes to connection-health events. A stale session triggers a
// resync loop that retries until it succeeds, the session drops, or ctx is
// done. A fresh session (gap within the staleness window) is trusted: the
// transport's buffered replay covers it and no REST traffic is spent.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("conn.", 16)

	go func() {
		defer unsub()
		var cancelResync context.CancelFunc
		defer func() {
			if cancelResync != nil {
				cancelResync()
			}
		}()

		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindConnEstablished:
					est, ok := evt.Payload.(transport.Established)
					if !ok || !est.Stale {
						continue
					}
					if cancelResync != nil {
						cancelResync()
					}
					var resyncCtx context.Context
					resyncCtx, cancelResync = context.WithCancel(ctx)
					r.bus.Publish(bus.Event{Kind: bus.KindSyncStale, Timestamp: time.Now()})
					go r.resyncLoop(resyncCtx, est.Gap)
				case bus.KindConnLost:
					if cancelResync != nil {
						cancelResync()
						cancelResync = nil
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the watcher and any running resync.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) resyncLoop(ctx context.Context, gap time.Duration) {
	delay := r.baseDelay
	for {
		err := r.Resync(ctx)
		if err == nil {
			r.conn.MarkFresh()
			r.bus.Publish(bus.Event{Kind: bus.KindSyncFresh, Timestamp: time.Now()})
			r.logger.Info("resync complete", zap.Duration("gap", gap))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, api.ErrAuthRejected) {
			// Not retryable here; the session layer must re-authenticate.
			r.bus.Publish(bus.Event{Kind: bus.KindConnAuthRejected, Timestamp: time.Now()})
			r.logger.Error("resync aborted: authentication rejected")
			return
		}

		r.logger.Warn("resync failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
}

// Resync refetches the full conversation list and the message window of
// the focused and subscribed conversations, then re-applies subscriptions.
// Upserts and appends are idempotent, so overlapping with live push events
// is harmless.
func (r *Reconciler) Resync(ctx context.Context) error {
	for page := 1; ; page++ {
		resp, err := r.client.ListConversations(ctx, "", page, r.pageSize)
		if err != nil {
			return err
		}
		for _, u := range resp.Data {
			r.store.Upsert(u)
		}
		if page >= resp.TotalPages || len(resp.Data) == 0 {
			break
		}
	}

	for _, id := range r.targets() {
		msgs, err := r.client.ListMessages(ctx, id, 1, r.pageSize)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			r.cache.Append(m)
		}
	}

	r.subs.Replay(ctx)
	return nil
}

// targets returns the conversations whose message windows need refetching:
// every subscribed conversation plus the focused one.
func (r *Reconciler) targets() []string {
	ids := r.subs.Joined()
	focused := r.focus.Focused()
	if focused == "" {
		return ids
	}
	for _, id := range ids {
		if id == focused {
			return ids
		}
	}
	return append(ids, focused)
}
