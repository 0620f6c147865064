package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"zapdesk/internal/api"
)

// SearchClient is the REST surface the searcher needs.
type SearchClient interface {
	ListConversations(ctx context.Context, search string, page, limit int) (*api.ConversationPage, error)
}

// Searcher issues debounced conversation searches and arbitrates their
// responses by sequence number. Every issued query gets the next sequence;
// a response is applied only when its sequence is still the latest issued,
// so a slow early response can never overwrite the result of a later query
// (last-issued-wins, not last-arrived-wins). Superseded responses are
// discarded silently: that is the expected arbitration outcome, not an
// error.
type Searcher struct {
	store    *Store
	client   SearchClient
	logger   *zap.Logger
	debounce time.Duration
	pageSize int

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	pending string
	seq     uint64
}

// NewSearcher creates a searcher over the given store.
func NewSearcher(s *Store, client SearchClient, logger *zap.Logger, debounce time.Duration, pageSize int) *Searcher {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Searcher{
		store:    s,
		client:   client,
		logger:   logger,
		debounce: debounce,
		pageSize: pageSize,
	}
}

// Start binds the searcher's request lifetime to ctx.
func (s *Searcher) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
}

// Stop cancels the debounce timer and any in-flight requests. In-flight
// responses arriving afterwards are dropped by the sequence check.
func (s *Searcher) Stop() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Query schedules a search for the given filter text. Calls within the
// debounce window coalesce to the last one.
func (s *Searcher) Query(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = filter
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

// Flush issues any pending query immediately, bypassing the debounce.
func (s *Searcher) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.fire()
}

func (s *Searcher) fire() {
	s.mu.Lock()
	filter := s.pending
	s.seq++
	seq := s.seq
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	go s.issue(ctx, seq, filter)
}

func (s *Searcher) issue(ctx context.Context, seq uint64, filter string) {
	page, err := s.client.ListConversations(ctx, filter, 1, s.pageSize)
	if err != nil {
		s.logger.Warn("conversation search failed",
			zap.String("filter", filter), zap.Error(err))
		return
	}

	// Upserting superseded results is harmless enrichment; installing their
	// view is not. The sequence check and the view install happen under one
	// critical section so a newer query cannot slip in between them.
	ids := make([]string, 0, len(page.Data))
	for _, u := range page.Data {
		s.store.Upsert(u)
		ids = append(ids, u.ID)
	}

	s.mu.Lock()
	if seq != s.seq {
		latest := s.seq
		s.mu.Unlock()
		s.logger.Debug("discarding stale search response",
			zap.Uint64("seq", seq), zap.Uint64("latest", latest))
		return
	}
	s.store.SetView(filter, ids)
	s.mu.Unlock()
}

var _ SearchClient = (*api.Client)(nil)
