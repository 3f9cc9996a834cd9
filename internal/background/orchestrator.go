// Package background schedules receipt searches off the request path:
// it bounds concurrency, queues overflow by priority, retries transient
// failures with linear backoff, and keeps at most one in-flight search
// per conversation.
package background

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/noa10/mataresit-app-sub010/internal/search"
	"github.com/noa10/mataresit-app-sub010/internal/util"
)

// Cache is the external result cache. Get and Peek return (nil, nil) on a
// miss; Peek skips the hit/miss accounting so results polling does not
// skew the reported hit rate.
type Cache interface {
	Get(ctx context.Context, p search.Params, userID string) (*search.Response, error)
	Peek(ctx context.Context, p search.Params, userID string) (*search.Response, error)
	Put(ctx context.Context, p search.Params, userID string, resp *search.Response) error
	HitRate() float64
}

// Executor runs one live search. The orchestrator abandons the call once
// the attempt deadline passes, so implementations should honor ctx to
// release their connections promptly.
type Executor interface {
	ExecuteSearch(ctx context.Context, p search.Params, userID string) (*search.Response, error)
}

// Orchestrator is a constructible scheduling service. Create one with New,
// stop it with Close. All exported methods are safe for concurrent use.
type Orchestrator struct {
	cache  Cache
	exec   Executor
	policy PriorityPolicy

	mu             sync.Mutex
	cfg            Config
	queue          taskQueue
	active         map[string]*task // keyed by conversation id
	completed      map[string]*completedRecord
	completedOrder []*completedRecord
	total          int64
	completedCount int64
	failedCount    int64
	avgSearchMS    float64
	memEstimate    float64
	cpuEstimate    float64
	closed         bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Option tweaks orchestrator construction.
type Option func(*Orchestrator)

// WithPriorityPolicy replaces the default keyword-based prioritizer.
func WithPriorityPolicy(p PriorityPolicy) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = p
		}
	}
}

// New creates an orchestrator and starts its background loops.
func New(cfg Config, cache Cache, exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:     cache,
		exec:      exec,
		policy:    DefaultPriorityPolicy,
		cfg:       cfg.withDefaults(),
		active:    make(map[string]*task),
		completed: make(map[string]*completedRecord),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.wg.Add(2)
	go o.housekeepLoop()
	go o.sampleLoop()
	return o
}

// StartSearch submits a search for a conversation, superseding any prior
// queued or active search for it. It returns the new task's id; results
// arrive via callbacks and the status/results queries.
func (o *Orchestrator) StartSearch(conversationID, query string, params search.Params, userID string, opts StartOptions) (string, error) {
	params.Query = query

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}

	// At most one live search per conversation.
	o.cancelLocked(conversationID)

	priority := o.policy(query, params, o.loadSnapshotLocked())
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxRetries := o.cfg.MaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:             util.NewID("task"),
		conversationID: conversationID,
		params:         params,
		userID:         userID,
		priority:       priority,
		createdAt:      time.Now(),
		maxRetries:     maxRetries,
		stage:          "pending",
		ctx:            ctx,
		cancel:         cancel,
		cb:             opts.Callbacks,
	}
	o.total++

	var rejected, evicted *task
	if len(o.active) < o.cfg.MaxConcurrent {
		o.startLocked(t)
	} else if o.queue.len() >= o.cfg.MaxQueueSize {
		if t.priority < o.queue.lowestPriority() {
			// Nothing queued is lower priority than the newcomer.
			rejected = t
			o.failedCount++
			o.recordCompletedLocked(t, ErrQueueFull)
		} else {
			evicted = o.queue.evictLowest()
			o.failedCount++
			o.recordCompletedLocked(evicted, ErrQueueFull)
			t.stage = "queued"
			o.queue.insert(t)
		}
	} else {
		t.stage = "queued"
		o.queue.insert(t)
	}
	o.mu.Unlock()

	if evicted != nil {
		evicted.cancel()
		if evicted.cb.OnError != nil {
			evicted.cb.OnError(evicted.id, ErrQueueFull)
		}
	}
	if rejected != nil {
		rejected.cancel()
		if rejected.cb.OnError != nil {
			rejected.cb.OnError(rejected.id, ErrQueueFull)
		}
	}
	return t.id, nil
}

// CancelSearch aborts the conversation's queued or active search, if any.
// Cancelled tasks reach no terminal callback.
func (o *Orchestrator) CancelSearch(conversationID string) {
	o.mu.Lock()
	o.cancelLocked(conversationID)
	o.mu.Unlock()
}

func (o *Orchestrator) cancelLocked(conversationID string) {
	if t, ok := o.active[conversationID]; ok {
		t.cancel()
		delete(o.active, conversationID)
	}
	for _, t := range o.queue.removeConversation(conversationID) {
		t.cancel()
	}
}

// startLocked moves a task into the active set and launches its goroutine.
func (o *Orchestrator) startLocked(t *task) {
	t.startedAt = time.Now()
	o.active[t.conversationID] = t
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.attempt(t)
	}()
}

// attempt runs one execution pass for a task: cache probe, then the live
// search raced against the timeout, then retry or terminal bookkeeping.
// It re-enters itself after the backoff delay on retry.
func (o *Orchestrator) attempt(t *task) {
	if t.ctx.Err() != nil {
		o.discard(t)
		return
	}
	o.progress(t, "preprocessing")

	cached, err := o.cache.Get(t.ctx, t.params, t.userID)
	if err != nil && t.ctx.Err() == nil {
		// A broken cache degrades to a live search.
		log.Printf("background: cache lookup for %s: %v", t.id, err)
	}
	if t.ctx.Err() != nil {
		o.discard(t)
		return
	}
	if cached != nil {
		o.progress(t, "cached")
		o.complete(t, cached)
		return
	}

	o.progress(t, "searching")
	o.mu.Lock()
	timeout := o.cfg.SearchTimeout
	o.mu.Unlock()

	// The live call races the attempt deadline so the timeout holds even
	// against an executor that never checks its context. A result arriving
	// after the deadline is dropped.
	attemptCtx, cancel := context.WithTimeout(t.ctx, timeout)
	type execResult struct {
		resp *search.Response
		err  error
	}
	resultCh := make(chan execResult, 1)
	go func() {
		resp, err := o.exec.ExecuteSearch(attemptCtx, t.params, t.userID)
		resultCh <- execResult{resp: resp, err: err}
	}()

	var resp *search.Response
	select {
	case r := <-resultCh:
		resp, err = r.resp, r.err
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}
	cancel()

	if t.ctx.Err() != nil {
		// Superseded or cancelled mid-flight: discard whatever came back.
		o.discard(t)
		return
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		o.retryOrFail(t, err)
		return
	}

	if putErr := o.cache.Put(t.ctx, t.params, t.userID, resp); putErr != nil && t.ctx.Err() == nil {
		log.Printf("background: cache store for %s: %v", t.id, putErr)
	}
	o.complete(t, resp)
}

// retryOrFail applies linear backoff while retries remain, otherwise
// records the failure and fires the terminal error callback.
func (o *Orchestrator) retryOrFail(t *task, err error) {
	o.mu.Lock()
	if t.retries < t.maxRetries {
		t.retries++
		delay := o.cfg.RetryDelay * time.Duration(t.retries)
		attempt := t.retries
		o.mu.Unlock()

		o.progress(t, fmt.Sprintf("retrying %d/%d", attempt, t.maxRetries))
		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			o.discard(t)
		case <-timer.C:
			o.attempt(t)
		}
		return
	}

	if o.active[t.conversationID] == t {
		delete(o.active, t.conversationID)
	}
	o.failedCount++
	o.recordCompletedLocked(t, err)
	o.mu.Unlock()

	if t.cb.OnError != nil {
		t.cb.OnError(t.id, err)
	}
	o.drain()
}

// complete records a successful terminal state and fires OnComplete.
func (o *Orchestrator) complete(t *task, resp *search.Response) {
	now := time.Now()

	o.mu.Lock()
	if t.ctx.Err() != nil {
		if o.active[t.conversationID] == t {
			delete(o.active, t.conversationID)
		}
		o.mu.Unlock()
		o.drain()
		return
	}
	if o.active[t.conversationID] == t {
		delete(o.active, t.conversationID)
	}
	o.completedCount++
	elapsedMS := float64(now.Sub(t.startedAt).Milliseconds())
	o.avgSearchMS += (elapsedMS - o.avgSearchMS) / float64(o.completedCount)
	o.recordCompletedLocked(t, nil)
	o.mu.Unlock()

	o.progress(t, "complete")
	if t.cb.OnComplete != nil {
		t.cb.OnComplete(t.id, resp)
	}
	o.drain()
}

// discard drops a cancelled task without records or callbacks.
func (o *Orchestrator) discard(t *task) {
	o.mu.Lock()
	if o.active[t.conversationID] == t {
		delete(o.active, t.conversationID)
	}
	o.mu.Unlock()
	o.drain()
}

// progress updates the task's visible stage and notifies the caller.
// Cancelled tasks go silent.
func (o *Orchestrator) progress(t *task, stage string) {
	if t.ctx.Err() != nil {
		return
	}
	o.mu.Lock()
	t.stage = stage
	o.mu.Unlock()
	if t.cb.OnProgress != nil {
		t.cb.OnProgress(t.id, stage)
	}
}

// recordCompletedLocked stores the terminal record, bounded by count and
// age. Caller holds o.mu.
func (o *Orchestrator) recordCompletedLocked(t *task, err error) {
	rec := &completedRecord{
		taskID:         t.id,
		conversationID: t.conversationID,
		params:         t.params,
		userID:         t.userID,
		completedAt:    time.Now(),
		err:            err,
	}
	o.completed[t.conversationID] = rec
	o.completedOrder = append(o.completedOrder, rec)
	o.trimCompletedLocked(time.Now())
}

func (o *Orchestrator) trimCompletedLocked(now time.Time) {
	for len(o.completedOrder) > 0 {
		oldest := o.completedOrder[0]
		expired := now.Sub(oldest.completedAt) > o.cfg.CompletedTTL
		if !expired && len(o.completedOrder) <= o.cfg.CompletedCap {
			break
		}
		o.completedOrder[0] = nil
		o.completedOrder = o.completedOrder[1:]
		if o.completed[oldest.conversationID] == oldest {
			delete(o.completed, oldest.conversationID)
		}
	}
}

// drain promotes queued tasks while capacity allows, boosting starved
// tasks first.
func (o *Orchestrator) drain() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue.boostWaiting(time.Now(), o.cfg.PriorityBoostAfter)
	for o.queue.len() > 0 && len(o.active) < o.cfg.MaxConcurrent {
		t := o.queue.pop()
		if t.ctx.Err() != nil {
			continue
		}
		o.startLocked(t)
	}
	o.mu.Unlock()
}

// SearchStatus reports where a conversation's search stands: active, then
// queued (with position), then the terminal record, else idle.
func (o *Orchestrator) SearchStatus(conversationID string) StatusInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.active[conversationID]; ok {
		return StatusInfo{Status: StatusActive, Stage: t.stage}
	}
	if pos := o.queue.position(conversationID); pos > 0 {
		return StatusInfo{Status: StatusQueued, QueuePosition: pos}
	}
	if rec, ok := o.completed[conversationID]; ok {
		if rec.err != nil {
			return StatusInfo{Status: StatusFailed}
		}
		return StatusInfo{Status: StatusCompleted}
	}
	return StatusInfo{Status: StatusIdle}
}

// SearchResults returns the cached result for a conversation's completed
// search, or nil when none is cached. The orchestrator keeps no result
// payloads of its own.
func (o *Orchestrator) SearchResults(ctx context.Context, conversationID string) (*search.Response, error) {
	o.mu.Lock()
	rec, ok := o.completed[conversationID]
	o.mu.Unlock()

	if !ok || rec.err != nil {
		return nil, nil
	}
	// Peek, not Get: a results poll is not search traffic and must not
	// count toward the cache hit rate.
	return o.cache.Peek(ctx, rec.params, rec.userID)
}

// Metrics recomputes the aggregate counters on demand.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metricsLocked(time.Now())
}

func (o *Orchestrator) metricsLocked(now time.Time) Metrics {
	return Metrics{
		TotalSearches:          o.total,
		CompletedSearches:      o.completedCount,
		FailedSearches:         o.failedCount,
		AverageSearchTimeMS:    o.avgSearchMS,
		AverageQueueWaitMS:     meanWaitMS(o.queue.waitTimes(now)),
		CacheHitRate:           o.cache.HitRate(),
		ConcurrencyUtilization: float64(len(o.active)) / float64(o.cfg.MaxConcurrent) * 100,
		MemoryUtilization:      o.memEstimate,
		CPUUtilization:         o.cpuEstimate,
	}
}

// QueueStatus summarizes current scheduling pressure.
func (o *Orchestrator) QueueStatus() QueueInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return QueueInfo{
		QueueLength:     o.queue.len(),
		ActiveSearches:  len(o.active),
		MaxConcurrent:   o.cfg.MaxConcurrent,
		UtilizationRate: float64(len(o.active)) / float64(o.cfg.MaxConcurrent),
	}
}

// UpdateConfig applies a partial reconfiguration at runtime.
func (o *Orchestrator) UpdateConfig(u ConfigUpdate) {
	o.mu.Lock()
	if u.MaxConcurrent != nil && *u.MaxConcurrent > 0 {
		o.cfg.MaxConcurrent = *u.MaxConcurrent
	}
	if u.MaxQueueSize != nil && *u.MaxQueueSize > 0 {
		o.cfg.MaxQueueSize = *u.MaxQueueSize
	}
	if u.SearchTimeout != nil && *u.SearchTimeout > 0 {
		o.cfg.SearchTimeout = *u.SearchTimeout
	}
	if u.RetryDelay != nil && *u.RetryDelay > 0 {
		o.cfg.RetryDelay = *u.RetryDelay
	}
	if u.MaxRetries != nil && *u.MaxRetries >= 0 {
		o.cfg.MaxRetries = *u.MaxRetries
	}
	if u.PriorityBoostAfter != nil && *u.PriorityBoostAfter > 0 {
		o.cfg.PriorityBoostAfter = *u.PriorityBoostAfter
	}
	o.mu.Unlock()

	// Raised capacity may unblock queued work immediately.
	o.drain()
}

// Config returns a copy of the current configuration.
func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

func (o *Orchestrator) loadSnapshotLocked() LoadSnapshot {
	snap := LoadSnapshot{
		ActiveSearches:    len(o.active),
		QueueLength:       o.queue.len(),
		CPUUtilization:    o.cpuEstimate,
		MemoryUtilization: o.memEstimate,
		AvgSearchTimeMS:   o.avgSearchMS,
	}
	if o.total > 0 {
		snap.ErrorRate = float64(o.failedCount) / float64(o.total)
	}
	return snap
}

// housekeepLoop drains the queue, expires terminal records and refreshes
// the resource estimates. Failures are logged, never fatal.
func (o *Orchestrator) housekeepLoop() {
	defer o.wg.Done()
	o.mu.Lock()
	interval := o.cfg.DrainInterval
	o.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.safeTick("housekeeping", func() {
				o.drain()
				o.mu.Lock()
				o.trimCompletedLocked(time.Now())
				o.memEstimate = estimateMemoryPct(o.cfg.MemorySoftLimitMB)
				o.cpuEstimate = estimateCPUPct(len(o.active), o.cfg.MaxConcurrent, o.cfg.CPUSoftLimitPct)
				o.mu.Unlock()
			})
		}
	}
}

// sampleLoop periodically recomputes the metrics aggregate so utilization
// trends stay fresh even when nobody polls Metrics.
func (o *Orchestrator) sampleLoop() {
	defer o.wg.Done()
	o.mu.Lock()
	interval := o.cfg.SampleInterval
	o.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.safeTick("sampling", func() {
				o.mu.Lock()
				m := o.metricsLocked(time.Now())
				o.mu.Unlock()
				if m.TotalSearches > 0 {
					log.Printf("background: total=%d completed=%d failed=%d active_util=%.0f%% cache_hit=%.2f",
						m.TotalSearches, m.CompletedSearches, m.FailedSearches,
						m.ConcurrencyUtilization, m.CacheHitRate)
				}
			})
		}
	}
}

// safeTick keeps a panicking periodic body from killing the loop.
func (o *Orchestrator) safeTick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("background: %s tick panicked: %v", name, r)
		}
	}()
	fn()
}

// Close aborts all queued and in-flight work, stops the background loops
// and waits for task goroutines to exit. Intended for process or test
// teardown.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)
	for _, t := range o.active {
		t.cancel()
	}
	o.active = make(map[string]*task)
	for _, t := range o.queue.drainAll() {
		t.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
}
