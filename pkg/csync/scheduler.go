package csync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// listenerRegistration binds one user callback to one pattern Key instance,
// tracking the highest VTS delivered per concrete key so that delivery stays
// at-most-once-per-version even across repeated snapshots and advance
// rounds.
type listenerRegistration struct {
	keyID   string
	pattern *Key
	fn      ListenerFunc

	mu      sync.Mutex
	highest map[string]int64
}

func newListenerRegistration(key *Key, fn ListenerFunc) *listenerRegistration {
	return &listenerRegistration{
		keyID:   key.ID(),
		pattern: key,
		fn:      fn,
		highest: make(map[string]int64),
	}
}

// admit reports whether vts is strictly newer than the highest this
// registration has delivered for concreteKey, and if so records it.
func (l *listenerRegistration) admit(concreteKey string, vts int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.highest[concreteKey]; ok && vts <= prev {
		return false
	}
	l.highest[concreteKey] = vts
	return true
}

func (l *listenerRegistration) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.highest = make(map[string]int64)
}

// deliveryTask is one unit of work for the bounded delivery worker pool: a
// single listener callback invocation for a single Value.
type deliveryTask struct {
	reg            *listenerRegistration
	value          Value
	enqueuedAt     time.Time
}

// scheduler is the App's single logical execution context: operation queue,
// conflict detection, listener registry, and delivery fan-out. Every
// exported method above it serializes through schedMu, which stands in for
// the single-goroutine actor the source library uses — the guarantee is the
// same (no two state mutations race), only the mechanism differs (a mutex
// rather than a literal command-channel goroutine; see DESIGN.md).
type scheduler struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	matcher *matcher
	sync    *syncState
	tr      *transport

	schedMu  sync.Mutex
	queue    []*operation
	nextOpID uint64
	draining bool

	listeners map[string][]*listenerRegistration // keyed by pattern string
	acls      []string

	deliveryCh   chan deliveryTask
	deliveryWG   sync.WaitGroup
	stopDelivery chan struct{}

	drainWaiters []chan struct{}

	lastCTS int64
}

func newScheduler(opts Options, logger *slog.Logger, metrics *Metrics) *scheduler {
	s := &scheduler{
		opts:         opts,
		logger:       logger,
		metrics:      metrics,
		matcher:      newMatcher(opts.MatchCacheSize),
		sync:         newSyncState(),
		listeners:    make(map[string][]*listenerRegistration),
		deliveryCh:   make(chan deliveryTask, 1024),
		stopDelivery: make(chan struct{}),
	}

	transportLogger := newChannelLogger(logger, "transport", "transport", opts.debugEnabled("transport"))
	s.tr = newTransport(opts, transportLogger, metrics, s.onTransportConnect, s.onTransportData)

	for i := 0; i < opts.DeliveryWorkers; i++ {
		s.deliveryWG.Add(1)
		go s.deliveryWorker()
	}

	return s
}

// onTransportConnect replays every still-started (unfinished, already sent)
// operation after a fresh connect, covering the reconnect-and-resend case.
func (s *scheduler) onTransportConnect() {
	s.schedMu.Lock()
	started := make([]*operation, 0, len(s.queue))
	for _, op := range s.queue {
		if op.state == opStarted {
			started = append(started, op)
		}
	}
	s.schedMu.Unlock()

	for _, op := range started {
		s.tr.send(op.closure, op.requestBytes, s.responseHandler(op))
	}
}

// onTransportData is the Transport hook for unsolicited `data` messages: it
// applies the monotonicity check and, if accepted, fans the Value out to
// every matching listener.
func (s *scheduler) onTransportData(v Value) {
	if s.sync.observe(v) {
		s.dispatchToListeners(v)
	}
}

// nextCTS returns a client-assigned, monotonically non-decreasing CTS:
// max(lastCTS+1, wallclock millis).
func (s *scheduler) nextCTS(now func() time.Time) int64 {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	wall := now().UnixMilli()
	candidate := s.lastCTS + 1
	if wall > candidate {
		candidate = wall
	}
	s.lastCTS = candidate
	return candidate
}

// enqueue appends op to the queue and kicks processQueue. It refuses new work
// once the scheduler has begun draining (Unauth in progress).
func (s *scheduler) enqueue(op *operation) error {
	s.schedMu.Lock()
	if s.draining {
		s.schedMu.Unlock()
		return NewError(CodeInvalidRequest, "app is unauthenticated")
	}
	s.nextOpID++
	op.id = s.nextOpID
	op.state = opQueued
	s.queue = append(s.queue, op)
	s.schedMu.Unlock()

	s.metrics.operationQueued(op.kind)
	s.processQueue()
	return nil
}

func (s *scheduler) removeOpLocked(op *operation) {
	for i, o := range s.queue {
		if o == op {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// processQueue scans the queue in FIFO order and starts every queued
// operation whose query signature has no earlier, still-active operation
// ahead of it.
func (s *scheduler) processQueue() {
	s.schedMu.Lock()
	active := make(map[querySignature]bool, len(s.queue))
	var toStart []*operation
	for _, op := range s.queue {
		sig := op.signature()
		switch op.state {
		case opStarted, opResponded:
			active[sig] = true
		case opQueued:
			if active[sig] {
				continue
			}
			active[sig] = true
			toStart = append(toStart, op)
		}
	}
	s.metrics.setQueueDepth(len(s.queue))
	s.schedMu.Unlock()

	for _, op := range toStart {
		s.start(op)
	}
}

// start builds and sends the wire request for op, arming its timeout.
func (s *scheduler) start(op *operation) {
	s.schedMu.Lock()
	op.closure = newClosure()
	s.schedMu.Unlock()

	req, err := op.buildRequest(s.sync.rvtsSnapshot())
	if err != nil {
		s.finishOp(op, err)
		return
	}
	op.requestBytes = req

	s.schedMu.Lock()
	op.state = opStarted
	s.schedMu.Unlock()

	s.armTimeout(op)
	s.tr.send(op.closure, req, s.responseHandler(op))
}

func (s *scheduler) armTimeout(op *operation) {
	if op.timeout <= 0 {
		return
	}
	op.timer = time.AfterFunc(op.timeout, func() { s.handleTimeout(op) })
}

// handleTimeout resends the unchanged request under the same closure id,
// idempotent because the server recognizes a repeated closure as the same
// logical request.
func (s *scheduler) handleTimeout(op *operation) {
	s.schedMu.Lock()
	live := op.state == opStarted
	s.schedMu.Unlock()
	if !live {
		return
	}
	s.logger.Warn("operation timed out, resending", "kind", op.kind.String(), "closure", op.closure)
	s.armTimeout(op)
	s.tr.send(op.closure, op.requestBytes, s.responseHandler(op))
}

// finishOp transitions op to finished, removes it from the queue exactly
// once, invokes its completion callback, and re-scans the queue for newly
// eligible operations.
func (s *scheduler) finishOp(op *operation, err error) {
	s.schedMu.Lock()
	if op.state == opFinished {
		s.schedMu.Unlock()
		return
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	op.state = opFinished
	s.removeOpLocked(op)

	var waiters []chan struct{}
	if len(s.queue) == 0 {
		waiters, s.drainWaiters = s.drainWaiters, nil
	}
	s.schedMu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.operationFinished(op.kind, outcome)

	if op.finalize != nil {
		op.finalize(err)
	}
	s.processQueue()
}

// responseHandler builds the Transport callback for op, dispatching to
// variant-specific processing once a response (or error) arrives.
func (s *scheduler) responseHandler(op *operation) responseCallback {
	return func(env envelope, err error) {
		if err != nil {
			s.finishOp(op, err)
			return
		}

		switch env.Kind {
		case kindHappy:
			var p happyPayload
			if derr := decodePayload(env.Payload, &p); derr != nil {
				s.finishOp(op, derr)
				return
			}
			if p.Code != 0 {
				s.finishOp(op, NewError(CodeRequestError, p.Msg))
				return
			}
			s.finishOp(op, nil)

		case kindError:
			var p errorPayload
			_ = decodePayload(env.Payload, &p)
			s.finishOp(op, NewError(CodeInternalError, p.Msg))

		case kindAdvanceResponse:
			var p advanceResponsePayload
			if derr := decodePayload(env.Payload, &p); derr != nil {
				s.finishOp(op, derr)
				return
			}
			s.handleAdvanceResponse(op, p)

		case kindFetchResponse:
			var p fetchResponsePayload
			if derr := decodePayload(env.Payload, &p); derr != nil {
				s.finishOp(op, derr)
				return
			}
			s.handleFetchResponse(op, p)

		case kindGetAclsResponse:
			var p getAclsResponsePayload
			if derr := decodePayload(env.Payload, &p); derr != nil {
				s.finishOp(op, derr)
				return
			}
			s.schedMu.Lock()
			s.acls = p.ACLs
			s.schedMu.Unlock()
			s.finishOp(op, nil)

		default:
			s.finishOp(op, NewError(CodeInternalError, "unexpected response kind for operation"))
		}
	}
}

// handleAdvanceResponse implements the Advance response protocol: returned
// VTS values already reflected in memoryDB at least as fresh are re-delivered
// directly (covers a listener added after the data first arrived); anything
// missing or stale is collected into a Fetch.
func (s *scheduler) handleAdvanceResponse(op *operation, p advanceResponsePayload) {
	pattern := op.pattern

	var toFetch []int64
	var maxReturned int64
	for _, vts := range p.VTS {
		if vts > maxReturned {
			maxReturned = vts
		}
		if key, ok := s.sync.byVTS(vts); ok {
			if v, ok := s.sync.latest(key); ok && v.VTS >= vts {
				s.dispatchToListeners(v)
				continue
			}
		}
		toFetch = append(toFetch, vts)
	}

	rvtsPrime := s.sync.rvts(pattern.String())
	if maxReturned > rvtsPrime {
		rvtsPrime = maxReturned
	}
	if p.MaxVTS != nil {
		rvtsPrime = *p.MaxVTS
	}

	s.finishOp(op, nil)

	if len(toFetch) > 0 {
		s.enqueueFetch(pattern, toFetch, rvtsPrime)
		return
	}

	s.sync.commitRVTS(pattern.String(), rvtsPrime)
	s.scheduleNextAdvanceOrClear(pattern)
}

// handleFetchResponse delivers every fetched Value, commits the RVTS
// checkpoint the preceding Advance computed, and paces or clears the next
// round of the advance loop.
func (s *scheduler) handleFetchResponse(op *operation, p fetchResponsePayload) {
	for _, vp := range p.Response {
		v := vp.toValue()
		if s.sync.observe(v) {
			s.dispatchToListeners(v)
		}
	}
	s.sync.commitRVTS(op.pattern.String(), op.fetchRVTSPrime)
	s.finishOp(op, nil)
	s.scheduleNextAdvanceOrClear(op.pattern)
}

// scheduleNextAdvanceOrClear either paces the next Advance round (if the
// pattern still has at least one listener) or clears advanceScheduled so a
// future addListener can restart the loop.
func (s *scheduler) scheduleNextAdvanceOrClear(pattern *Key) {
	s.schedMu.Lock()
	hasListeners := len(s.listeners[pattern.String()]) > 0
	s.schedMu.Unlock()

	if !hasListeners {
		s.sync.clearAdvanceScheduled(pattern.String())
		return
	}
	time.AfterFunc(s.opts.AdvanceDelay, func() { s.enqueueAdvance(pattern) })
}

func (s *scheduler) enqueueAdvance(pattern *Key) {
	op := &operation{kind: opAdvance, pattern: pattern, timeout: s.opts.OperationTimeout}
	if err := s.enqueue(op); err != nil {
		s.logger.Warn("failed to enqueue advance", "pattern", pattern.String(), "error", err)
	}
}

func (s *scheduler) enqueueFetch(pattern *Key, vts []int64, rvtsPrime int64) {
	op := &operation{
		kind:           opFetch,
		pattern:        pattern,
		timeout:        s.opts.OperationTimeout,
		fetchVTS:       vts,
		fetchRVTSPrime: rvtsPrime,
	}
	if err := s.enqueue(op); err != nil {
		s.logger.Warn("failed to enqueue fetch", "pattern", pattern.String(), "error", err)
	}
}

func (s *scheduler) enqueueSubscribe(key *Key) {
	op := &operation{kind: opSubscribe, key: key, timeout: s.opts.OperationTimeout}
	if err := s.enqueue(op); err != nil {
		s.logger.Warn("failed to enqueue subscribe", "key", key.String(), "error", err)
	}
}

func (s *scheduler) enqueueUnsubscribe(key *Key) {
	op := &operation{kind: opUnsubscribe, key: key, timeout: s.opts.OperationTimeout}
	if err := s.enqueue(op); err != nil {
		s.logger.Warn("failed to enqueue unsubscribe", "key", key.String(), "error", err)
	}
}

// startAdvance begins the advance loop for pattern if it is not already
// running.
func (s *scheduler) startAdvance(pattern *Key) {
	if !s.sync.tryScheduleAdvance(pattern.String()) {
		return
	}
	s.enqueueAdvance(pattern)
}

func (s *scheduler) listenerCountLocked() int {
	n := 0
	for _, regs := range s.listeners {
		n += len(regs)
	}
	return n
}

// addListener registers fn against key, queuing every already-known matching
// Value for delivery through the worker pool and starting the pattern's
// advance loop.
// A key that fails validation invokes fn directly with the validity error,
// per the revised Listen contract (see DESIGN.md).
func (s *scheduler) addListener(key *Key, fn ListenerFunc) error {
	if err := key.Err(); err != nil {
		fn(err, nil)
		return err
	}

	reg := newListenerRegistration(key, fn)
	patternStr := key.String()

	s.schedMu.Lock()
	regs := s.listeners[patternStr]
	first := len(regs) == 0
	replaced := false
	for i, r := range regs {
		if r.keyID == key.ID() {
			regs[i] = reg
			replaced = true
			break
		}
	}
	if !replaced {
		regs = append(regs, reg)
	}
	s.listeners[patternStr] = regs
	s.metrics.setListenersActive(s.listenerCountLocked())
	s.schedMu.Unlock()

	for _, v := range s.sync.snapshotMatching(s.matcher, key) {
		select {
		case s.deliveryCh <- deliveryTask{reg: reg, value: v, enqueuedAt: time.Now()}:
		default:
			s.logger.Warn("delivery channel full, dropping callback dispatch", "key", v.Key)
		}
	}

	if first {
		s.enqueueSubscribe(key)
	}
	s.startAdvance(key)
	return nil
}

// removeListener unregisters the listener bound to key (matched by the
// Key instance's own id, so re-registering the same string is independent).
// If it was the last listener on this pattern string, an Unsubscribe is
// enqueued.
func (s *scheduler) removeListener(key *Key) {
	patternStr := key.String()

	s.schedMu.Lock()
	regs := s.listeners[patternStr]
	idx := -1
	for i, r := range regs {
		if r.keyID == key.ID() {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.schedMu.Unlock()
		return
	}
	regs = append(append([]*listenerRegistration(nil), regs[:idx]...), regs[idx+1:]...)
	last := len(regs) == 0
	if last {
		delete(s.listeners, patternStr)
	} else {
		s.listeners[patternStr] = regs
	}
	s.metrics.setListenersActive(s.listenerCountLocked())
	s.schedMu.Unlock()

	if last {
		s.enqueueUnsubscribe(key)
	}
}

// removeAllListeners is used by Unauth: it snapshots the full listener list
// before clearing it, then enqueues one Unsubscribe per pattern still
// registered, avoiding a mutate-while-iterating hazard.
func (s *scheduler) removeAllListeners() {
	s.schedMu.Lock()
	patterns := make([]*Key, 0, len(s.listeners))
	for _, regs := range s.listeners {
		if len(regs) > 0 {
			patterns = append(patterns, regs[0].pattern)
		}
	}
	s.listeners = make(map[string][]*listenerRegistration)
	s.metrics.setListenersActive(0)
	s.schedMu.Unlock()

	for _, p := range patterns {
		s.enqueueUnsubscribe(p)
	}
}

// dispatchToListeners fans a Value out to every listener registration whose
// pattern matches it, via the bounded delivery worker pool.
func (s *scheduler) dispatchToListeners(v Value) {
	concrete := NewKey(v.Key)

	s.schedMu.Lock()
	var tasks []deliveryTask
	for _, regs := range s.listeners {
		for _, reg := range regs {
			if s.matcher.Matches(reg.pattern, concrete) {
				tasks = append(tasks, deliveryTask{reg: reg, value: v, enqueuedAt: time.Now()})
			}
		}
	}
	s.schedMu.Unlock()

	for _, t := range tasks {
		select {
		case s.deliveryCh <- t:
		default:
			s.logger.Warn("delivery channel full, dropping callback dispatch", "key", v.Key)
		}
	}
}

func (s *scheduler) deliveryWorker() {
	defer s.deliveryWG.Done()
	for {
		select {
		case task := <-s.deliveryCh:
			s.deliverOne(task)
		case <-s.stopDelivery:
			return
		}
	}
}

func (s *scheduler) deliverOne(task deliveryTask) {
	if !task.reg.admit(task.value.Key, task.value.VTS) {
		return
	}
	v := task.value
	task.reg.fn(nil, &v)
	s.metrics.observeDelivery(time.Since(task.enqueuedAt).Seconds())
}

// beginDrain stops new operations from being enqueued; used by Unauth.
func (s *scheduler) beginDrain() {
	s.schedMu.Lock()
	s.draining = true
	s.schedMu.Unlock()
}

// endDrain re-opens the scheduler for new operations after a fresh
// Authenticate.
func (s *scheduler) endDrain() {
	s.schedMu.Lock()
	s.draining = false
	s.schedMu.Unlock()
}

func (s *scheduler) queueLen() int {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return len(s.queue)
}

// waitDrained blocks until the queue reaches empty or ctx is done.
func (s *scheduler) waitDrained(ctx context.Context) error {
	s.schedMu.Lock()
	if len(s.queue) == 0 {
		s.schedMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.drainWaiters = append(s.drainWaiters, ch)
	s.schedMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scheduler) snapshotACLs() []string {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return append([]string(nil), s.acls...)
}

// close stops the delivery worker pool and the transport session. After
// close, the scheduler must not be used again.
func (s *scheduler) close() {
	s.beginDrain()
	close(s.stopDelivery)
	s.deliveryWG.Wait()
	s.tr.endSession()
}
