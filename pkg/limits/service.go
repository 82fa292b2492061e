package limits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/ipquota/pkg/cache"
	"mercator-hq/ipquota/pkg/clientip"
	"mercator-hq/ipquota/pkg/limits/storage"
)

const tracerName = "mercator-hq/ipquota/pkg/limits"

// Config configures the usage service.
type Config struct {
	// MaxUsage is the number of uses per window.
	// Default: 3
	MaxUsage int64

	// Window is the length of each key's window, anchored at first use.
	// Default: 24 hours
	Window time.Duration

	// LockEnabled takes a short-lived lock key around each increment.
	LockEnabled bool

	// LockTTL bounds how long a lock key lives.
	// Default: 30 seconds
	LockTTL time.Duration

	// KeyPrefix namespaces cache keys.
	// Default: "usage"
	KeyPrefix string

	// MirrorQueueSize bounds pending durable mirror writes.
	// Default: 1024
	MirrorQueueSize int
}

// DefaultConfig returns the product defaults: 3 uses per 24 hours.
func DefaultConfig() Config {
	return Config{
		MaxUsage:        3,
		Window:          24 * time.Hour,
		LockTTL:         30 * time.Second,
		KeyPrefix:       "usage",
		MirrorQueueSize: 1024,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxUsage <= 0 {
		c.MaxUsage = d.MaxUsage
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.MirrorQueueSize <= 0 {
		c.MirrorQueueSize = d.MirrorQueueSize
	}
}

// Option configures a Service.
type Option func(*Service)

// WithStore sets the durable store used as fallback and mirror target.
func WithStore(store storage.Backend) Option {
	return func(s *Service) { s.store = store }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service enforces the per-IP usage quota.
//
// The cache client and durable store are passed in and shared; the Service
// never closes them. It is safe for concurrent use.
type Service struct {
	cache   cache.Cache
	store   storage.Backend
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	// tracksCache is false for the no-op cache, which holds no counts.
	tracksCache bool

	mirrorCh chan *storage.UsageRecord
	mirrorWG sync.WaitGroup
	mirrorMu sync.RWMutex
	closed   bool
}

// NewService creates a usage service on top of c. A nil cache behaves like
// the no-op backend.
func NewService(c cache.Cache, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	if c == nil {
		c = cache.NewNoop()
	}

	s := &Service{
		cache:  c,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "usage")

	s.tracksCache = c.Tracks()

	if s.store != nil && s.tracksCache {
		s.mirrorCh = make(chan *storage.UsageRecord, cfg.MirrorQueueSize)
		s.mirrorWG.Add(1)
		go s.mirrorLoop()
	}

	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Close flushes pending mirror writes. It does not close the cache or store.
func (s *Service) Close() error {
	s.mirrorMu.Lock()
	if s.closed {
		s.mirrorMu.Unlock()
		return nil
	}
	s.closed = true
	if s.mirrorCh != nil {
		close(s.mirrorCh)
	}
	s.mirrorMu.Unlock()

	s.mirrorWG.Wait()
	return nil
}

// keyFor coerces an empty key to the shared sentinel bucket.
func keyFor(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return clientip.Sentinel
	}
	return ip
}

func (s *Service) counterKey(key string) string { return s.cfg.KeyPrefix + ":" + key }
func (s *Service) windowKey(key string) string  { return s.cfg.KeyPrefix + ":" + key + ":window" }
func (s *Service) lockKey(key string) string    { return "lock:" + s.cfg.KeyPrefix + ":" + key }

// cachedState is one key's record as read from the cache.
type cachedState struct {
	count int64
	win   *window

	// For an expired record, the key and raw value that marked it so.
	staleKey string
	staleRaw []byte
}

// readCache loads the counter and window for key. An expired record is
// reported as zero-valued with expired set.
func (s *Service) readCache(ctx context.Context, key string, now time.Time) (st cachedState, expired bool, err error) {
	values, err := s.cache.MGet(ctx, s.counterKey(key), s.windowKey(key))
	if err != nil {
		return cachedState{}, false, err
	}

	if len(values) > 0 && values[0] != nil {
		n, err := strconv.ParseInt(string(values[0]), 10, 64)
		if err != nil {
			// A corrupt counter is dropped and the key starts over.
			s.logger.Error("corrupt usage counter, resetting", "client_ip", key, "error", err)
			return cachedState{staleKey: s.counterKey(key), staleRaw: values[0]}, true, nil
		}
		st.count = n
	}

	if len(values) > 1 && values[1] != nil {
		var w window
		if err := json.Unmarshal(values[1], &w); err == nil {
			st.win = &w
		}
	}

	if st.win != nil && st.win.expired(now) {
		return cachedState{staleKey: s.windowKey(key), staleRaw: values[1]}, true, nil
	}

	return st, false, nil
}

// resetAt returns when key's window ends. A counter without a window
// record ends with its own TTL.
func (s *Service) resetAt(ctx context.Context, key string, st cachedState, now time.Time) time.Time {
	if st.win != nil {
		return st.win.ResetAt
	}
	if st.count > 0 {
		if ttl, err := s.cache.TTL(ctx, s.counterKey(key)); err == nil && ttl > 0 {
			return now.Add(ttl)
		}
	}
	return now.Add(s.cfg.Window)
}

func (s *Service) clamp(count int64) int64 {
	switch {
	case count < 0:
		return 0
	case count > s.cfg.MaxUsage:
		return s.cfg.MaxUsage
	}
	return count
}

// CheckQuota reports whether ip may consume another use. It never mutates state.
func (s *Service) CheckQuota(ctx context.Context, ip string) *QuotaResult {
	ctx, span := s.tracer.Start(ctx, "usage.CheckQuota")
	defer span.End()
	defer s.metrics.recordDuration("check", time.Now())

	key := keyFor(ip)
	now := s.now()

	var res *QuotaResult
	if !s.tracksCache {
		res = s.checkDegraded(ctx, key, now, nil)
	} else if st, _, err := s.readCache(ctx, key, now); err != nil {
		res = s.checkDegraded(ctx, key, now, err)
	} else {
		res = s.quota(st.count, s.resetAt(ctx, key, st, now))
	}

	s.metrics.recordCheck(res.CanUse)
	annotate(span, res.UsageCount, res.Degraded, res.Error)
	return res
}

func (s *Service) quota(count int64, resetAt time.Time) *QuotaResult {
	count = s.clamp(count)
	return &QuotaResult{
		CanUse:         count < s.cfg.MaxUsage,
		UsageCount:     count,
		RemainingCount: remaining(s.cfg.MaxUsage, count),
		ResetTime:      resetAt,
	}
}

func (s *Service) checkDegraded(ctx context.Context, key string, now time.Time, cause error) *QuotaResult {
	if cause != nil {
		s.logger.Warn("cache unavailable, checking quota without cache", "client_ip", key, "error", cause)
	}

	if s.store == nil {
		s.metrics.recordDegraded("check", "fail_open")
		return &QuotaResult{
			CanUse:         true,
			RemainingCount: s.cfg.MaxUsage,
			ResetTime:      now.Add(s.cfg.Window),
			Degraded:       true,
		}
	}

	s.metrics.recordDegraded("check", "store")
	rec, err := s.store.Load(ctx, key)
	if err != nil {
		s.logger.Error("durable store failed during quota check", "client_ip", key, "error", err)
		return &QuotaResult{
			ResetTime: now.Add(s.cfg.Window),
			Degraded:  true,
			Error:     databaseError(err),
		}
	}

	var res *QuotaResult
	if rec == nil || rec.Expired(now) {
		res = s.quota(0, now.Add(s.cfg.Window))
	} else {
		res = s.quota(rec.Count, rec.ResetAt)
	}
	res.Degraded = true
	return res
}

// IncrementUsage consumes one use for ip. The quota is re-validated here;
// a prior CheckQuota result is not trusted.
func (s *Service) IncrementUsage(ctx context.Context, ip string) *IncrementResult {
	ctx, span := s.tracer.Start(ctx, "usage.IncrementUsage")
	defer span.End()
	defer s.metrics.recordDuration("increment", time.Now())

	res := s.increment(ctx, keyFor(ip), s.now())

	switch {
	case res.Success:
		s.metrics.recordIncrement("success")
	case res.Error != nil && res.Error.Code == CodeUsageLimitExceeded:
		s.metrics.recordIncrement("exceeded")
	default:
		s.metrics.recordIncrement("error")
	}
	annotate(span, res.UsageCount, res.Degraded, res.Error)
	return res
}

func (s *Service) increment(ctx context.Context, key string, now time.Time) *IncrementResult {
	if !s.tracksCache {
		return s.incrementDegraded(ctx, key, now, nil)
	}

	if s.cfg.LockEnabled {
		release, err := s.acquireLock(ctx, key)
		if err != nil {
			return s.incrementDegraded(ctx, key, now, err)
		}
		defer release()
	}

	st, expired, err := s.readCache(ctx, key, now)
	if err != nil {
		return s.incrementDegraded(ctx, key, now, err)
	}
	if expired {
		// Only the first caller to clear the stale record wins; the rest find
		// the guard changed and count into the window it started.
		if _, err := s.cache.CompareAndDelete(ctx, st.staleKey, st.staleRaw, s.counterKey(key), s.windowKey(key)); err != nil {
			return s.incrementDegraded(ctx, key, now, err)
		}
		st = cachedState{}
	}

	if st.count >= s.cfg.MaxUsage {
		resetAt := s.resetAt(ctx, key, st, now)
		return &IncrementResult{
			UsageCount: s.clamp(st.count),
			ResetTime:  resetAt,
			Error:      limitExceeded(s.cfg.MaxUsage, resetAt),
		}
	}

	n, err := s.cache.IncrBy(ctx, s.counterKey(key), 1, s.cfg.Window)
	if err != nil {
		return s.incrementDegraded(ctx, key, now, err)
	}

	win := st.win
	if n == 1 || win == nil {
		resetAt := now.Add(s.cfg.Window)
		if n > 1 {
			resetAt = s.resetAt(ctx, key, cachedState{count: n}, now)
		}
		if win, err = s.ensureWindow(ctx, key, now, resetAt); err != nil {
			// The counter carries its own TTL, so a missing window self-heals.
			s.logger.Warn("failed to record usage window", "client_ip", key, "error", err)
			win = &window{Start: resetAt.Add(-s.cfg.Window), ResetAt: resetAt}
		}
	}

	if n > s.cfg.MaxUsage {
		s.metrics.recordOvershoot()
		if _, err := s.cache.IncrBy(ctx, s.counterKey(key), -1, s.cfg.Window); err != nil {
			s.logger.Warn("compensating decrement failed", "client_ip", key, "error", err)
		}
		return &IncrementResult{
			UsageCount: s.cfg.MaxUsage,
			ResetTime:  win.ResetAt,
			Error:      limitExceeded(s.cfg.MaxUsage, win.ResetAt),
		}
	}

	s.mirror(key, n, win, now)

	return &IncrementResult{
		Success:        true,
		UsageCount:     n,
		RemainingCount: remaining(s.cfg.MaxUsage, n),
		ResetTime:      win.ResetAt,
	}
}

// acquireLock takes the per-key lock. Contention is not an error: the
// returned release is a no-op and the overshoot check covers the race.
func (s *Service) acquireLock(ctx context.Context, key string) (func(), error) {
	ok, err := s.cache.SetNX(ctx, s.lockKey(key), []byte("1"), s.cfg.LockTTL)
	if err != nil {
		s.metrics.recordLock("error")
		return nil, err
	}
	if !ok {
		s.metrics.recordLock("contended")
		return func() {}, nil
	}

	s.metrics.recordLock("acquired")
	return func() {
		if err := s.cache.Del(context.WithoutCancel(ctx), s.lockKey(key)); err != nil {
			s.logger.Debug("failed to release usage lock", "client_ip", key, "error", err)
		}
	}, nil
}

// ensureWindow records a window ending at resetAt for a key whose counter
// has none, keeping an existing live window if another request wrote it first.
func (s *Service) ensureWindow(ctx context.Context, key string, now, resetAt time.Time) (*window, error) {
	w := window{Start: resetAt.Add(-s.cfg.Window), ResetAt: resetAt}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode usage window: %w", err)
	}

	ttl := resetAt.Sub(now)
	ok, err := s.cache.SetNX(ctx, s.windowKey(key), raw, ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return &w, nil
	}

	existing, found, err := cache.GetJSON[window](ctx, s.cache, s.windowKey(key))
	if err != nil {
		return nil, err
	}
	if found && !existing.expired(now) {
		return &existing, nil
	}

	if err := cache.SetJSON(ctx, s.cache, s.windowKey(key), w, ttl); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Service) incrementDegraded(ctx context.Context, key string, now time.Time, cause error) *IncrementResult {
	if cause != nil {
		s.logger.Warn("cache unavailable, incrementing usage without cache", "client_ip", key, "error", cause)
	}

	if s.store == nil {
		s.metrics.recordDegraded("increment", "fail_open")
		return &IncrementResult{
			Success:        true,
			RemainingCount: s.cfg.MaxUsage,
			ResetTime:      now.Add(s.cfg.Window),
			Degraded:       true,
		}
	}

	s.metrics.recordDegraded("increment", "store")
	rec, ok, err := s.store.Increment(ctx, key, s.cfg.MaxUsage, s.cfg.Window, now)
	if err != nil {
		s.logger.Error("durable store failed during increment", "client_ip", key, "error", err)
		return &IncrementResult{
			ResetTime: now.Add(s.cfg.Window),
			Degraded:  true,
			Error:     databaseError(err),
		}
	}

	if !ok {
		return &IncrementResult{
			UsageCount: s.clamp(rec.Count),
			ResetTime:  rec.ResetAt,
			Degraded:   true,
			Error:      limitExceeded(s.cfg.MaxUsage, rec.ResetAt),
		}
	}

	return &IncrementResult{
		Success:        true,
		UsageCount:     rec.Count,
		RemainingCount: remaining(s.cfg.MaxUsage, rec.Count),
		ResetTime:      rec.ResetAt,
		Degraded:       true,
	}
}

// RollbackUsage returns one use to ip, floored at zero. Call it only when
// the operation gated by a successful IncrementUsage failed.
func (s *Service) RollbackUsage(ctx context.Context, ip string) *RollbackResult {
	ctx, span := s.tracer.Start(ctx, "usage.RollbackUsage")
	defer span.End()
	defer s.metrics.recordDuration("rollback", time.Now())

	res := s.rollback(ctx, keyFor(ip), s.now())

	if res.Success {
		s.metrics.recordRollback("success")
	} else {
		s.metrics.recordRollback("error")
	}
	annotate(span, res.UsageCount, res.Degraded, res.Error)
	return res
}

func (s *Service) rollback(ctx context.Context, key string, now time.Time) *RollbackResult {
	if !s.tracksCache {
		return s.rollbackDegraded(ctx, key, now, nil)
	}

	n, found, err := s.cache.DecrFloor(ctx, s.counterKey(key), 1)
	if err != nil {
		return s.rollbackDegraded(ctx, key, now, err)
	}
	if !found {
		// The use may have been recorded in the store during a cache outage.
		if s.store != nil {
			if rec, err := s.store.Decrement(ctx, key, now); err == nil && rec != nil {
				return &RollbackResult{
					Success:        true,
					UsageCount:     rec.Count,
					RemainingCount: remaining(s.cfg.MaxUsage, rec.Count),
				}
			}
		}
		return &RollbackResult{Success: true, RemainingCount: s.cfg.MaxUsage}
	}

	if win, found, err := cache.GetJSON[window](ctx, s.cache, s.windowKey(key)); err == nil && found {
		s.mirror(key, n, &win, now)
	}

	return &RollbackResult{
		Success:        true,
		UsageCount:     s.clamp(n),
		RemainingCount: remaining(s.cfg.MaxUsage, n),
	}
}

func (s *Service) rollbackDegraded(ctx context.Context, key string, now time.Time, cause error) *RollbackResult {
	if cause != nil {
		s.logger.Warn("cache unavailable, rolling back usage without cache", "client_ip", key, "error", cause)
	}

	if s.store == nil {
		s.metrics.recordDegraded("rollback", "fail_open")
		return &RollbackResult{Success: true, RemainingCount: s.cfg.MaxUsage, Degraded: true}
	}

	s.metrics.recordDegraded("rollback", "store")
	rec, err := s.store.Decrement(ctx, key, now)
	if err != nil {
		s.logger.Error("durable store failed during rollback", "client_ip", key, "error", err)
		return &RollbackResult{Degraded: true, Error: databaseError(err)}
	}
	if rec == nil {
		return &RollbackResult{Success: true, RemainingCount: s.cfg.MaxUsage, Degraded: true}
	}

	return &RollbackResult{
		Success:        true,
		UsageCount:     rec.Count,
		RemainingCount: remaining(s.cfg.MaxUsage, rec.Count),
		Degraded:       true,
	}
}

// ResetUsage clears ip's record in the cache and durable store.
func (s *Service) ResetUsage(ctx context.Context, ip string) error {
	ctx, span := s.tracer.Start(ctx, "usage.ResetUsage")
	defer span.End()

	key := keyFor(ip)
	var errs []error

	if s.tracksCache {
		if err := s.cache.Del(ctx, s.counterKey(key), s.windowKey(key), s.lockKey(key)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Delete(ctx, key); err != nil {
			errs = append(errs, databaseError(err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reset failed")
		return fmt.Errorf("failed to reset usage for %s: %w", key, err)
	}

	s.logger.Info("usage reset", "client_ip", key)
	return nil
}

// mirror queues a copy of a cache record for the durable store.
func (s *Service) mirror(key string, count int64, win *window, now time.Time) {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()

	if s.mirrorCh == nil || s.closed {
		return
	}

	rec := &storage.UsageRecord{
		Key:         key,
		Count:       count,
		WindowStart: win.Start,
		ResetAt:     win.ResetAt,
		UpdatedAt:   now,
	}

	select {
	case s.mirrorCh <- rec:
	default:
		s.metrics.recordMirrorDropped()
	}
}

func (s *Service) mirrorLoop() {
	defer s.mirrorWG.Done()

	for rec := range s.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Save(ctx, rec); err != nil {
			s.logger.Warn("failed to mirror usage record", "client_ip", rec.Key, "error", err)
		}
		cancel()
	}
}

func annotate(span trace.Span, count int64, degraded bool, uerr *UsageError) {
	span.SetAttributes(
		attribute.Int64("usage.count", count),
		attribute.Bool("usage.degraded", degraded),
	)
	if uerr != nil {
		span.SetAttributes(attribute.String("usage.error_code", string(uerr.Code)))
		if uerr.Code != CodeUsageLimitExceeded {
			span.SetStatus(codes.Error, uerr.Message)
		}
	}
}
