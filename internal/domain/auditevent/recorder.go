package auditevent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/emr/internal/platform/auth"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

type metaKey struct{}

type requestMeta struct {
	ip        string
	userAgent string
}

// WithRequestMeta attaches client metadata that Record copies into events
// which do not set IP or UserAgent themselves.
func WithRequestMeta(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, metaKey{}, requestMeta{ip: ip, userAgent: userAgent})
}

// RequestMeta is echo middleware that stores the client IP and user agent
// on the request context for audit events.
func RequestMeta() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := WithRequestMeta(c.Request().Context(), c.RealIP(), c.Request().UserAgent())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

type RecorderOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	// Dropped counts events lost to a full queue or a failed insert. Optional.
	Dropped prometheus.Counter
	Now     func() time.Time
}

// Recorder persists audit events asynchronously. Record never blocks and
// never fails the caller: a full queue or a failed insert is logged and
// counted as dropped.
type Recorder struct {
	repo    Repository
	logger  zerolog.Logger
	timeout time.Duration
	dropped prometheus.Counter
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *AuditEvent
	done   chan struct{}
}

// NewRecorder starts the background writer. Call Close to drain it.
func NewRecorder(repo Repository, logger zerolog.Logger, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Recorder{
		repo:    repo,
		logger:  logger.With().Str("component", "audit").Logger(),
		timeout: opts.WriteTimeout,
		dropped: opts.Dropped,
		now:     opts.Now,
		queue:   make(chan *AuditEvent, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e. The request context is only read for client metadata;
// cancelling it does not abort the write.
func (r *Recorder) Record(ctx context.Context, e AuditEvent) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if meta, ok := ctx.Value(metaKey{}).(requestMeta); ok {
		if e.IP == "" {
			e.IP = meta.ip
		}
		if e.UserAgent == "" {
			e.UserAgent = meta.userAgent
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(&e, "recorder closed", nil)
		return
	}
	select {
	case r.queue <- &e:
	default:
		r.drop(&e, "queue full", nil)
	}
}

// RecordDenial records an access_denied event. It satisfies auth.DenialRecorder.
func (r *Recorder) RecordDenial(ctx context.Context, p *auth.Principal, required auth.RoleSet, path string) {
	e := AuditEvent{
		Action:     ActionAccessDenied,
		Resource:   ResourceRoute,
		ResourceID: path,
		Detail: map[string]interface{}{
			"role":     string(p.Role),
			"required": required.String(),
		},
	}
	e.PrincipalID = PrincipalRef(p.ID)
	r.Record(ctx, e)
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		r.write(e)
	}
}

func (r *Recorder) write(e *AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.repo.Create(ctx, e); err != nil {
		r.drop(e, "insert failed", err)
	}
}

func (r *Recorder) drop(e *AuditEvent, reason string, err error) {
	if r.dropped != nil {
		r.dropped.Inc()
	}
	ev := r.logger.Error().Err(err).
		Str("action", string(e.Action)).
		Str("resource", e.Resource).
		Str("reason", reason)
	if e.PrincipalID != nil {
		ev = ev.Str("principal_id", e.PrincipalID.String())
	}
	ev.Msg("audit event dropped")
}
