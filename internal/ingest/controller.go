// Package ingest implements the telemetry write path: validate, parse,
// derive, gate, respond, then persist asynchronously. The HTTP response
// never waits on storage; telemetry is best-effort by design and may be
// dropped on storage failure.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"mcp-telemetry/internal/cache"
	"mcp-telemetry/internal/event"
	"mcp-telemetry/internal/schema"
	"mcp-telemetry/internal/store"
	"mcp-telemetry/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Options tunes the controller. Zero values get safe defaults.
type Options struct {
	Workers          int
	QueueSize        int
	AllowMissingUser bool

	// Cap optionally bounds concurrent ingest requests; Cap (Redis-backed)
	// is the production implementation.
	Cap Limiter
}

// Limiter admits or rejects an ingest request up front.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

type Controller struct {
	validator *schema.Validator
	stitcher  Stitcher
	store     store.Store
	caches    *cache.Caches
	opts      Options
	log       *slog.Logger

	pool *pool
}

// Stitcher is the parent-session resolver contract (internal/stitch).
type Stitcher interface {
	Resolve(ctx context.Context, e *event.Event) (string, error)
}

func New(v *schema.Validator, st store.Store, stitcher Stitcher, caches *cache.Caches, log *slog.Logger, opts Options) *Controller {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	c := &Controller{
		validator: v,
		stitcher:  stitcher,
		store:     st,
		caches:    caches,
		opts:      opts,
		log:       log,
	}
	c.pool = newPool(opts.Workers, opts.QueueSize, c.process)
	return c
}

// Start launches the worker pool.
func (c *Controller) Start() { c.pool.start() }

// Stop drains the queue and waits for in-flight persistence to finish.
func (c *Controller) Stop() { c.pool.stop() }

// Handle is the POST /telemetry handler.
func (c *Controller) Handle(g *gin.Context) {
	log := logger.FromGin(g)
	receivedAt := time.Now().UTC()

	if c.opts.Cap != nil {
		ok, err := c.opts.Cap.Acquire(g.Request.Context())
		if err != nil {
			// Redis trouble must not take down ingest; proceed uncapped.
			log.Warn("ingest cap unavailable", "err", err)
		} else if !ok {
			g.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "ingest overloaded"})
			return
		} else {
			// Release on its own context: the request context may already
			// be canceled by a disconnecting client, and a failed DECR
			// would leak the slot until its TTL expires.
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				c.opts.Cap.Release(ctx)
			}()
		}
	}

	body, err := io.ReadAll(g.Request.Body)
	if err != nil {
		g.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "unreadable body"})
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		c.discard(body, "not an object", receivedAt, log)
		g.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "payload must be a JSON object",
			"errors":  []schema.FieldError{},
		})
		return
	}

	if ok, fieldErrs := c.validator.Validate(raw); !ok {
		c.discard(body, "schema validation failed ("+fieldErrs[0].Message+")", receivedAt, log)
		g.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "schema validation failed",
			"errors":  fieldErrs,
		})
		return
	}

	e, err := event.Parse(raw)
	if err != nil {
		c.discard(body, err.Error(), receivedAt, log)
		g.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": err.Error(),
			"errors":  []schema.FieldError{},
		})
		return
	}
	e.ReceivedAt = receivedAt

	if c.gated(e) {
		c.discard(body, "missing username/userId", receivedAt, log)
		g.JSON(http.StatusAccepted, gin.H{
			"status":     "ignored",
			"reason":     "missing_username",
			"receivedAt": receivedAt.Format(time.RFC3339Nano),
		})
		return
	}

	// Respond before persistence; the async stage is fire-and-forget.
	g.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"receivedAt": receivedAt.Format(time.RFC3339Nano),
	})

	// Blocks briefly when the pool is saturated rather than dropping;
	// pinned by TestIngest_QueueBlocksWhenSaturated.
	c.pool.submit(job{e: e, log: log})
}

// gated reports whether the event must be rejected for lacking a user
// identity. Boot and connect events are exempt, as are session events
// other than session_start.
func (c *Controller) gated(e *event.Event) bool {
	if c.opts.AllowMissingUser {
		return false
	}
	if e.Name == event.NameServerBoot || e.Name == event.NameClientConnect {
		return false
	}
	if e.Area == event.AreaSession && e.Name != event.NameSessionStart {
		return false
	}
	return !e.HasUserIdentity()
}

// process runs on a worker goroutine with a detached context: a client
// disconnecting after its 200 must not cancel persistence. The request
// logger rides along in the context so async lines keep their request_id.
func (c *Controller) process(j job) {
	ctx, cancel := detachedContext()
	defer cancel()
	lg := j.log
	if lg == nil {
		lg = c.log
	}
	ctx = logger.With(ctx, lg)
	e := j.e

	parent, err := c.stitcher.Resolve(ctx, e)
	if err != nil {
		logger.From(ctx).Error("session stitch failed", "err", err, "session_id", e.SessionID())
	}
	e.ParentSessionID = parent

	if err := c.store.InsertEvent(ctx, e); err != nil {
		// The 200 is already on the wire; telemetry loss is accepted here.
		logger.From(ctx).Error("event insert failed", "err", err, "event_type", e.EventType)
		return
	}

	if e.CompanyName != "" && e.Server != nil && e.Server.ID != "" {
		if err := c.store.UpsertOrg(ctx, e.Server.ID, e.CompanyName); err != nil {
			logger.From(ctx).Warn("org upsert failed", "err", err, "server_id", e.Server.ID)
		}
	}

	c.caches.InvalidateWrites(ctx)
}

func (c *Controller) discard(raw []byte, reason string, receivedAt time.Time, log *slog.Logger) {
	ctx, cancel := detachedContext()
	defer cancel()
	if err := c.store.AppendDiscarded(ctx, raw, reason, receivedAt); err != nil {
		log.Warn("discard log write failed", "err", err, "reason", reason)
	}
}
