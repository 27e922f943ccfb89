// Package httpapi exposes the broadcast triggers over HTTP.
//
// Routes:
//
//	POST /api/broadcast/:id                   send one broadcast (forced)
//	POST /api/broadcast/daypart/:daypart      send a scheduled daypart (?date=dd-MM-yyyy)
//	GET  /api/broadcast/:id/audit             send attempts of one broadcast
//	GET  /healthz                             store ping and task snapshot
//	GET  /metrics                             Prometheus metrics (optional)
//
// Everything under /api requires an HMAC-signed bearer JWT.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolcast/internal/broadcast"
	rtsup "schoolcast/internal/runtime/supervisor"
	"schoolcast/internal/school"
	"schoolcast/internal/storage"
	logx "schoolcast/pkg/logx"
)

// dateLayout is dd-MM-yyyy.
const dateLayout = "02-01-2006"

type Broadcasts interface {
	Send(ctx context.Context, id int64, force bool) (broadcast.Result, error)
	SendDaypart(ctx context.Context, date time.Time, daypart school.Daypart, trigger broadcast.Trigger) (broadcast.BatchResult, error)
}

type AuditReader interface {
	Audit(ctx context.Context, broadcastID int64) ([]storage.AuditEntry, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr         string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Metrics serves Gatherer on /metrics.
	Metrics bool
}

type Deps struct {
	Broadcasts Broadcasts
	Audit      AuditReader
	Store      Pinger
	// Tasks reports background task state for /healthz; optional.
	Tasks func() rtsup.Snapshot

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine
	now    func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log, now: time.Now}

	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("handler panicked", logx.String("path", c.FullPath()), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))
	r.Use(s.requestLog)
	if deps.Registerer != nil {
		r.Use(newHTTPMetrics(deps.Registerer).middleware)
	}

	r.GET("/healthz", s.health)
	if cfg.Metrics && deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api", bearerAuth([]byte(cfg.JWTSecret)))
	api.POST("/broadcast/daypart/:daypart", s.sendDaypart)
	api.POST("/broadcast/:id", s.sendOne)
	if deps.Audit != nil {
		api.GET("/broadcast/:id/audit", s.audit)
	}

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		return err
	}
	s.log.Info("http stopped")
	return nil
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("http request",
		logx.String("method", c.Request.Method),
		logx.String("path", c.Request.URL.Path),
		logx.Int("status", c.Writer.Status()),
		logx.Duration("took", time.Since(start)),
		logx.String("subject", c.GetString(subjectKey)),
	)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) sendOne(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := s.deps.Broadcasts.Send(c.Request.Context(), id, true)
	if err != nil {
		if errors.Is(err, broadcast.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"id":     id,
			"status": res.Status,
			"kind":   broadcast.KindOf(err).String(),
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, resultJSON(res))
}

func resultJSON(res broadcast.Result) gin.H {
	return gin.H{
		"id":         res.ID,
		"status":     res.Status,
		"skipped":    res.Skipped,
		"reason":     res.Reason,
		"recipients": res.Recipients,
		"pairs":      res.Pairs,
		"delivered":  res.Outcome.Delivered,
		"failed":     res.Outcome.Failed,
		"took_ms":    res.Took.Milliseconds(),
	}
}

func (s *Server) sendDaypart(c *gin.Context) {
	daypart, err := school.ParseDaypart(c.Param("daypart"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := s.now().UTC()
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if raw := c.Query("date"); raw != "" {
		date, err = time.Parse(dateLayout, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Date string is malformed. Format it as dd-MM-yyyy"})
			return
		}
	}

	batch, err := s.deps.Broadcasts.SendDaypart(c.Request.Context(), date, daypart, broadcast.TriggerDaypart)
	if err != nil && batch.Total == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"date":      date.Format(dateLayout),
		"daypart":   daypart,
		"total":     batch.Total,
		"completed": batch.Completed,
		"failed":    batch.Failed,
	})
}

func (s *Server) audit(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	entries, err := s.deps.Audit.Audit(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "entries": entries})
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	code := http.StatusOK
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := s.deps.Store.Ping(ctx)
		cancel()
		if err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.Tasks != nil {
		body["tasks"] = s.deps.Tasks()
	}
	c.JSON(code, body)
}
