// Package api serves the indexing endpoints and item access over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/replica/internal/blob"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/indexer"
	"github.com/roach88/replica/internal/router"
	"github.com/roach88/replica/internal/store"
)

// shutdownTimeout bounds the graceful stop of Serve.
const shutdownTimeout = 10 * time.Second

// Server exposes an indexer and a router.
type Server struct {
	indexer *indexer.Indexer
	router  *router.Router
	engine  *gin.Engine
}

// New builds the route table.
func New(ix *indexer.Indexer, r *router.Router) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{indexer: ix, router: r, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(ix.Registry(), promhttp.HandlerOpts{})))

	s.engine.POST("/index", s.index)
	s.engine.GET("/:uuid/indexing-info", s.indexingInfo)
	s.engine.GET("/max-sid", s.maxSID)
	s.engine.POST("/queue-indexing", s.queueIndexing)
	s.engine.GET("/indexing-status", s.indexingStatus)
	s.engine.POST("/dlq-to-primary", s.dlqToPrimary)

	items := s.engine.Group("/items")
	{
		items.POST("", s.writeItem)
		items.GET("/:uuid", s.readItem)
		items.PUT("/:uuid", s.writeItem)
		items.DELETE("/:uuid", s.purgeItem)
		items.GET("/:uuid/history", s.history)
		items.PUT("/:uuid/attachments/:name", s.attach)
		items.GET("/:uuid/attachments/:name", s.download)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).Seconds(),
		)
	}
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	var ixErr *indexer.Error
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, index.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, router.ErrNoBlobStore):
		return http.StatusNotImplemented
	case errors.Is(err, store.ErrUniquenessConflict),
		errors.Is(err, store.ErrReferenced),
		errors.Is(err, index.ErrStillReferenced):
		return http.StatusConflict
	case errors.Is(err, router.ErrUnknownReference):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ixErr) && ixErr.Code == indexer.ErrCodeMissingReferent:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func handleError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("internal server error", "path", c.FullPath(), "error", err)
	} else {
		slog.Info("request refused", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"status": status, "error": err.Error()})
}

func handleInvalidInput(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"status": http.StatusBadRequest, "error": err.Error()})
}

func queryBool(c *gin.Context, name string) bool {
	v, _ := strconv.ParseBool(c.Query(name))
	return v
}
