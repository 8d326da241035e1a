package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roach88/replica/internal/indexer"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/queue"
	"github.com/roach88/replica/internal/router"
)

// maxAttachmentSize bounds attachment uploads.
const maxAttachmentSize = 64 << 20

// ---------------------- index ----------------------

type indexRequest struct {
	// UUIDs are indexed synchronously. When empty the queue is drained.
	UUIDs  []string `json:"uuids"`
	DryRun bool     `json:"dry_run"`
	Record bool     `json:"record"`
}

func (s *Server) index(c *gin.Context) {
	var req indexRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			handleInvalidInput(c, err)
			return
		}
	}
	opts := indexer.RunOptions{DryRun: req.DryRun, Record: req.Record}

	var (
		rec *indexer.RunRecord
		err error
	)
	if len(req.UUIDs) > 0 {
		rec, err = s.indexer.Sync(c.Request.Context(), req.UUIDs, opts)
	} else {
		rec, err = s.indexer.Drain(c.Request.Context(), opts)
	}
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ---------------------- indexing-info ----------------------

type indexingInfoRequest struct {
	UUID string `uri:"uuid" binding:"required"`
}

func (s *Server) indexingInfo(c *gin.Context) {
	var req indexingInfoRequest
	if err := c.ShouldBindUri(&req); err != nil {
		handleInvalidInput(c, err)
		return
	}
	info, err := s.indexer.Info(c.Request.Context(), req.UUID, indexer.InfoOptions{
		Stats:    queryBool(c, "stats"),
		Document: queryBool(c, "document"),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// ---------------------- max-sid ----------------------

func (s *Server) maxSID(c *gin.Context) {
	sid, err := s.router.MaxSID(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_sid": sid})
}

// ---------------------- queue-indexing ----------------------

type queueIndexingRequest struct {
	UUIDs       []string `json:"uuids"`
	Collections []string `json:"collections"`
	// All enqueues every item of every type.
	All    bool   `json:"all"`
	Strict bool   `json:"strict"`
	Lane   string `json:"lane"`
	SID    int64  `json:"sid"`
}

func (s *Server) queueIndexing(c *gin.Context) {
	var req queueIndexingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleInvalidInput(c, err)
		return
	}
	lane := queue.Primary
	if req.Lane != "" {
		var err error
		if lane, err = queue.ParseLane(req.Lane); err != nil {
			handleInvalidInput(c, err)
			return
		}
	}
	if lane == queue.DeadLetter {
		handleInvalidInput(c, fmt.Errorf("cannot enqueue on lane %s", lane))
		return
	}
	if len(req.UUIDs) == 0 && len(req.Collections) == 0 && !req.All {
		handleInvalidInput(c, fmt.Errorf("one of uuids, collections or all is required"))
		return
	}

	ctx := c.Request.Context()
	opts := queue.AddOptions{Lane: lane, Strict: req.Strict, SID: req.SID}
	n := 0
	if len(req.UUIDs) > 0 {
		added, err := s.indexer.Queue().AddUUIDs(ctx, req.UUIDs, opts)
		if err != nil {
			handleError(c, err)
			return
		}
		n += added
	}
	if len(req.Collections) > 0 || req.All {
		added, err := s.indexer.AddCollections(ctx, req.Collections, opts)
		if err != nil {
			handleError(c, err)
			return
		}
		n += added
	}
	c.JSON(http.StatusOK, gin.H{"enqueued": n, "lane": lane})
}

// ---------------------- indexing-status ----------------------

type indexingStatus struct {
	Queue  map[queue.Lane]queue.LaneCount `json:"queue"`
	Latest *indexer.RunRecord             `json:"latest,omitempty"`
}

func (s *Server) indexingStatus(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := s.indexer.Queue().Counts(ctx)
	if err != nil {
		handleError(c, err)
		return
	}
	status := indexingStatus{Queue: counts}
	if rec, err := s.indexer.Record(ctx, "latest"); err == nil {
		status.Latest = rec
	} else if statusOf(err) != http.StatusNotFound {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ---------------------- dlq-to-primary ----------------------

func (s *Server) dlqToPrimary(c *gin.Context) {
	max := 0
	if v := c.Query("max"); v != "" {
		var err error
		if max, err = strconv.Atoi(v); err != nil {
			handleInvalidInput(c, fmt.Errorf("max: %w", err))
			return
		}
	}
	n, err := s.indexer.Queue().Redrive(c.Request.Context(), max)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redriven": n})
}

// ---------------------- items ----------------------

type writeItemRequest struct {
	UUID       string        `json:"uuid"`
	ItemType   string        `json:"item_type"`
	Properties ir.Properties `json:"properties" binding:"required"`
	Datastore  string        `json:"datastore"`
}

func (s *Server) writeItem(c *gin.Context) {
	var req writeItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleInvalidInput(c, err)
		return
	}
	if id := c.Param("uuid"); id != "" {
		req.UUID = id
	}
	ds, err := router.ParseDatastore(req.Datastore)
	if err != nil {
		handleInvalidInput(c, err)
		return
	}
	item, err := s.router.Write(c.Request.Context(), router.WriteRequest{
		UUID:       req.UUID,
		ItemType:   req.ItemType,
		Properties: req.Properties,
		Datastore:  ds,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) readItem(c *gin.Context) {
	ds, err := router.ParseDatastore(c.Query("datastore"))
	if err != nil {
		handleInvalidInput(c, err)
		return
	}
	item, err := s.router.Read(c.Request.Context(), c.Param("uuid"), ds)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) purgeItem(c *gin.Context) {
	if err := s.router.Purge(c.Request.Context(), c.Param("uuid")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) history(c *gin.Context) {
	sheet := c.DefaultQuery("sheet", ir.DefaultSheet)
	revs, err := s.router.History(c.Request.Context(), c.Param("uuid"), sheet)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, revs)
}

func (s *Server) attach(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAttachmentSize+1))
	if err != nil {
		handleInvalidInput(c, err)
		return
	}
	if len(data) > maxAttachmentSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": http.StatusRequestEntityTooLarge, "error": "attachment too large"})
		return
	}
	ref, err := s.router.Attach(c.Request.Context(), c.Param("uuid"), c.Param("name"), data, c.ContentType())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (s *Server) download(c *gin.Context) {
	data, ref, err := s.router.Download(c.Request.Context(), c.Param("uuid"), c.Param("name"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.Data(http.StatusOK, ref.ContentType, data)
}
