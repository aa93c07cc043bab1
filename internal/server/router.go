// Package server exposes the note cache and fetch runs over HTTP to the
// browser UI. The server is a local, single-profile tool; it performs no
// authentication.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/cache"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/query"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/run"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("fetch store dependency required")
	errMissingRunner = errors.New("runner dependency required")
)

// FetchStore is the slice of the cache the server reads and prunes.
type FetchStore interface {
	ListFetches(ctx context.Context) ([]cache.FetchRecord, error)
	DeleteFetch(ctx context.Context, fetch cache.FetchRecord) error
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Store  FetchStore
	Runner *run.Runner
	Logger *zap.Logger
}

// NewHTTPHandler builds the router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Runner == nil {
		return nil, errMissingRunner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:  deps.Store,
		runner: deps.Runner,
		logger: logger,
	}

	api := router.Group("/api")
	api.GET("/fetches", handler.handleListFetches)
	api.DELETE("/fetches/:timestamp", handler.handleDeleteFetch)
	api.POST("/runs", handler.handleStartRun)
	api.GET("/runs/:id", handler.handleRunSnapshot)
	api.POST("/runs/:id/more", handler.handleLoadMore)
	api.POST("/runs/:id/notes/:noteId/refresh", handler.handleRefreshNote)

	return router, nil
}

type httpHandler struct {
	store  FetchStore
	runner *run.Runner
	logger *zap.Logger
}

type fetchResponse struct {
	Timestamp       int64  `json:"timestamp"`
	QueryString     string `json:"queryString"`
	WriteTimestamp  int64  `json:"writeTimestamp"`
	AccessTimestamp int64  `json:"accessTimestamp"`
}

func (h *httpHandler) handleListFetches(c *gin.Context) {
	fetches, err := h.store.ListFetches(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, "list fetches", err)
		return
	}
	response := make([]fetchResponse, 0, len(fetches))
	for _, fetch := range fetches {
		response = append(response, fetchResponse{
			Timestamp:       fetch.Timestamp,
			QueryString:     fetch.QueryString,
			WriteTimestamp:  fetch.WriteTimestamp,
			AccessTimestamp: fetch.AccessTimestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"fetches": response})
}

func (h *httpHandler) handleDeleteFetch(c *gin.Context) {
	timestamp, err := strconv.ParseInt(c.Param("timestamp"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fetch timestamp"})
		return
	}
	if err := h.store.DeleteFetch(c.Request.Context(), cache.FetchRecord{Timestamp: timestamp}); err != nil {
		h.respondStoreError(c, "delete fetch", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type startRunRequest struct {
	Query string `json:"query"`
	Clear bool   `json:"clear"`
}

func (h *httpHandler) handleStartRun(c *gin.Context) {
	var request startRunRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	q, err := query.ParseQueryString(request.Query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	started, err := h.runner.StartRun(c.Request.Context(), q, request.Clear)
	if err != nil {
		if started == nil {
			h.respondStoreError(c, "start run", err)
			return
		}
		// Run exists but its first cycle failed fatally; the snapshot
		// carries the message.
		h.logger.Warn("run started with failing first cycle", zap.Error(err))
	}
	c.JSON(http.StatusCreated, started.Snapshot())
}

func (h *httpHandler) handleRunSnapshot(c *gin.Context) {
	current, ok := h.currentRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, current.Snapshot())
}

func (h *httpHandler) handleLoadMore(c *gin.Context) {
	current, ok := h.currentRun(c)
	if !ok {
		return
	}
	if err := current.LoadMore(c.Request.Context()); err != nil {
		if errors.Is(err, run.ErrRunAbandoned) {
			c.JSON(http.StatusConflict, gin.H{"error": "run superseded by a newer one"})
			return
		}
		h.respondStoreError(c, "load more", err)
		return
	}
	c.JSON(http.StatusOK, current.Snapshot())
}

func (h *httpHandler) handleRefreshNote(c *gin.Context) {
	current, ok := h.currentRun(c)
	if !ok {
		return
	}
	noteID, err := strconv.ParseInt(c.Param("noteId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid note id"})
		return
	}
	note, err := current.UpdateNote(c.Request.Context(), noteID)
	if err != nil {
		switch {
		case errors.Is(err, osmnotes.ErrInvalidNoteID):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, run.ErrNoteNotDisplayed):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, run.ErrRunAbandoned):
			c.JSON(http.StatusConflict, gin.H{"error": "run superseded by a newer one"})
		default:
			h.respondStoreError(c, "refresh note", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"note": note})
}

func (h *httpHandler) currentRun(c *gin.Context) (*run.Run, bool) {
	current := h.runner.Current()
	if current == nil || current.ID() != c.Param("id") {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return nil, false
	}
	return current, true
}

// respondStoreError maps store staleness to 503 with a reload hint; anything
// else is a plain 500.
func (h *httpHandler) respondStoreError(c *gin.Context, operation string, err error) {
	h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	if errors.Is(err, cache.ErrStoreStale) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "local storage is stale, reload the application"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
