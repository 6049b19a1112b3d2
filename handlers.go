package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"evermem/internal/ingest"
	"evermem/internal/memerr"
	"evermem/internal/observability"
	"evermem/internal/memtypes"
	"evermem/internal/retrieval"
	"evermem/internal/store"
	"evermem/internal/worker"
)

func (a *app) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api/v1")
	api.POST("/memorize", a.memorizeHandler)
	api.POST("/conversation_meta", a.conversationMetaHandler)
	api.GET("/memorize/status/:request_id", a.memorizeStatusHandler)
	api.POST("/retrieve", a.retrieveHandler)
	api.POST("/retrieve_agentic", a.retrieveAgenticHandler)

	admin := r.Group("/api/v1/admin")
	admin.GET("/pending", a.listPendingHandler)
	admin.POST("/replay/:group_id", a.replayHandler)
	admin.POST("/refresh", a.refreshHandler)
	admin.POST("/resync/:event_id", a.resyncHandler)
}

func errorStatus(err error) int {
	switch memerr.KindOf(err) {
	case memerr.KindInvalidInput:
		return http.StatusBadRequest
	case memerr.KindNotFound:
		return http.StatusNotFound
	case memerr.KindConflict:
		return http.StatusConflict
	case memerr.KindTransientBackend, memerr.KindRateLimited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, requestID string, err error) {
	c.JSON(errorStatus(err), gin.H{
		"code":       memerr.KindOf(err).String(),
		"message":    err.Error(),
		"request_id": requestID,
	})
}

// memorizeHandler ingests one message. Duplicate message ids are accepted
// and ignored, so producers can retry freely.
func (a *app) memorizeHandler(c *gin.Context) {
	requestID := uuid.NewString()
	var wire ingest.Message
	if err := c.ShouldBindJSON(&wire); err != nil {
		fail(c, requestID, memerr.InvalidInput("api.memorize", "malformed body: %v", err))
		return
	}
	msg, err := wire.ToPending()
	if err != nil {
		fail(c, requestID, memerr.InvalidInput("api.memorize", "%v", err))
		return
	}
	ctx := observability.WithRequestID(c.Request.Context(), requestID)
	if err := a.dispatcher.Submit(ctx, worker.Task{RequestID: requestID, Msg: msg}); err != nil {
		fail(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"saved_count": 1,
		"request_id":  requestID,
	})
}

func (a *app) memorizeStatusHandler(c *gin.Context) {
	status, ok := a.dispatcher.Status(c.Param("request_id"))
	if !ok {
		fail(c, c.Param("request_id"), memerr.NotFound("api.status", "unknown request"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": c.Param("request_id"), "status": status})
}

type conversationMetaRequest struct {
	GroupID         string                         `json:"group_id"`
	GroupName       string                         `json:"group_name,omitempty"`
	Scene           string                         `json:"scene,omitempty"`
	UserDetails     map[string]memtypes.UserDetail `json:"user_details,omitempty"`
	Tags            []string                       `json:"tags,omitempty"`
	DefaultTimezone string                         `json:"default_timezone,omitempty"`
}

func (a *app) conversationMetaHandler(c *gin.Context) {
	requestID := uuid.NewString()
	var req conversationMetaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, requestID, memerr.InvalidInput("api.meta", "malformed body: %v", err))
		return
	}
	if req.GroupID == "" {
		fail(c, requestID, memerr.InvalidInput("api.meta", "group_id is required"))
		return
	}
	scene := memtypes.Scene(req.Scene)
	if scene != "" && scene != memtypes.SceneAssistant && scene != memtypes.SceneCompanion {
		fail(c, requestID, memerr.InvalidInput("api.meta", "scene must be assistant or companion"))
		return
	}
	now := time.Now().UTC()
	meta := memtypes.ConversationMeta{
		GroupID:         req.GroupID,
		GroupName:       req.GroupName,
		Scene:           scene,
		UserDetails:     req.UserDetails,
		Tags:            req.Tags,
		DefaultTimezone: req.DefaultTimezone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.Metas.Upsert(c.Request.Context(), meta); err != nil {
		fail(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type retrieveRequest struct {
	Query             string  `json:"query"`
	DataSource        string  `json:"data_source,omitempty"`
	RetrieveMode      string  `json:"retrieve_mode,omitempty"`
	Scope             string  `json:"scope,omitempty"`
	UserID            string  `json:"user_id,omitempty"`
	GroupID           string  `json:"group_id,omitempty"`
	ParticipantUserID string  `json:"participant_user_id,omitempty"`
	TopK              int     `json:"top_k,omitempty"`
	StartTime         string  `json:"start_time,omitempty"`
	EndTime           string  `json:"end_time,omitempty"`
	Radius            float64 `json:"radius,omitempty"`
}

func (a *app) retrieveHandler(c *gin.Context) {
	requestID := uuid.NewString()
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, requestID, memerr.InvalidInput("api.retrieve", "malformed body: %v", err))
		return
	}
	q := retrieval.Query{
		Text:              req.Query,
		Source:            memtypes.DataSource(req.DataSource),
		Mode:              retrieval.Mode(req.RetrieveMode),
		Scope:             retrieval.Scope(req.Scope),
		UserID:            req.UserID,
		GroupID:           req.GroupID,
		ParticipantUserID: req.ParticipantUserID,
		TopK:              req.TopK,
		Radius:            req.Radius,
	}
	if t, ok := parseTimeParam(req.StartTime); ok {
		q.From = &t
	}
	if t, ok := parseTimeParam(req.EndTime); ok {
		q.To = &t
	}
	resp, err := a.retriever.Retrieve(c.Request.Context(), q)
	if err != nil {
		fail(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": resp.Memories, "metadata": resp.Metadata})
}

type retrieveAgenticRequest struct {
	Query         string `json:"query"`
	UserID        string `json:"user_id"`
	GroupID       string `json:"group_id,omitempty"`
	TopK          int    `json:"top_k,omitempty"`
	TimeRangeDays int    `json:"time_range_days,omitempty"`
	DataSource    string `json:"data_source,omitempty"`
	MaxRounds     int    `json:"max_rounds,omitempty"`
	TimeoutMS     int    `json:"timeout_ms,omitempty"`
}

func (a *app) retrieveAgenticHandler(c *gin.Context) {
	requestID := uuid.NewString()
	var req retrieveAgenticRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, requestID, memerr.InvalidInput("api.retrieve_agentic", "malformed body: %v", err))
		return
	}
	ctx := c.Request.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	resp, err := a.retriever.RetrieveAgentic(ctx, a.completer, retrieval.AgenticQuery{
		Text:          req.Query,
		UserID:        req.UserID,
		GroupID:       req.GroupID,
		TopK:          req.TopK,
		TimeRangeDays: req.TimeRangeDays,
		Source:        memtypes.DataSource(req.DataSource),
		MaxRounds:     req.MaxRounds,
	})
	if err != nil {
		fail(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": resp.Memories, "metadata": resp.Metadata})
}

func (a *app) listPendingHandler(c *gin.Context) {
	requestID := uuid.NewString()
	q := store.FindPendingQuery{
		UserID:  c.Query("user_id"),
		GroupID: c.Query("group_id"),
		Desc:    c.Query("order") == "desc",
	}
	if limit := c.Query("limit"); limit != "" {
		q.Limit = atoiOr(limit, 100)
	}
	msgs, err := a.store.RequestLog.FindPending(c.Request.Context(), q)
	if err != nil {
		fail(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (a *app) replayHandler(c *gin.Context) {
	requestID := uuid.NewString()
	promoted, err := a.dispatcher.Replay(c.Request.Context(), c.Param("group_id"))
	if err != nil {
		fail(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"promoted_count": promoted})
}

func (a *app) refreshHandler(c *gin.Context) {
	requestID := uuid.NewString()
	if err := a.sync.Refresh(c.Request.Context()); err != nil {
		fail(c, requestID, memerr.Transient("api.refresh", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// resyncHandler re-pushes a stored record through the sync service; used to
// repair an index that missed the original write.
func (a *app) resyncHandler(c *gin.Context) {
	requestID := uuid.NewString()
	id := c.Param("event_id")
	ctx := c.Request.Context()

	if cell, err := a.store.MemCells.Get(ctx, id); err == nil {
		res := a.sync.SyncMemCell(ctx, cell)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "lexical": res.Lexical, "vector": res.Vector})
		return
	}
	if ev, err := a.store.Events.Get(ctx, id); err == nil {
		res := a.sync.SyncEvent(ctx, ev)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "lexical": res.Lexical, "vector": res.Vector})
		return
	}
	if m, err := a.store.Semantics.Get(ctx, id); err == nil {
		res := a.sync.SyncSemantic(ctx, m)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "lexical": res.Lexical, "vector": res.Vector})
		return
	}
	fail(c, requestID, memerr.NotFound("api.resync", "no record with id %s", id))
}

func parseTimeParam(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func atoiOr(s string, def int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return def
	}
	return n
}

