package server

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hupe1980/him"
	"github.com/hupe1980/him/model"
)

// TilePayload carries tile bytes in JSON.
type TilePayload struct {
	BytesB64 string `json:"bytes_b64"`
}

// TileIngestRecord is one element of a POST /v1/tiles body.
type TileIngestRecord struct {
	Stream       string      `json:"stream"`
	SnapshotID   string      `json:"snapshot_id"`
	Level        int         `json:"level"`
	X            int         `json:"x"`
	Y            int         `json:"y"`
	Shape        []int       `json:"shape"`
	DType        string      `json:"dtype"`
	Payload      TilePayload `json:"payload"`
	Halo         *int        `json:"halo,omitempty"`
	ParentTileID string      `json:"parent_tile_id,omitempty"`
}

// TileResponse is the body of GET /v1/tiles/...
type TileResponse struct {
	Metadata model.TileMeta `json:"metadata"`
	Payload  string         `json:"payload"`
}

// AckResponse acknowledges an accepted asynchronous request.
type AckResponse struct {
	Status     string `json:"status"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Count      int    `json:"count,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	var spec model.SnapshotSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "invalid snapshot spec: "+err.Error())
		return
	}
	snap, err := s.store.CreateSnapshot(c.Request.Context(), spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	snaps, err := s.store.ListSnapshots(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *Server) handleGetSnapshot(c *gin.Context) {
	snap, err := s.store.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleLineage(c *gin.Context) {
	lineage, err := s.store.Lineage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if lineage == nil {
		lineage = []model.Snapshot{}
	}
	c.JSON(http.StatusOK, lineage)
}

func (s *Server) handleUsage(c *gin.Context) {
	usage, err := s.store.TileUsageForSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) handleMerge(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetSnapshot(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, AckResponse{Status: "merge_scheduled", SnapshotID: id})
}

func (s *Server) handleReplay(c *gin.Context) {
	var body struct {
		SnapshotID string `json:"snapshot_id"`
		TraceID    string `json:"trace_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid replay request: "+err.Error())
			return
		}
	}
	snapshotID := c.DefaultQuery("snapshot_id", body.SnapshotID)
	traceID := c.DefaultQuery("trace_id", body.TraceID)
	if snapshotID == "" {
		badRequest(c, "snapshot_id is required")
		return
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if _, err := s.store.GetSnapshot(c.Request.Context(), snapshotID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, AckResponse{Status: "replay_scheduled", SnapshotID: snapshotID, TraceID: traceID})
}

func (s *Server) handlePutTiles(c *gin.Context) {
	var body []TileIngestRecord
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid tile batch: "+err.Error())
		return
	}
	if len(body) == 0 {
		badRequest(c, "tile batch must not be empty")
		return
	}

	records := make([]model.TileRecord, len(body))
	for i, r := range body {
		payload, err := base64.StdEncoding.DecodeString(r.Payload.BytesB64)
		if err != nil {
			s.fail(c, &him.ValidationError{Index: i, Field: "payload", Reason: "invalid base64: " + err.Error()})
			return
		}
		records[i] = model.TileRecord{
			TileKey: model.TileKey{
				Stream:     r.Stream,
				SnapshotID: r.SnapshotID,
				Level:      r.Level,
				X:          r.X,
				Y:          r.Y,
			},
			Shape:        r.Shape,
			DType:        r.DType,
			Payload:      payload,
			Halo:         r.Halo,
			ParentTileID: r.ParentTileID,
		}
	}

	metas, err := s.store.PutTiles(c.Request.Context(), records)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, metas)
}

func (s *Server) handleGetTile(c *gin.Context) {
	key := model.TileKey{Stream: c.Param("stream"), SnapshotID: c.Param("snapshot")}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"level", &key.Level}, {"x", &key.X}, {"y", &key.Y}} {
		n, err := strconv.Atoi(c.Param(p.name))
		if err != nil {
			badRequest(c, fmt.Sprintf("invalid %s %q", p.name, c.Param(p.name)))
			return
		}
		*p.dst = n
	}

	ctx := c.Request.Context()
	tile, err := s.store.GetTileByCoordinate(ctx, key)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer tile.Close()

	data, err := tile.Bytes(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TileResponse{
		Metadata: tile.TileMeta,
		Payload:  base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handlePrefetch(c *gin.Context) {
	var hints []model.QueryHint
	if err := c.ShouldBindJSON(&hints); err != nil {
		badRequest(c, "invalid hints: "+err.Error())
		return
	}
	stored, err := s.store.LogHints(c.Request.Context(), hints)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, AckResponse{Status: "accepted", Count: len(stored)})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req model.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid query: "+err.Error())
		return
	}
	plan, err := s.planner.Plan(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}
