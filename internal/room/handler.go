package room

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/listening-room-system/internal/broadcast"
	"github.com/listening-room-system/internal/coordinator"
	"github.com/listening-room-system/internal/playback"
	"github.com/listening-room-system/pkg/apperr"
)

type Handler struct {
	coord    *coordinator.Coordinator
	playback *playback.Service
	bcast    *broadcast.Broadcaster
}

func NewHandler(coord *coordinator.Coordinator, pb *playback.Service, bcast *broadcast.Broadcaster) *Handler {
	return &Handler{coord: coord, playback: pb, bcast: bcast}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	rooms := r.Group("/rooms")
	{
		rooms.POST("/", h.createRoom)
		rooms.POST("/:id/join", h.joinRoom)
		rooms.POST("/:id/leave", h.leaveRoom)
		rooms.POST("/:id/queue", h.enqueueTrack)
		rooms.POST("/:id/vote", h.vote)
		rooms.GET("/:id/snapshot", h.snapshot)

		pb := rooms.Group("/:id/playback")
		{
			pb.POST("/start", h.playbackStart)
			pb.POST("/pause", h.playbackPause)
			pb.POST("/resume", h.playbackResume)
			pb.POST("/seek", h.playbackSeek)
			pb.POST("/skip", h.playbackSkip)
			pb.POST("/stop", h.playbackStop)
		}
	}
	// separate prefix: a static "code" segment under /rooms would collide
	// with the :id wildcard
	r.GET("/room-codes/:code", h.roomByCode)
	r.GET("/stats", h.stats)
}

type CreateRoomRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	room, err := h.coord.CreateRoom(c.Request.Context(), userID, req.Name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) roomByCode(c *gin.Context) {
	room, err := h.coord.RoomByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) joinRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.coord.AddParticipant(c.Request.Context(), c.Param("id"), userID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) leaveRoom(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.coord.RemoveParticipant(c.Request.Context(), c.Param("id"), userID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type EnqueueTrackRequest struct {
	Title    string  `json:"title" binding:"required"`
	Artist   string  `json:"artist"`
	Duration float64 `json:"duration" binding:"required"`
}

func (h *Handler) enqueueTrack(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req EnqueueTrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	track, position, err := h.coord.EnqueueTrack(c.Request.Context(), c.Param("id"), userID, req.Title, req.Artist, req.Duration)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"track": track, "position": position})
}

type VoteRequest struct {
	TrackID   string `json:"track_id" binding:"required"`
	Direction string `json:"direction" binding:"required,oneof=add remove"`
}

func (h *Handler) vote(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.coord.ApplyVote(c.Request.Context(), c.Param("id"), req.TrackID, userID, coordinator.VoteDirection(req.Direction))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) snapshot(c *gin.Context) {
	snap, err := h.coord.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type PlaybackStartRequest struct {
	TrackID string `json:"track_id" binding:"required"`
}

func (h *Handler) playbackStart(c *gin.Context) {
	userID, ok := currentUserString(c)
	if !ok {
		return
	}

	var req PlaybackStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trackID, err := uuid.Parse(req.TrackID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid track id"})
		return
	}

	result, err := h.playback.Start(c.Request.Context(), c.Param("id"), userID, trackID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) playbackPause(c *gin.Context) {
	h.playbackOp(c, h.playback.Pause)
}

func (h *Handler) playbackResume(c *gin.Context) {
	h.playbackOp(c, h.playback.Resume)
}

func (h *Handler) playbackSkip(c *gin.Context) {
	h.playbackOp(c, h.playback.Skip)
}

func (h *Handler) playbackStop(c *gin.Context) {
	h.playbackOp(c, h.playback.Stop)
}

type SeekRequest struct {
	Position float64 `json:"position"`
}

func (h *Handler) playbackSeek(c *gin.Context) {
	userID, ok := currentUserString(c)
	if !ok {
		return
	}

	var req SeekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.playback.Seek(c.Request.Context(), c.Param("id"), userID, req.Position)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) playbackOp(c *gin.Context, op func(ctx context.Context, roomID, userID string) (*playback.Result, error)) {
	userID, ok := currentUserString(c)
	if !ok {
		return
	}

	result, err := op(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.bcast.StatsSnapshot())
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	raw, ok := currentUserString(c)
	if !ok {
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return uuid.Nil, false
	}
	return userID, true
}

func currentUserString(c *gin.Context) (string, bool) {
	userID := c.GetString("user_id") // Set by auth middleware
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return "", false
	}
	return userID, true
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}
