package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/validation"
)

// RoomHandler exposes the room controllers of this instance over HTTP.
// Errors are attached to the gin context and rendered by the error middleware.
type RoomHandler struct {
	rooms ports.RoomManager
}

func NewRoomHandler(rooms ports.RoomManager) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.POST("/rooms/:room", h.CreateRoom)
		api.GET("/rooms/:room", h.GetRoom)
		api.DELETE("/rooms/:room", h.DestroyRoom)

		api.POST("/rooms/:room/streams", h.Publish)
		api.DELETE("/rooms/:room/streams/:stream", h.Unpublish)
		api.PATCH("/rooms/:room/streams/:stream", h.UpdateStream)
		api.POST("/rooms/:room/streams/:stream/text", h.DrawText)

		api.POST("/rooms/:room/subscriptions", h.Subscribe)
		api.DELETE("/rooms/:room/subscriptions/:subscription", h.Unsubscribe)

		api.GET("/rooms/:room/views", h.GetMixedStreams)
		api.GET("/rooms/:room/views/:view", h.GetMixedStream)
		api.GET("/rooms/:room/views/:view/capability", h.GetViewCapability)
		api.POST("/rooms/:room/views/:view/streams/:stream", h.Mix)
		api.DELETE("/rooms/:room/views/:view/streams/:stream", h.Unmix)
		api.GET("/rooms/:room/views/:view/regions/:stream", h.GetRegion)
		api.PUT("/rooms/:room/views/:view/regions/:stream", h.SetRegion)
		api.PUT("/rooms/:room/views/:view/layout", h.SetLayout)
		api.PUT("/rooms/:room/views/:view/scene", h.SetScene)
		api.PUT("/rooms/:room/views/:view/primary", h.SetPrimary)

		api.GET("/rooms/:room/audio", h.GetActiveAudio)
		api.POST("/rooms/:room/audio/select", h.SelectAudio)
		api.GET("/rooms/:room/inputs/:input", h.GetParticipantFromInput)

		api.DELETE("/rooms/:room/static-participants/:id", h.DropStaticParticipant)
		api.PATCH("/rooms/:room/static-participants/:id", h.UpdateStaticParticipant)

		api.POST("/faults", h.ReportFault)
	}
}

func (h *RoomHandler) room(c *gin.Context) (ports.RoomController, bool) {
	roomID := c.Param("room")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return nil, false
	}
	room, err := h.rooms.Room(roomID)
	if err != nil {
		c.Error(err)
		return nil, false
	}
	return room, true
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request body: " + err.Error()))
		return false
	}
	return true
}

func rawBody(c *gin.Context) (json.RawMessage, bool) {
	data, err := c.GetRawData()
	if err != nil || !json.Valid(data) {
		c.Error(apperrors.NewInvalidInputError("request body must be JSON"))
		return nil, false
	}
	return json.RawMessage(data), true
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.Rooms()})
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	roomID := c.Param("room")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	room, err := h.rooms.CreateRoom(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, room.Snapshot())
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

func (h *RoomHandler) DestroyRoom(c *gin.Context) {
	if err := h.rooms.DestroyRoom(c.Request.Context(), c.Param("room")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) Publish(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	var req struct {
		Participant string             `json:"participant" binding:"required"`
		Stream      string             `json:"stream" binding:"required"`
		AccessNode  domain.Locality    `json:"accessNode"`
		Info        domain.PublishInfo `json:"info"`
	}
	if !bind(c, &req) {
		return
	}
	if err := validation.ValidateStreamID(req.Stream); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := room.Publish(c.Request.Context(), req.Participant, req.Stream, req.AccessNode, req.Info); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stream": req.Stream})
}

func (h *RoomHandler) Unpublish(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.Unpublish(c.Request.Context(), c.Query("participant"), c.Param("stream")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateStream either toggles a track or, with an "update" body, records
// late stream information such as simulcast layers.
func (h *RoomHandler) UpdateStream(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	var req struct {
		Track  string                   `json:"track"`
		Status string                   `json:"status"`
		Update *domain.StreamInfoUpdate `json:"update"`
	}
	if !bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	streamID := c.Param("stream")
	var err error
	if req.Update != nil {
		err = room.UpdateStreamInfo(ctx, streamID, *req.Update)
	} else {
		if verr := validation.ValidateTrackKind(req.Track); verr != nil {
			c.Error(apperrors.NewInvalidInputError(verr.Error()))
			return
		}
		if verr := validation.ValidateTrackStatus(req.Status); verr != nil {
			c.Error(apperrors.NewInvalidInputError(verr.Error()))
			return
		}
		err = room.UpdateStream(ctx, streamID, req.Track, domain.TrackStatus(req.Status))
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) DrawText(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	var req struct {
		Text     json.RawMessage `json:"text" binding:"required"`
		Duration int             `json:"duration"`
	}
	if !bind(c, &req) {
		return
	}
	if err := room.DrawText(c.Request.Context(), c.Param("stream"), req.Text, req.Duration); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *RoomHandler) Subscribe(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	var req struct {
		Participant  string               `json:"participant" binding:"required"`
		Subscription string               `json:"subscription" binding:"required"`
		AccessNode   domain.Locality      `json:"accessNode"`
		Info         domain.SubscribeInfo `json:"info"`
	}
	if !bind(c, &req) {
		return
	}
	if err := validation.ValidateSubscriptionID(req.Subscription); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := room.Subscribe(c.Request.Context(), req.Participant, req.Subscription, req.AccessNode, req.Info); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": req.Subscription})
}

func (h *RoomHandler) Unsubscribe(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.Unsubscribe(c.Request.Context(), c.Query("participant"), c.Param("subscription")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) GetMixedStreams(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"views": room.GetMixedStreams()})
}

func (h *RoomHandler) GetMixedStream(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	view := c.Param("view")
	streamID, found := room.GetMixedStream(view)
	if !found {
		c.Error(apperrors.NewNotFoundError("view " + view))
		return
	}
	c.JSON(http.StatusOK, ports.MixedStream{StreamID: streamID, View: view})
}

func (h *RoomHandler) GetViewCapability(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	view := c.Param("view")
	capability, found := room.GetViewCapability(view)
	if !found {
		c.Error(apperrors.NewNotFoundError("view " + view))
		return
	}
	c.JSON(http.StatusOK, capability)
}

func (h *RoomHandler) Mix(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.Mix(c.Request.Context(), c.Param("stream"), c.Param("view")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) Unmix(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.Unmix(c.Request.Context(), c.Param("stream"), c.Param("view")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) GetRegion(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	region, err := room.GetRegion(c.Request.Context(), c.Param("stream"), c.Param("view"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"region": region})
}

func (h *RoomHandler) SetRegion(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	var req struct {
		Region string `json:"region" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := room.SetRegion(c.Request.Context(), c.Param("stream"), req.Region, c.Param("view")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) SetLayout(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	layout, ok := rawBody(c)
	if !ok {
		return
	}
	applied, err := room.SetLayout(c.Request.Context(), c.Param("view"), layout)
	if err != nil {
		c.Error(err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", applied)
}

func (h *RoomHandler) SetScene(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	scene, ok := rawBody(c)
	if !ok {
		return
	}
	if err := room.SetScene(c.Request.Context(), c.Param("view"), scene); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) SetPrimary(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	var req struct {
		Stream string `json:"stream" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := room.SetPrimary(c.Request.Context(), req.Stream, c.Param("view")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) GetActiveAudio(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	resp := gin.H{"streams": room.GetActiveAudioStreams()}
	if node, found := room.GetActiveAudioNode(); found {
		resp["node"] = node
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RoomHandler) SelectAudio(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	var req struct {
		Stream string `json:"stream" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := room.SelectAudio(c.Request.Context(), req.Stream); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) GetParticipantFromInput(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	input := c.Param("input")
	participant, found := room.GetParticipantFromInputID(input)
	if !found {
		c.Error(apperrors.NewNotFoundError("input " + input))
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": participant})
}

func (h *RoomHandler) DropStaticParticipant(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.DropStaticParticipant(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) UpdateStaticParticipant(c *gin.Context) {
	room, ok := h.room(c)
	if !ok {
		return
	}
	update, ok := rawBody(c)
	if !ok {
		return
	}
	if err := room.UpdateStaticParticipant(c.Request.Context(), c.Param("id"), update); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportFault feeds a node failure notification to every room.
func (h *RoomHandler) ReportFault(c *gin.Context) {
	var fault domain.Fault
	if !bind(c, &fault) {
		return
	}
	if fault.ID == "" {
		c.Error(apperrors.NewInvalidInputError("id is required"))
		return
	}
	h.rooms.OnFaultDetected(c.Request.Context(), fault)
	c.Status(http.StatusAccepted)
}
