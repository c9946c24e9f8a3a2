package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-core/internal/core/ingress"
	"parking-core/internal/domain/parking"
	"parking-core/internal/service"
)

type Handler struct {
	parkingService *service.Service
	log            zerolog.Logger
}

func NewHandler(parkingService *service.Service, log zerolog.Logger) *Handler {
	return &Handler{
		parkingService: parkingService,
		log:            log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	// Public endpoints: the detection subsystem and the dashboards.
	public := r.Group("/api/v1")
	{
		public.POST("/events/entry", h.createEntryEvent)
		public.POST("/events/occupancy", h.createOccupancyEvent)
		public.POST("/events/exit", h.createExitEvent)
		public.GET("/slots/map", h.slotMap)
		public.GET("/slots", h.listSlots)
		public.GET("/tickets", h.listTickets)
		public.GET("/tickets/:id", h.getTicket)
		public.GET("/alerts", h.listAlerts)
	}

	// Administrative endpoints.
	admin := r.Group("/api/v1/admin")
	admin.Use(authMiddleware)
	{
		admin.POST("/tickets/:id/close", h.closeTicket)
		admin.POST("/tickets/:id/cancel", h.cancelTicket)
	}
}

type entryEventRequest struct {
	CameraID       string               `json:"camera_id"`
	SourceSeq      uint64               `json:"source_seq"`
	VehicleType    parking.VehicleClass `json:"vehicle_type"`
	PlateNumber    string               `json:"plate_number"`
	Confidence     float64              `json:"confidence"`
	PreferredFloor string               `json:"preferred_floor,omitempty"`
	CapturedAt     time.Time            `json:"captured_at"`
}

func (h *Handler) createEntryEvent(c *gin.Context) {
	var req entryEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	h.submit(c, &parking.DetectionEvent{
		CameraID:   req.CameraID,
		SourceSeq:  req.SourceSeq,
		CapturedAt: req.CapturedAt,
		Kind:       parking.KindEntry,
		Entry: &parking.EntryPayload{
			VehicleType:    req.VehicleType,
			PlateNumber:    req.PlateNumber,
			Confidence:     req.Confidence,
			PreferredFloor: req.PreferredFloor,
		},
	})
}

type occupancyEventRequest struct {
	CameraID   string                    `json:"camera_id"`
	SourceSeq  uint64                    `json:"source_seq"`
	Floor      string                    `json:"floor"`
	Detections []parking.SlotObservation `json:"detections"`
	CapturedAt time.Time                 `json:"captured_at"`
}

func (h *Handler) createOccupancyEvent(c *gin.Context) {
	var req occupancyEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	h.submit(c, &parking.DetectionEvent{
		CameraID:   req.CameraID,
		SourceSeq:  req.SourceSeq,
		CapturedAt: req.CapturedAt,
		Kind:       parking.KindOccupancy,
		Occupancy: &parking.OccupancyPayload{
			Floor:      req.Floor,
			Detections: req.Detections,
		},
	})
}

type exitEventRequest struct {
	CameraID    string    `json:"camera_id"`
	SourceSeq   uint64    `json:"source_seq"`
	PlateNumber string    `json:"plate_number"`
	CapturedAt  time.Time `json:"captured_at"`
}

func (h *Handler) createExitEvent(c *gin.Context) {
	var req exitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	h.submit(c, &parking.DetectionEvent{
		CameraID:   req.CameraID,
		SourceSeq:  req.SourceSeq,
		CapturedAt: req.CapturedAt,
		Kind:       parking.KindExit,
		Exit:       &parking.ExitPayload{PlateNumber: req.PlateNumber},
	})
}

// submit hands the event to the pipeline. Acceptance means queued, not
// yet applied.
func (h *Handler) submit(c *gin.Context, ev *parking.DetectionEvent) {
	if err := h.parkingService.Submit(ev); err != nil {
		switch {
		case errors.Is(err, ingress.ErrOutOfOrder):
			// A replayed sequence is a duplicate, not a client error.
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		case errors.Is(err, ingress.ErrMalformed), errors.Is(err, ingress.ErrStale):
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		default:
			h.log.Error().Err(err).Msg("failed to submit detection event")
			c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) slotMap(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.parkingService.SlotMap()))
}

func (h *Handler) listSlots(c *gin.Context) {
	floor := strings.TrimSpace(c.Query("floor"))
	state := parking.SlotState(strings.ToUpper(strings.TrimSpace(c.Query("state"))))
	c.JSON(http.StatusOK, successResponse(h.parkingService.Slots(floor, state)))
}

func (h *Handler) getTicket(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid ticket id"))
		return
	}
	t, err := h.parkingService.Ticket(id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(t))
}

func (h *Handler) listTickets(c *gin.Context) {
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		t, err := h.parkingService.ActiveTicketByPlate(plate)
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, successResponse(t))
		return
	}
	state := parking.TicketState(strings.ToUpper(strings.TrimSpace(c.Query("state"))))
	c.JSON(http.StatusOK, successResponse(h.parkingService.Tickets(state)))
}

func (h *Handler) listAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.parkingService.Alerts()))
}

type closeTicketRequest struct {
	ExitTime *time.Time `json:"exit_time,omitempty"`
}

func (h *Handler) closeTicket(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid ticket id"))
		return
	}
	var req closeTicketRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}
	exitAt := time.Now()
	if req.ExitTime != nil {
		exitAt = *req.ExitTime
	}

	t, err := h.parkingService.CloseTicket(c.Request.Context(), id, exitAt)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(t))
}

type cancelTicketRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelTicket(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid ticket id"))
		return
	}
	var req cancelTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		c.JSON(http.StatusBadRequest, errorResponse("reason is required"))
		return
	}

	t, err := h.parkingService.CancelTicket(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(t))
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
