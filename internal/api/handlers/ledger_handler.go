package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/ticketry/services/ledger/internal/ledger"
	"example.com/ticketry/services/ledger/internal/models"
	"example.com/ticketry/services/ledger/internal/services"
	"example.com/ticketry/services/ledger/internal/tracing"
)

// identityHeader carries the caller's pre-resolved principal. Session and
// wallet handling live outside this service.
const identityHeader = "X-Ledger-Identity"

// LedgerHandler exposes the ledger façade over HTTP.
type LedgerHandler struct {
	ledgerService *services.LedgerService
	tracer        tracing.Tracer
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(ledgerService *services.LedgerService, tracer tracing.Tracer) *LedgerHandler {
	return &LedgerHandler{
		ledgerService: ledgerService,
		tracer:        tracer,
	}
}

// statusFor maps a ledger fault code to an HTTP status.
func statusFor(code ledger.Code) int {
	switch code {
	case ledger.CodeEventNotFound, ledger.CodeCheckInEventGone, ledger.CodeTicketIDNotFound:
		return http.StatusNotFound
	case ledger.CodeNotAdmin, ledger.CodeNotOrganizer, ledger.CodeNotEventCreator, ledger.CodeNotCancelCreator:
		return http.StatusForbidden
	case ledger.CodeSelfTransfer:
		return http.StatusBadRequest
	case ledger.CodePaymentFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusConflict
	}
}

// fail writes a ledger fault or a generic error response.
func fail(c *gin.Context, err error) {
	if code := ledger.CodeOf(err); code != 0 {
		c.JSON(statusFor(code), gin.H{"code": int(code), "error": err.Error()})
		return
	}
	log.Error().Err(err).Str("path", c.FullPath()).Msg("ledger operation failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func caller(c *gin.Context) (models.Identity, bool) {
	id := models.Identity(c.GetHeader(identityHeader))
	if id.Zero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + identityHeader + " header"})
		return "", false
	}
	return id, true
}

func eventIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return 0, false
	}
	return id, true
}

// AddOrganizerRequest approves a new organizer.
type AddOrganizerRequest struct {
	Organizer string `json:"organizer" binding:"required"`
}

// HandleAddOrganizer approves an organizer (admin only)
func (h *LedgerHandler) HandleAddOrganizer(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}

	var req AddOrganizerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ledgerService.AddOrganizer(c.Request.Context(), id, models.Identity(req.Organizer)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CreateEventRequest carries the immutable fields of a new event.
type CreateEventRequest struct {
	Name         string `json:"name" binding:"required"`
	Location     string `json:"location"`
	Timestamp    int64  `json:"timestamp"`
	Price        uint64 `json:"price"`
	TotalTickets uint32 `json:"total_tickets" binding:"required"`
	Image        string `json:"image"`
}

// HandleCreateEvent creates an event (organizer only)
func (h *LedgerHandler) HandleCreateEvent(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}

	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eventID, err := h.ledgerService.CreateEvent(c.Request.Context(), id, ledger.EventParams{
		Name:         req.Name,
		Location:     req.Location,
		Timestamp:    req.Timestamp,
		Price:        req.Price,
		TotalTickets: req.TotalTickets,
		Image:        req.Image,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event_id": eventID})
}

// HandleCancelEvent cancels an event (creator only)
func (h *LedgerHandler) HandleCancelEvent(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	if err := h.ledgerService.CancelEvent(c.Request.Context(), id, eventID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleBuyTicket purchases a ticket for the caller
func (h *LedgerHandler) HandleBuyTicket(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	echoed, err := h.ledgerService.BuyTicket(c.Request.Context(), id, eventID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event_id": echoed})
}

// TransferTicketRequest names the new owner of the caller's ticket.
type TransferTicketRequest struct {
	To string `json:"to" binding:"required"`
}

// HandleTransferTicket re-keys the caller's ticket to a new owner
func (h *LedgerHandler) HandleTransferTicket(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	var req TransferTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ledgerService.TransferTicket(c.Request.Context(), id, eventID, models.Identity(req.To)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CheckInRequest names the attendee being checked in.
type CheckInRequest struct {
	Attendee string `json:"attendee" binding:"required"`
}

// HandleCheckInTicket marks an attendee's ticket used (creator only)
func (h *LedgerHandler) HandleCheckInTicket(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ledgerService.CheckInTicket(c.Request.Context(), id, eventID, models.Identity(req.Attendee)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleCheckInTicketByID marks a ticket used by its opaque id (creator only)
func (h *LedgerHandler) HandleCheckInTicketByID(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}

	ticketID, err := uuid.Parse(c.Param("ticketId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}

	if err := h.ledgerService.CheckInTicketByID(c.Request.Context(), id, ticketID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleRefundTicket refunds the caller's ticket for a cancelled event
func (h *LedgerHandler) HandleRefundTicket(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	if err := h.ledgerService.RefundTicket(c.Request.Context(), id, eventID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleGetEvent returns one event record
func (h *LedgerHandler) HandleGetEvent(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	ev, found := h.ledgerService.GetEvent(c.Request.Context(), eventID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// HandleGetTicket returns the ticket held by an identity for an event
func (h *LedgerHandler) HandleGetTicket(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	owner := models.Identity(c.Param("identity"))
	ticket, found := h.ledgerService.GetTicket(c.Request.Context(), eventID, owner)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// HandleIsOrganizer reports whether an identity is an approved organizer
func (h *LedgerHandler) HandleIsOrganizer(c *gin.Context) {
	id := models.Identity(c.Param("identity"))
	c.JSON(http.StatusOK, gin.H{
		"identity":  id.String(),
		"organizer": h.ledgerService.IsOrganizer(c.Request.Context(), id),
	})
}

// HandleGetAdmin returns the genesis admin identity
func (h *LedgerHandler) HandleGetAdmin(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"admin": h.ledgerService.Admin(c.Request.Context()).String()})
}

// HandleOrganizerEvents lists an organizer's event ids in creation order
func (h *LedgerHandler) HandleOrganizerEvents(c *gin.Context) {
	id := models.Identity(c.Param("identity"))
	events := h.ledgerService.OrganizerEvents(c.Request.Context(), id)
	if events == nil {
		events = []uint64{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// HandleOrganizerEventsCount counts an organizer's events
func (h *LedgerHandler) HandleOrganizerEventsCount(c *gin.Context) {
	id := models.Identity(c.Param("identity"))
	c.JSON(http.StatusOK, gin.H{"count": h.ledgerService.OrganizerEventsCount(c.Request.Context(), id)})
}

// HandleSearchEvents serves name/location text search over the event index
func (h *LedgerHandler) HandleSearchEvents(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}

	docs, err := h.ledgerService.SearchEvents(c.Request.Context(), query, 25)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": docs})
}

// RegisterRoutes registers the handler's routes
func (h *LedgerHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")

	v1.POST("/organizers", h.HandleAddOrganizer)
	v1.GET("/organizers/:identity", h.HandleIsOrganizer)
	v1.GET("/organizers/:identity/events", h.HandleOrganizerEvents)
	v1.GET("/organizers/:identity/events/count", h.HandleOrganizerEventsCount)

	v1.POST("/events", h.HandleCreateEvent)
	v1.GET("/events/search", h.HandleSearchEvents)
	v1.GET("/events/:id", h.HandleGetEvent)
	v1.POST("/events/:id/cancel", h.HandleCancelEvent)
	v1.POST("/events/:id/tickets", h.HandleBuyTicket)
	v1.POST("/events/:id/tickets/transfer", h.HandleTransferTicket)
	v1.GET("/events/:id/tickets/:identity", h.HandleGetTicket)
	v1.POST("/events/:id/checkin", h.HandleCheckInTicket)
	v1.POST("/events/:id/refund", h.HandleRefundTicket)

	v1.POST("/tickets/:ticketId/checkin", h.HandleCheckInTicketByID)

	v1.GET("/admin", h.HandleGetAdmin)
}
