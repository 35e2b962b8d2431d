package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vladmelevich/uzmat/internal/api/middleware"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/tasks"
	"github.com/vladmelevich/uzmat/internal/utils"
)

// AdminHandler serves the moderation and announcement endpoints. All
// routes are mounted behind the admin middleware.
type AdminHandler struct {
	verificationService services.IVerificationService
	chatService         services.IChatService
	dispatcher          tasks.Dispatcher
}

func NewAdminHandler(verificationService services.IVerificationService, chatService services.IChatService, dispatcher tasks.Dispatcher) *AdminHandler {
	return &AdminHandler{
		verificationService: verificationService,
		chatService:         chatService,
		dispatcher:          dispatcher,
	}
}

// ListVerificationRequests handles GET /v1/admin/verification?status=pending
func (h *AdminHandler) ListVerificationRequests(c *gin.Context) {
	status := models.VerificationStatus(c.DefaultQuery("status", string(models.VerificationPending)))
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "200"), 10, 64)
	if err != nil || limit <= 0 {
		limit = 200
	}

	requests, err := h.verificationService.ListRequests(c.Request.Context(), status, limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load requests"})
		return
	}
	if requests == nil {
		requests = []models.VerificationRequest{}
	}
	c.JSON(http.StatusOK, requests)
}

type decideRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

// DecideVerificationRequest handles POST /v1/admin/verification/:id/decide
func (h *AdminHandler) DecideVerificationRequest(c *gin.Context) {
	adminID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	requestID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request ID format"})
		return
	}

	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	err = h.verificationService.Decide(c.Request.Context(), requestID, adminID, req.Approve, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAlreadyDecided):
			c.JSON(http.StatusConflict, gin.H{"error": "Request already decided"})
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record decision"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

type broadcastRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text" binding:"required"`
}

// Broadcast handles POST /v1/admin/broadcast. Delivers a support
// message to one user, or to all non-admin users when user_id is empty,
// with an email copy for recipients whose preferences allow it.
func (h *AdminHandler) Broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var target *utils.SixID
	if req.UserID != "" {
		id, err := utils.ParseSixID(req.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
			return
		}
		target = &id
	}

	recipients, err := h.chatService.Broadcast(c.Request.Context(), target, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyMessage),
			errors.Is(err, services.ErrTextTooLong),
			errors.Is(err, services.ErrTextRejected):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Broadcast failed"})
		}
		return
	}

	for _, recipient := range recipients {
		if recipient.NotificationPreferences != nil && !recipient.NotificationPreferences.NewMessage {
			continue
		}
		payload := tasks.EmailPayload{
			To:         recipient.Email,
			Kind:       "new_message",
			SenderName: "Служба поддержки Uzmat",
		}
		if err := h.dispatcher.Dispatch(c.Request.Context(), tasks.TypeEmailDelivery, payload); err != nil {
			log.Printf("Failed to dispatch broadcast email for %s: %v", recipient.Email, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"delivered": len(recipients)})
}
