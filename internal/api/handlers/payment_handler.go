package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vladmelevich/uzmat/internal/api/middleware"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/utils"
)

// PaymentHandler handles promotion and verification purchases plus the
// Click merchant callback.
type PaymentHandler struct {
	paymentService services.IPaymentService
}

func NewPaymentHandler(paymentService services.IPaymentService) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

type initiatePromotionRequest struct {
	Plan      string `json:"plan" binding:"required"`
	ReturnURL string `json:"return_url"`
}

// InitiatePromotion handles POST /v1/listings/:id/promote
func (h *PaymentHandler) InitiatePromotion(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var req initiatePromotionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	payURL, err := h.paymentService.InitiatePromotion(c.Request.Context(), userID, listingID, models.PromotionPlan(req.Plan), req.ReturnURL)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownPlan):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown promotion plan"})
		case errors.Is(err, services.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the owner can promote a listing"})
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate payment"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"pay_url": payURL})
}

type initiateVerificationRequest struct {
	ReturnURL string `json:"return_url"`
}

// InitiateVerification handles POST /v1/verification/initiate
func (h *PaymentHandler) InitiateVerification(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req initiateVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	payURL, err := h.paymentService.InitiateVerification(c.Request.Context(), userID, req.ReturnURL)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate payment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pay_url": payURL})
}

// ClickWebhook handles POST /v1/payments/click. Click expects HTTP 200
// with its result code in the body regardless of the outcome.
func (h *PaymentHandler) ClickWebhook(c *gin.Context) {
	var req services.ClickRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusOK, services.ClickResponse{
			Error:     services.ClickErrSystem,
			ErrorNote: "Malformed request",
		})
		return
	}
	c.JSON(http.StatusOK, h.paymentService.HandleWebhook(c.Request.Context(), req))
}
