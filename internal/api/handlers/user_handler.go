package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladmelevich/uzmat/internal/api/middleware"
	"github.com/vladmelevich/uzmat/internal/currency"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/services"
)

// UserHandler serves the authenticated user's profile and the public
// pricing table.
type UserHandler struct {
	userService services.IUserService
	converter   currency.IConverter
}

func NewUserHandler(userService services.IUserService, converter currency.IConverter) *UserHandler {
	return &UserHandler{userService: userService, converter: converter}
}

// Me handles GET /v1/me
func (h *UserHandler) Me(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	user, err := h.userService.FindUserByID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

type updateProfileRequest struct {
	Name                    string                          `json:"name"`
	Phone                   string                          `json:"phone"`
	CompanyName             string                          `json:"company_name"`
	Country                 string                          `json:"country"`
	City                    string                          `json:"city"`
	NotificationPreferences *models.NotificationPreferences `json:"notification_preferences"`
}

// UpdateMe handles PUT /v1/me. Only profile fields can change here;
// verification state and admin flags are not accepted.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Phone != "" {
		updates["phone"] = req.Phone
	}
	if req.CompanyName != "" {
		updates["company_name"] = req.CompanyName
	}
	if req.Country != "" {
		updates["country"] = req.Country
	}
	if req.City != "" {
		updates["city"] = req.City
	}
	if req.NotificationPreferences != nil {
		updates["notification_preferences"] = req.NotificationPreferences
	}

	user, err := h.userService.UpdateProfile(c.Request.Context(), userID, updates)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update profile"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// Pricing handles GET /v1/pricing?country=uz. Prices are converted to
// the visitor's local currency.
func (h *UserHandler) Pricing(c *gin.Context) {
	ctx := c.Request.Context()
	country := c.DefaultQuery("country", "uz")

	plans := gin.H{}
	for _, plan := range []models.PromotionPlan{models.PlanGold, models.PlanPremium, models.PlanVIP} {
		price, cur, err := h.converter.PromotionPrice(ctx, plan, country)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute prices"})
			return
		}
		plans[string(plan)] = gin.H{"price": price, "currency": cur}
	}

	verPrice, verCur, err := h.converter.VerificationPrice(ctx, country)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute prices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"promotion":    plans,
		"verification": gin.H{"price": verPrice, "currency": verCur},
	})
}
