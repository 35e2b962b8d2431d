package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vladmelevich/uzmat/internal/api/middleware"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/security"
	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/storage"
	"github.com/vladmelevich/uzmat/internal/tasks"
	"github.com/vladmelevich/uzmat/internal/utils"
)

// ListingHandler handles catalog and listing management requests.
type ListingHandler struct {
	listingService services.IListingService
	storageService storage.IS3Storage
	dispatcher     tasks.Dispatcher
	cfg            *config.Config
}

func NewListingHandler(listingService services.IListingService, storageService storage.IS3Storage, dispatcher tasks.Dispatcher, cfg *config.Config) *ListingHandler {
	return &ListingHandler{
		listingService: listingService,
		storageService: storageService,
		dispatcher:     dispatcher,
		cfg:            cfg,
	}
}

// Search handles GET /v1/listings
func (h *ListingHandler) Search(c *gin.Context) {
	filters := services.ListingFilters{
		Kind:          models.ListingKind(c.Query("kind")),
		Country:       c.DefaultQuery("country", "all"),
		City:          c.Query("city"),
		Brand:         c.Query("brand"),
		EquipmentType: c.Query("equipment_type"),
		Query:         c.Query("q"),
	}
	if raw := c.Query("price_min"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filters.PriceMin = &v
		}
	}
	if raw := c.Query("price_max"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filters.PriceMax = &v
		}
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if err != nil || perPage < 1 || perPage > 100 {
		perPage = 20
	}

	listings, total, err := h.listingService.SearchListings(c.Request.Context(), filters, page, perPage)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search listings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":     listings,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// GetBySlug handles GET /v1/listings/:slug. Distinct visitors advance
// the view counter through the background queue. Deactivated listings
// exist only for their owner: everyone else gets a 404, and owner
// visits do not count as views.
func (h *ListingHandler) GetBySlug(c *gin.Context) {
	listing, err := h.listingService.FindListingBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}

	if !listing.Active {
		callerID, ok := middleware.OptionalUserID(c, h.cfg.JwtSecret)
		if !ok || callerID != listing.UserID {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
			return
		}
		c.JSON(http.StatusOK, listing)
		return
	}

	counts, err := h.listingService.RegisterView(c.Request.Context(), listing.ID, c.ClientIP())
	if err != nil {
		log.Printf("Failed to register view for %s: %v", listing.ID, err)
	} else if counts {
		payload := tasks.ViewIncrementPayload{ListingID: listing.ID.String()}
		if err := h.dispatcher.Dispatch(c.Request.Context(), tasks.TypeViewIncrement, payload); err != nil {
			log.Printf("Failed to dispatch view increment for %s: %v", listing.ID, err)
		}
	}

	c.JSON(http.StatusOK, listing)
}

type createListingRequest struct {
	Kind        string                   `json:"kind" binding:"required"`
	Title       string                   `json:"title" binding:"required"`
	Description string                   `json:"description"`
	Country     string                   `json:"country" binding:"required"`
	City        string                   `json:"city"`
	Phone       string                   `json:"phone"`
	Price       *models.Price            `json:"price"`
	Equipment   *models.EquipmentDetails `json:"equipment"`
	Part        *models.PartDetails      `json:"part"`
	Service     *models.ServiceDetails   `json:"service"`
}

// Create handles POST /v1/listings
func (h *ListingHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	listing, err := h.listingService.CreateListing(c.Request.Context(), userID, services.CreateListingInput{
		Kind:        models.ListingKind(req.Kind),
		Title:       req.Title,
		Description: req.Description,
		Country:     req.Country,
		City:        req.City,
		Phone:       req.Phone,
		Price:       req.Price,
		Equipment:   req.Equipment,
		Part:        req.Part,
		Service:     req.Service,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := tasks.AnnouncePayload{ListingID: listing.ID.String()}
	if err := h.dispatcher.Dispatch(c.Request.Context(), tasks.TypeAnnounce, payload); err != nil {
		log.Printf("Failed to dispatch announcement for %s: %v", listing.ID, err)
	}

	c.JSON(http.StatusCreated, listing)
}

// Update handles PUT /v1/listings/:id
func (h *ListingHandler) Update(c *gin.Context) {
	userID, listingID, ok := h.ownedListing(c)
	if !ok {
		return
	}

	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	listing, err := h.listingService.UpdateListing(c.Request.Context(), listingID, userID, updates)
	if err != nil {
		h.writeOwnershipError(c, err, "Failed to update listing")
		return
	}
	c.JSON(http.StatusOK, listing)
}

// SetActive handles PUT /v1/listings/:id/active
func (h *ListingHandler) SetActive(c *gin.Context) {
	userID, listingID, ok := h.ownedListing(c)
	if !ok {
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.listingService.SetListingActive(c.Request.Context(), listingID, userID, req.Active); err != nil {
		h.writeOwnershipError(c, err, "Failed to update listing")
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": req.Active})
}

// Delete handles DELETE /v1/listings/:id
func (h *ListingHandler) Delete(c *gin.Context) {
	userID, listingID, ok := h.ownedListing(c)
	if !ok {
		return
	}

	if err := h.listingService.DeleteListing(c.Request.Context(), listingID, userID); err != nil {
		h.writeOwnershipError(c, err, "Failed to delete listing")
		return
	}
	c.Status(http.StatusNoContent)
}

// MyListings handles GET /v1/my/listings
func (h *ListingHandler) MyListings(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	listings, err := h.listingService.FindListingsByUserID(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch listings"})
		return
	}
	c.JSON(http.StatusOK, listings)
}

// UploadImage handles POST /v1/listings/:id/images. The upload is
// stored as-is; oversized dimensions are normalized asynchronously.
func (h *ListingHandler) UploadImage(c *gin.Context) {
	userID, listingID, ok := h.ownedListing(c)
	if !ok {
		return
	}

	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image file required"})
		return
	}
	if err := security.ValidateImageUpload(fh, h.cfg.ListingImageMaxBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image"})
		return
	}

	contentType := fh.Header.Get("Content-Type")
	url, key, err := h.storageService.UploadImage(c.Request.Context(), "ads", fh.Filename, contentType, data)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store image"})
		return
	}

	primary := c.Query("primary") == "true"
	image := models.ListingImage{Key: key, URL: url, Primary: primary}
	if err := h.listingService.AddImageToListing(c.Request.Context(), listingID, userID, image); err != nil {
		h.writeOwnershipError(c, err, "Failed to attach image")
		return
	}

	payload := tasks.ImageNormalizePayload{S3Key: key, ContentType: contentType}
	if err := h.dispatcher.Dispatch(c.Request.Context(), tasks.TypeImageNormalize, payload); err != nil {
		log.Printf("Failed to dispatch image normalization for %s: %v", key, err)
	}

	c.JSON(http.StatusCreated, image)
}

// AddFavorite handles PUT /v1/favorites/:id
func (h *ListingHandler) AddFavorite(c *gin.Context) {
	userID, listingID, ok := h.ownedListing(c)
	if !ok {
		return
	}
	if err := h.listingService.AddFavorite(c.Request.Context(), userID, listingID); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add favorite"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveFavorite handles DELETE /v1/favorites/:id
func (h *ListingHandler) RemoveFavorite(c *gin.Context) {
	userID, listingID, ok := h.ownedListing(c)
	if !ok {
		return
	}
	if err := h.listingService.RemoveFavorite(c.Request.Context(), userID, listingID); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove favorite"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListFavorites handles GET /v1/favorites
func (h *ListingHandler) ListFavorites(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	listings, err := h.listingService.ListFavorites(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch favorites"})
		return
	}
	c.JSON(http.StatusOK, listings)
}

// Cities handles GET /v1/cities?country=uz
func (h *ListingHandler) Cities(c *gin.Context) {
	cities, err := h.listingService.CityOptions(c.Request.Context(), c.DefaultQuery("country", "all"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch cities"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cities": cities})
}

// ownedListing extracts the caller and the :id path parameter.
func (h *ListingHandler) ownedListing(c *gin.Context) (utils.SixID, utils.SixID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return utils.SixID{}, utils.SixID{}, false
	}
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return utils.SixID{}, utils.SixID{}, false
	}
	return userID, listingID, true
}

func (h *ListingHandler) writeOwnershipError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
	case errors.Is(err, services.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "You do not own this listing"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
