package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/tasks"
)

// HomeHandler serves the landing-page shortlists.
type HomeHandler struct {
	rankingService services.IRankingService
	dispatcher     tasks.Dispatcher
}

func NewHomeHandler(rankingService services.IRankingService, dispatcher tasks.Dispatcher) *HomeHandler {
	return &HomeHandler{rankingService: rankingService, dispatcher: dispatcher}
}

// Home handles GET /v1/home. Visits double as the trigger for the bump
// sweep; the throttle in the ranking service keeps it from piling up.
func (h *HomeHandler) Home(c *gin.Context) {
	ctx := c.Request.Context()

	if run, err := h.rankingService.ShouldRunBumpSweep(ctx); err == nil && run {
		if err := h.dispatcher.Dispatch(ctx, tasks.TypeBumpSweep, nil); err != nil {
			log.Printf("Failed to dispatch bump sweep: %v", err)
		}
	}

	hot, err := h.rankingService.HotListings(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load hot listings"})
		return
	}

	popular, err := h.rankingService.PopularListings(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load popular listings"})
		return
	}

	fresh, err := h.rankingService.FreshListings(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load fresh listings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"hot": hot, "popular": popular, "fresh": fresh})
}
