package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vladmelevich/uzmat/internal/auth"
	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/tasks"
	"github.com/vladmelevich/uzmat/internal/utils"
)

// recordingDispatcher keeps the dispatched task types for assertions.
type recordingDispatcher struct {
	mu    sync.Mutex
	types []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, taskType string, _ interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types = append(d.types, taskType)
	return nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.types...)
}

type listingHandlerEnv struct {
	router     *gin.Engine
	dispatcher *recordingDispatcher
	cfg        *config.Config
	db         *mongo.Database
}

func setupListingHandlerTest(t *testing.T) *listingHandlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database := utils.SetupTestDB(t, "uzmat_test_listing_handler", "listings")
	cfg := &config.Config{
		JwtSecret:    "test-secret",
		JwtTTL:       time.Hour,
		ViewDedupTTL: 5 * time.Minute,
	}
	store := cache.NewMemoryStore()
	svc := services.NewListingService(database, store, cfg)
	dispatcher := &recordingDispatcher{}
	handler := NewListingHandler(svc, nil, dispatcher, cfg)

	router := gin.New()
	router.GET("/v1/listings/:slug", handler.GetBySlug)

	return &listingHandlerEnv{router: router, dispatcher: dispatcher, cfg: cfg, db: database}
}

func (e *listingHandlerEnv) insertListing(t *testing.T, owner utils.SixID, slug string, active bool) *models.Listing {
	t.Helper()
	now := time.Now()
	listing := &models.Listing{
		UserID:    owner,
		Kind:      models.KindSale,
		Title:     "Excavator",
		Slug:      slug,
		Country:   "uz",
		City:      "Tashkent",
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	listing.GenIDIfEmpty()
	_, err := e.db.Collection("listings").InsertOne(context.Background(), listing)
	require.NoError(t, err)
	return listing
}

func (e *listingHandlerEnv) get(t *testing.T, slug, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/listings/"+slug, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestGetBySlugServesActiveListings(t *testing.T) {
	env := setupListingHandlerTest(t)
	env.insertListing(t, utils.NewSixID(), "excavator-1", true)

	w := env.get(t, "excavator-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body models.Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "excavator-1", body.Slug)

	// First distinct visitor advances the view counter.
	assert.Equal(t, []string{tasks.TypeViewIncrement}, env.dispatcher.dispatched())
}

func TestGetBySlugHidesInactiveFromEveryoneButOwner(t *testing.T) {
	env := setupListingHandlerTest(t)
	owner := utils.NewSixID()
	env.insertListing(t, owner, "excavator-1", false)

	// Anonymous visitors see a 404.
	w := env.get(t, "excavator-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Other authenticated users see a 404 too.
	strangerToken, err := auth.GenerateJWT(utils.NewSixID(), false, env.cfg.JwtSecret, env.cfg.JwtTTL)
	require.NoError(t, err)
	w = env.get(t, "excavator-1", strangerToken)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The owner still sees the listing, but their visit does not count
	// as a view.
	ownerToken, err := auth.GenerateJWT(owner, false, env.cfg.JwtSecret, env.cfg.JwtTTL)
	require.NoError(t, err)
	w = env.get(t, "excavator-1", ownerToken)
	assert.Equal(t, http.StatusOK, w.Code)

	var body models.Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, owner, body.UserID)
	assert.Empty(t, env.dispatcher.dispatched())
}
