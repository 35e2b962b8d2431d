package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

func setupListingTest(t *testing.T) (IListingService, *testFixtures) {
	t.Helper()
	database := utils.SetupTestDB(t, "uzmat_test_listings",
		usersCollection, listingsCollection, favoritesCollection)
	svc := NewListingService(database, cache.NewMemoryStore(), testConfig())
	return svc, &testFixtures{t: t, db: database}
}

func saleInput(title string) CreateListingInput {
	return CreateListingInput{
		Kind:        models.KindSale,
		Title:       title,
		Description: "Low hours, one owner",
		Country:     "uz",
		City:        "Tashkent",
		Price:       &models.Price{Amount: 85000, CurrencyCode: "USD"},
		Equipment:   &models.EquipmentDetails{EquipmentType: "excavator", Brand: "Komatsu", Year: 2019},
	}
}

func TestCreateListingAssignsUniqueSlug(t *testing.T) {
	svc, fx := setupListingTest(t)
	ctx := context.Background()
	user := fx.insertUser("seller@example.com", false, nil)

	first, err := svc.CreateListing(ctx, user.ID, saleInput("Экскаватор Komatsu PC200"))
	require.NoError(t, err)
	assert.Equal(t, "ekskavator-komatsu-pc200", first.Slug)

	second, err := svc.CreateListing(ctx, user.ID, saleInput("Экскаватор Komatsu PC200"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Slug, second.Slug)
	assert.Contains(t, second.Slug, "ekskavator-komatsu-pc200")

	found, err := svc.FindListingBySlug(ctx, second.Slug)
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
}

func TestCreateListingValidatesKindDetails(t *testing.T) {
	svc, fx := setupListingTest(t)
	user := fx.insertUser("seller@example.com", false, nil)

	input := saleInput("Mismatched")
	input.Kind = models.KindPart
	_, err := svc.CreateListing(context.Background(), user.ID, input)
	assert.Error(t, err)

	input = CreateListingInput{
		Kind:    models.KindService,
		Title:   "Transport services",
		Country: "uz",
		City:    "Samarkand",
		Service: &models.ServiceDetails{ServiceName: "lowboy transport"},
	}
	created, err := svc.CreateListing(context.Background(), user.ID, input)
	require.NoError(t, err)
	assert.Equal(t, models.KindService, created.Kind)
}

func TestUpdateListingEnforcesOwnership(t *testing.T) {
	svc, fx := setupListingTest(t)
	ctx := context.Background()
	owner := fx.insertUser("owner@example.com", false, nil)
	intruder := fx.insertUser("intruder@example.com", false, nil)

	listing, err := svc.CreateListing(ctx, owner.ID, saleInput("Bulldozer"))
	require.NoError(t, err)

	_, err = svc.UpdateListing(ctx, listing.ID, intruder.ID, map[string]interface{}{"title": "Stolen"})
	assert.ErrorIs(t, err, ErrNotOwner)

	updated, err := svc.UpdateListing(ctx, listing.ID, owner.ID, map[string]interface{}{"title": "Bulldozer CAT D6"})
	require.NoError(t, err)
	assert.Equal(t, "Bulldozer CAT D6", updated.Title)
	// Slug never changes after publication.
	assert.Equal(t, listing.Slug, updated.Slug)
}

func TestDeleteListingSoftDeletes(t *testing.T) {
	svc, fx := setupListingTest(t)
	ctx := context.Background()
	owner := fx.insertUser("owner@example.com", false, nil)

	listing, err := svc.CreateListing(ctx, owner.ID, saleInput("Grader"))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteListing(ctx, listing.ID, owner.ID))

	_, err = svc.FindListingByID(ctx, listing.ID)
	assert.Error(t, err)
}

func TestSearchListingsFilters(t *testing.T) {
	svc, fx := setupListingTest(t)
	ctx := context.Background()
	user := fx.insertUser("seller@example.com", false, nil)

	fx.insertListing(user.ID, 1, func(l *models.Listing) {
		l.Title = "Komatsu excavator"
		l.Equipment.Brand = "Komatsu"
		l.Country = "uz"
	})
	fx.insertListing(user.ID, 2, func(l *models.Listing) {
		l.Title = "Hitachi excavator"
		l.Equipment.Brand = "Hitachi"
		l.Country = "kz"
	})
	fx.insertListing(user.ID, 3, func(l *models.Listing) {
		l.Title = "Hidden"
		l.Active = false
	})

	results, total, err := svc.SearchListings(ctx, ListingFilters{Country: "all"}, 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, results, 2)

	results, total, err = svc.SearchListings(ctx, ListingFilters{Country: "kz"}, 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, "Hitachi excavator", results[0].Title)

	results, _, err = svc.SearchListings(ctx, ListingFilters{Country: "all", Brand: "komatsu"}, 1, 20)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Komatsu excavator", results[0].Title)
}

func TestSearchListingsFreeTextIsSanitized(t *testing.T) {
	svc, fx := setupListingTest(t)
	ctx := context.Background()
	user := fx.insertUser("seller@example.com", false, nil)
	fx.insertListing(user.ID, 1, func(l *models.Listing) {
		l.Title = "Komatsu excavator"
	})

	// Injection fragments are stripped, the rest still matches.
	results, _, err := svc.SearchListings(ctx, ListingFilters{
		Country: "all",
		Query:   "komatsu'; DROP TABLE ads;--",
	}, 1, 20)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Komatsu excavator", results[0].Title)
}

func TestRegisterViewDeduplicatesPerIP(t *testing.T) {
	svc, fx := setupListingTest(t)
	ctx := context.Background()
	user := fx.insertUser("seller@example.com", false, nil)
	listing := fx.insertListing(user.ID, 1, nil)

	counted, err := svc.RegisterView(ctx, listing.ID, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, counted)

	counted, err = svc.RegisterView(ctx, listing.ID, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, counted)

	counted, err = svc.RegisterView(ctx, listing.ID, "203.0.113.8")
	require.NoError(t, err)
	assert.True(t, counted)

	require.NoError(t, svc.IncrementViews(ctx, listing.ID))
	assert.EqualValues(t, 1, fx.loadListing(listing.ID).Views)
}

func TestFavoritesRoundTrip(t *testing.T) {
	svc, fx := setupListingTest(t)
	ctx := context.Background()
	user := fx.insertUser("buyer@example.com", false, nil)
	seller := fx.insertUser("seller@example.com", false, nil)
	listing := fx.insertListing(seller.ID, 1, nil)

	require.NoError(t, svc.AddFavorite(ctx, user.ID, listing.ID))
	// Adding twice is a no-op, not an error.
	require.NoError(t, svc.AddFavorite(ctx, user.ID, listing.ID))

	favorites, err := svc.ListFavorites(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, favorites, 1)
	assert.Equal(t, listing.ID, favorites[0].ID)

	require.NoError(t, svc.RemoveFavorite(ctx, user.ID, listing.ID))
	favorites, err = svc.ListFavorites(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, favorites)
}

func TestPromoteListingOpensWindow(t *testing.T) {
	svc, fx := setupListingTest(t)
	ctx := context.Background()
	user := fx.insertUser("seller@example.com", false, nil)
	listing := fx.insertListing(user.ID, 1, nil)

	require.NoError(t, svc.PromoteListing(ctx, listing.ID, models.PlanPremium, 14*24*time.Hour))

	promoted := fx.loadListing(listing.ID)
	assert.Equal(t, models.PlanPremium, promoted.Plan)
	require.NotNil(t, promoted.PromotedAt)
	require.NotNil(t, promoted.PromotedUntil)
	assert.True(t, promoted.IsPromoted(time.Now()))
}
