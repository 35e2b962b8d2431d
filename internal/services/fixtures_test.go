package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

// testConfig returns a config with the production defaults the services
// care about, without touching the environment.
func testConfig() *config.Config {
	return &config.Config{
		JwtSecret:            "test-secret",
		JwtTTL:               time.Hour,
		SiteURL:              "https://uzmat.test",
		ChatMaxTextLength:    5000,
		ChatImageMaxBytes:    2 << 20,
		ChatPollBatch:        100,
		UnreadCacheTTL:       30 * time.Second,
		ListingMaxImages:     10,
		ViewDedupTTL:         5 * time.Minute,
		BumpInterval:         3 * time.Hour,
		BumpBatchSize:        500,
		BumpSweepTTL:         5 * time.Minute,
		ClickSecretKey:       "click-test-secret",
		PendingPaymentTTL:    24 * time.Hour,
		BadgeValidityDays:    180,
		BadgeRemindDays:      7,
		VerificationPriceUSD: 15,
		RatesCacheTTL:        time.Hour,
		SmtpFromAddress:      "noreply@uzmat.test",
	}
}

// testFixtures seeds documents directly, bypassing the services under
// test.
type testFixtures struct {
	t  *testing.T
	db *mongo.Database
}

func (f *testFixtures) insertUser(email string, isAdmin bool, verifiedUntil *time.Time) *models.User {
	f.t.Helper()
	user := &models.User{
		Name:          "Test User",
		Email:         email,
		IsAdmin:       isAdmin,
		Type:          models.UserTypeIndividual,
		Country:       "uz",
		VerifiedUntil: verifiedUntil,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	user.GenID()
	_, err := f.db.Collection(usersCollection).InsertOne(context.Background(), user)
	require.NoError(f.t, err)
	return user
}

func (f *testFixtures) loadUser(id utils.SixID) *models.User {
	f.t.Helper()
	var user models.User
	err := f.db.Collection(usersCollection).FindOne(context.Background(), bson.M{"_id": id}).Decode(&user)
	require.NoError(f.t, err)
	return &user
}

// insertListing seeds an active sale listing owned by userID. n keeps
// slugs unique within a test.
func (f *testFixtures) insertListing(userID utils.SixID, n int, mutate func(*models.Listing)) *models.Listing {
	f.t.Helper()
	now := time.Now()
	listing := &models.Listing{
		UserID:      userID,
		Kind:        models.KindSale,
		Title:       fmt.Sprintf("Excavator %d", n),
		Slug:        fmt.Sprintf("excavator-%d-%s", n, userID),
		Description: "Good condition",
		Country:     "uz",
		City:        "Tashkent",
		Price:       &models.Price{Amount: 50000, CurrencyCode: "USD"},
		Equipment:   &models.EquipmentDetails{EquipmentType: "excavator", Brand: "Hitachi"},
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if mutate != nil {
		mutate(listing)
	}
	listing.GenIDIfEmpty()
	_, err := f.db.Collection(listingsCollection).InsertOne(context.Background(), listing)
	require.NoError(f.t, err)
	return listing
}

func (f *testFixtures) loadListing(id utils.SixID) *models.Listing {
	f.t.Helper()
	var listing models.Listing
	err := f.db.Collection(listingsCollection).FindOne(context.Background(), bson.M{"_id": id}).Decode(&listing)
	require.NoError(f.t, err)
	return &listing
}
