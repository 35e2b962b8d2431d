package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

const (
	hotListCap         = 16
	hotFallbackCap     = 7
	freshListCap       = 8
	popularListCap     = 10
	popularGoldCap     = 4
	popularGoldWindow  = 12 * time.Hour
	bumpSweepMarkerKey = "bump_sweep:last_run"
)

// IRankingService produces the home-page shortlists and runs the
// background bump maintenance.
type IRankingService interface {
	// HotListings returns up to 16 listings: promoted first (by tier, then
	// promotion recency), then verified sellers' listings, then a
	// recently-bumped fallback when neither exists.
	HotListings(ctx context.Context) ([]models.Listing, error)
	// PopularListings returns up to 10 listings: fresh gold promotions
	// first (max 4, promoted within 12h), then all promoted by tier, then
	// verified fill.
	PopularListings(ctx context.Context) ([]models.Listing, error)
	// FreshListings returns the 8 most recently bumped active listings
	// for the "new arrivals" strip.
	FreshListings(ctx context.Context) ([]models.Listing, error)

	// ShouldRunBumpSweep claims the process-wide throttle slot. At most
	// one claim succeeds per throttle window.
	ShouldRunBumpSweep(ctx context.Context) (bool, error)
	// RunBumpSweep refreshes last_bumped_at on listings that have gone a
	// full bump interval without one, up to the batch cap. Returns how
	// many listings were bumped.
	RunBumpSweep(ctx context.Context) (int64, error)
}

type rankingService struct {
	db    *mongo.Database
	store cache.Store
	cfg   *config.Config
	now   func() time.Time
}

// NewRankingService creates a new RankingService.
func NewRankingService(db *mongo.Database, store cache.Store, cfg *config.Config) IRankingService {
	return &rankingService{db: db, store: store, cfg: cfg, now: time.Now}
}

// promotedListings returns currently promoted active listings ordered by
// tier priority asc, promotion recency desc, creation recency desc.
func (s *rankingService) promotedListings(ctx context.Context, now time.Time, limit int) ([]models.Listing, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"deleted":        false,
			"active":         true,
			"promoted_until": bson.M{"$gt": now},
		}}},
		{{Key: "$addFields", Value: bson.M{
			"tier_priority": bson.M{"$switch": bson.M{
				"branches": bson.A{
					bson.M{"case": bson.M{"$eq": bson.A{"$plan", models.PlanVIP}}, "then": 1},
					bson.M{"case": bson.M{"$eq": bson.A{"$plan", models.PlanPremium}}, "then": 2},
					bson.M{"case": bson.M{"$eq": bson.A{"$plan", models.PlanGold}}, "then": 3},
				},
				"default": 4,
			}},
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "tier_priority", Value: 1},
			{Key: "promoted_at", Value: -1},
			{Key: "created_at", Value: -1},
		}}},
		{{Key: "$limit", Value: limit}},
	}

	cursor, err := s.db.Collection(listingsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to query promoted listings: %w", err)
	}
	defer cursor.Close(ctx)

	var listings []models.Listing
	if err := cursor.All(ctx, &listings); err != nil {
		return nil, fmt.Errorf("failed to decode promoted listings: %w", err)
	}
	return listings, nil
}

// verifiedFill returns active listings owned by currently-verified users,
// ordered by soonest-ending verification, then bump recency. Listings in
// exclude are skipped.
func (s *rankingService) verifiedFill(ctx context.Context, now time.Time, limit int, exclude map[utils.SixID]bool) ([]models.Listing, error) {
	userCursor, err := s.db.Collection(usersCollection).Find(ctx,
		bson.M{"deleted": false, "verified_until": bson.M{"$gt": now}},
		options.Find().SetSort(bson.D{{Key: "verified_until", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified users: %w", err)
	}
	defer userCursor.Close(ctx)

	var verified []models.User
	if err := userCursor.All(ctx, &verified); err != nil {
		return nil, fmt.Errorf("failed to decode verified users: %w", err)
	}

	var result []models.Listing
	for _, user := range verified {
		if len(result) >= limit {
			break
		}
		pipeline := mongo.Pipeline{
			{{Key: "$match", Value: bson.M{
				"user_id": user.ID,
				"deleted": false,
				"active":  true,
			}}},
			{{Key: "$addFields", Value: bson.M{
				"bump_order": bson.M{"$ifNull": bson.A{"$last_bumped_at", "$created_at"}},
			}}},
			{{Key: "$sort", Value: bson.D{{Key: "bump_order", Value: -1}}}},
			{{Key: "$limit", Value: limit}},
		}
		cursor, err := s.db.Collection(listingsCollection).Aggregate(ctx, pipeline)
		if err != nil {
			return nil, fmt.Errorf("failed to query listings of verified user %s: %w", user.ID.String(), err)
		}
		var listings []models.Listing
		if err := cursor.All(ctx, &listings); err != nil {
			cursor.Close(ctx)
			return nil, fmt.Errorf("failed to decode verified user listings: %w", err)
		}
		cursor.Close(ctx)

		for _, listing := range listings {
			if len(result) >= limit {
				break
			}
			if exclude[listing.ID] {
				continue
			}
			exclude[listing.ID] = true
			result = append(result, listing)
		}
	}
	return result, nil
}

// recentlyBumped is the last-resort fill: active listings by bump
// recency, newest first.
func (s *rankingService) recentlyBumped(ctx context.Context, limit int) ([]models.Listing, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"deleted": false, "active": true}}},
		{{Key: "$addFields", Value: bson.M{
			"bump_order": bson.M{"$ifNull": bson.A{"$last_bumped_at", "$created_at"}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "bump_order", Value: -1}}}},
		{{Key: "$limit", Value: limit}},
	}
	cursor, err := s.db.Collection(listingsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to query recently bumped listings: %w", err)
	}
	defer cursor.Close(ctx)

	var listings []models.Listing
	if err := cursor.All(ctx, &listings); err != nil {
		return nil, fmt.Errorf("failed to decode recently bumped listings: %w", err)
	}
	return listings, nil
}

func (s *rankingService) HotListings(ctx context.Context) ([]models.Listing, error) {
	now := s.now().UTC()

	result, err := s.promotedListings(ctx, now, hotListCap)
	if err != nil {
		return nil, err
	}

	seen := make(map[utils.SixID]bool, len(result))
	for _, l := range result {
		seen[l.ID] = true
	}

	if len(result) < hotListCap {
		fill, err := s.verifiedFill(ctx, now, hotListCap-len(result), seen)
		if err != nil {
			return nil, err
		}
		result = append(result, fill...)
	}

	// Nothing promoted, nobody verified: show plain recency instead of an
	// empty home page.
	if len(result) == 0 {
		return s.recentlyBumped(ctx, hotFallbackCap)
	}
	return result, nil
}

func (s *rankingService) FreshListings(ctx context.Context) ([]models.Listing, error) {
	return s.recentlyBumped(ctx, freshListCap)
}

func (s *rankingService) PopularListings(ctx context.Context) ([]models.Listing, error) {
	now := s.now().UTC()

	// Fresh gold promotions lead the list.
	goldCursor, err := s.db.Collection(listingsCollection).Find(ctx,
		bson.M{
			"deleted":        false,
			"active":         true,
			"plan":           models.PlanGold,
			"promoted_until": bson.M{"$gt": now},
			"promoted_at":    bson.M{"$gte": now.Add(-popularGoldWindow)},
		},
		options.Find().
			SetSort(bson.D{{Key: "promoted_at", Value: -1}}).
			SetLimit(popularGoldCap),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fresh gold listings: %w", err)
	}
	var result []models.Listing
	if err := goldCursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to decode fresh gold listings: %w", err)
	}

	seen := make(map[utils.SixID]bool, len(result))
	for _, l := range result {
		seen[l.ID] = true
	}

	if len(result) < popularListCap {
		promoted, err := s.promotedListings(ctx, now, popularListCap)
		if err != nil {
			return nil, err
		}
		for _, listing := range promoted {
			if len(result) >= popularListCap {
				break
			}
			if seen[listing.ID] {
				continue
			}
			seen[listing.ID] = true
			result = append(result, listing)
		}
	}

	if len(result) < popularListCap {
		fill, err := s.verifiedFill(ctx, now, popularListCap-len(result), seen)
		if err != nil {
			return nil, err
		}
		result = append(result, fill...)
	}

	return result, nil
}

// ShouldRunBumpSweep claims the throttle marker. The marker's TTL is the
// throttle window, so concurrent home-page hits race on SetNX and at most
// one wins per window.
func (s *rankingService) ShouldRunBumpSweep(ctx context.Context) (bool, error) {
	claimed, err := s.store.SetNX(ctx, bumpSweepMarkerKey, []byte(s.now().UTC().Format(time.RFC3339)), s.cfg.BumpSweepTTL)
	if err != nil {
		return false, fmt.Errorf("failed to claim bump sweep marker: %w", err)
	}
	return claimed, nil
}

func (s *rankingService) RunBumpSweep(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	threshold := now.Add(-s.cfg.BumpInterval)

	// Collect the batch worth of stale listing IDs first so the update is
	// bounded; an unbounded UpdateMany could stall on a large catalog.
	cursor, err := s.db.Collection(listingsCollection).Find(ctx,
		bson.M{
			"deleted": false,
			"active":  true,
			"$or": []bson.M{
				{"last_bumped_at": bson.M{"$lt": threshold}},
				{"last_bumped_at": nil, "created_at": bson.M{"$lt": threshold}},
			},
		},
		options.Find().
			SetProjection(bson.M{"_id": 1}).
			SetLimit(int64(s.cfg.BumpBatchSize)),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale listings for bump sweep: %w", err)
	}

	var stale []struct {
		ID utils.SixID `bson:"_id"`
	}
	if err := cursor.All(ctx, &stale); err != nil {
		return 0, fmt.Errorf("failed to decode stale listings: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]utils.SixID, len(stale))
	for i, doc := range stale {
		ids[i] = doc.ID
	}

	res, err := s.db.Collection(listingsCollection).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"last_bumped_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bump stale listings: %w", err)
	}

	log.Printf("Bump sweep refreshed %d listings", res.ModifiedCount)
	return res.ModifiedCount, nil
}
