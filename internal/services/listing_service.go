package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/db"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/security"
	"github.com/vladmelevich/uzmat/internal/utils"
)

const (
	listingsCollection  = "listings"
	favoritesCollection = "favorites"
)

// ErrNotOwner is returned when a user acts on a listing they do not own.
var ErrNotOwner = errors.New("listing does not belong to user")

// CreateListingInput carries everything needed to publish a new ad.
// Exactly one of Equipment/Part/Service must match Kind.
type CreateListingInput struct {
	Kind        models.ListingKind
	Title       string
	Description string
	Country     string
	City        string
	Phone       string
	Price       *models.Price
	Equipment   *models.EquipmentDetails
	Part        *models.PartDetails
	Service     *models.ServiceDetails
	Images      []models.ListingImage
}

// ListingFilters narrows catalog queries. Zero values mean "no filter";
// Country "all" is a sentinel for no country filter.
type ListingFilters struct {
	Kind          models.ListingKind
	Country       string
	City          string
	Brand         string
	EquipmentType string
	PriceMin      *float64
	PriceMax      *float64
	Query         string
}

// IListingService defines the interface for listing-related operations.
type IListingService interface {
	CreateListing(ctx context.Context, userID utils.SixID, input CreateListingInput) (*models.Listing, error)
	FindListingByID(ctx context.Context, listingID utils.SixID) (*models.Listing, error)
	FindListingBySlug(ctx context.Context, slug string) (*models.Listing, error)
	UpdateListing(ctx context.Context, listingID, userID utils.SixID, updates map[string]interface{}) (*models.Listing, error)
	SetListingActive(ctx context.Context, listingID, userID utils.SixID, active bool) error
	DeleteListing(ctx context.Context, listingID, userID utils.SixID) error
	FindListingsByUserID(ctx context.Context, userID utils.SixID) ([]models.Listing, error)
	SearchListings(ctx context.Context, filters ListingFilters, page, perPage int) ([]models.Listing, int64, error)
	AddImageToListing(ctx context.Context, listingID, userID utils.SixID, image models.ListingImage) error
	PromoteListing(ctx context.Context, listingID utils.SixID, plan models.PromotionPlan, duration time.Duration) error

	// RegisterView decides whether a view by ip counts (per-listing, per-IP
	// dedup window) and returns true when the counter should be advanced.
	RegisterView(ctx context.Context, listingID utils.SixID, ip string) (bool, error)
	IncrementViews(ctx context.Context, listingID utils.SixID) error

	AddFavorite(ctx context.Context, userID, listingID utils.SixID) error
	RemoveFavorite(ctx context.Context, userID, listingID utils.SixID) error
	ListFavorites(ctx context.Context, userID utils.SixID) ([]models.Listing, error)

	CityOptions(ctx context.Context, country string) ([]string, error)
}

// listingService implements IListingService.
type listingService struct {
	db    *mongo.Database
	store cache.Store
	cfg   *config.Config
}

// NewListingService creates a new ListingService.
func NewListingService(db *mongo.Database, store cache.Store, cfg *config.Config) IListingService {
	return &listingService{db: db, store: store, cfg: cfg}
}

func validateKindDetails(input *CreateListingInput) error {
	switch input.Kind {
	case models.KindSale, models.KindRental:
		if input.Equipment == nil || input.Part != nil || input.Service != nil {
			return fmt.Errorf("listing kind %q requires equipment details only", input.Kind)
		}
	case models.KindPart:
		if input.Part == nil || input.Equipment != nil || input.Service != nil {
			return fmt.Errorf("listing kind %q requires part details only", input.Kind)
		}
	case models.KindService:
		if input.Service == nil || input.Equipment != nil || input.Part != nil {
			return fmt.Errorf("listing kind %q requires service details only", input.Kind)
		}
	default:
		return fmt.Errorf("unknown listing kind %q", input.Kind)
	}
	return nil
}

// CreateListing inserts a new active listing. The slug is derived from the
// title; on collision a numeric suffix is appended and the insert retried.
func (s *listingService) CreateListing(ctx context.Context, userID utils.SixID, input CreateListingInput) (*models.Listing, error) {
	if input.Title == "" {
		return nil, errors.New("title is required")
	}
	if err := validateKindDetails(&input); err != nil {
		return nil, err
	}

	collection := s.db.Collection(listingsCollection)
	now := time.Now().UTC()

	baseSlug := utils.Slugify(input.Title)
	if baseSlug == "" {
		baseSlug = "ad"
	}

	// Exactly one image is primary.
	images := input.Images
	hasPrimary := false
	for i := range images {
		if images[i].Primary {
			if hasPrimary {
				images[i].Primary = false
			}
			hasPrimary = true
		}
	}
	if !hasPrimary && len(images) > 0 {
		images[0].Primary = true
	}

	newListing := &models.Listing{
		Base:        models.Base{ID: utils.NewSixID()},
		UserID:      userID,
		Kind:        input.Kind,
		Title:       input.Title,
		Description: input.Description,
		Country:     input.Country,
		City:        input.City,
		Phone:       input.Phone,
		Price:       input.Price,
		Equipment:   input.Equipment,
		Part:        input.Part,
		Service:     input.Service,
		Images:      images,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Slug uniqueness: try the bare slug first, then -2, -3, ... The
	// unique index is the arbiter; duplicate-key responses drive the loop.
	suffix := 1
	operation := func() error {
		if suffix == 1 {
			newListing.Slug = baseSlug
		} else {
			newListing.Slug = fmt.Sprintf("%s-%d", baseSlug, suffix)
		}
		suffix++
		newListing.GenID()
		_, insertErr := collection.InsertOne(ctx, newListing)
		return insertErr
	}

	if err := db.WithRetries(operation, 10, db.IsMongoDuplicateKeyError); err != nil {
		return nil, fmt.Errorf("failed to insert new listing for user %s: %w", userID.String(), err)
	}

	return newListing, nil
}

// FindListingByID finds a non-deleted listing by its ID. It does NOT check
// ownership.
func (s *listingService) FindListingByID(ctx context.Context, listingID utils.SixID) (*models.Listing, error) {
	var listing models.Listing
	filter := bson.M{"_id": listingID, "deleted": false}

	err := s.db.Collection(listingsCollection).FindOne(ctx, filter).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding listing by ID %s: %w", listingID.String(), err)
	}
	return &listing, nil
}

// FindListingBySlug resolves the public detail-page URL.
func (s *listingService) FindListingBySlug(ctx context.Context, slug string) (*models.Listing, error) {
	var listing models.Listing
	filter := bson.M{"slug": slug, "deleted": false}

	err := s.db.Collection(listingsCollection).FindOne(ctx, filter).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding listing by slug %s: %w", slug, err)
	}
	return &listing, nil
}

// updatableFields is the whitelist for UpdateListing. Slug, promotion and
// bump state are never caller-writable.
var updatableFields = map[string]bool{
	"title":       true,
	"description": true,
	"country":     true,
	"city":        true,
	"phone":       true,
	"price":       true,
	"equipment":   true,
	"part":        true,
	"service":     true,
	"active":      true,
}

// UpdateListing applies whitelisted updates to a listing owned by userID.
func (s *listingService) UpdateListing(ctx context.Context, listingID, userID utils.SixID, updates map[string]interface{}) (*models.Listing, error) {
	set := bson.M{}
	for field, value := range updates {
		if updatableFields[field] {
			set[field] = value
		}
	}
	if len(set) == 0 {
		return nil, errors.New("no updatable fields provided")
	}
	set["updated_at"] = time.Now().UTC()

	filter := bson.M{"_id": listingID, "user_id": userID, "deleted": false}
	var updated models.Listing
	err := s.db.Collection(listingsCollection).FindOneAndUpdate(
		ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotOwner
		}
		return nil, fmt.Errorf("failed to update listing %s: %w", listingID.String(), err)
	}
	return &updated, nil
}

// SetListingActive toggles a listing's visibility in the catalog.
func (s *listingService) SetListingActive(ctx context.Context, listingID, userID utils.SixID, active bool) error {
	res, err := s.db.Collection(listingsCollection).UpdateOne(ctx,
		bson.M{"_id": listingID, "user_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"active": active, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to set listing %s active=%t: %w", listingID.String(), active, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotOwner
	}
	return nil
}

// DeleteListing soft-deletes a listing owned by userID.
func (s *listingService) DeleteListing(ctx context.Context, listingID, userID utils.SixID) error {
	res, err := s.db.Collection(listingsCollection).UpdateOne(ctx,
		bson.M{"_id": listingID, "user_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to delete listing %s: %w", listingID.String(), err)
	}
	if res.MatchedCount == 0 {
		return ErrNotOwner
	}
	return nil
}

// FindListingsByUserID returns all of a user's non-deleted listings,
// newest first.
func (s *listingService) FindListingsByUserID(ctx context.Context, userID utils.SixID) ([]models.Listing, error) {
	cursor, err := s.db.Collection(listingsCollection).Find(ctx,
		bson.M{"user_id": userID, "deleted": false},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find listings for user %s: %w", userID.String(), err)
	}
	defer cursor.Close(ctx)

	var listings []models.Listing
	if err := cursor.All(ctx, &listings); err != nil {
		return nil, fmt.Errorf("failed to decode listings for user %s: %w", userID.String(), err)
	}
	return listings, nil
}

// buildCatalogFilter translates ListingFilters into a Mongo filter.
// Filters combine conjunctively; the free-text query fans out as an OR
// across the searchable fields after sanitization.
func buildCatalogFilter(filters ListingFilters) bson.M {
	filter := bson.M{"deleted": false, "active": true}

	if filters.Kind != "" {
		filter["kind"] = filters.Kind
	}
	if filters.Country != "" && filters.Country != "all" {
		filter["country"] = filters.Country
	}
	if filters.City != "" {
		filter["city"] = bson.M{"$regex": regexp.QuoteMeta(filters.City), "$options": "i"}
	}
	if filters.Brand != "" {
		brand := bson.M{"$regex": regexp.QuoteMeta(filters.Brand), "$options": "i"}
		filter["$and"] = []bson.M{
			{"$or": []bson.M{{"equipment.brand": brand}, {"part.brand": brand}}},
		}
	}
	if filters.EquipmentType != "" {
		filter["equipment.equipment_type"] = bson.M{"$regex": regexp.QuoteMeta(filters.EquipmentType), "$options": "i"}
	}

	price := bson.M{}
	if filters.PriceMin != nil {
		price["$gte"] = *filters.PriceMin
	}
	if filters.PriceMax != nil {
		price["$lte"] = *filters.PriceMax
	}
	if len(price) > 0 {
		filter["price.amount"] = price
	}

	if q := security.SanitizeSearchQuery(filters.Query); q != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
		textOr := []bson.M{
			{"title": pattern},
			{"description": pattern},
			{"equipment.equipment_type": pattern},
			{"equipment.brand": pattern},
			{"part.part_name": pattern},
			{"part.brand": pattern},
			{"service.service_name": pattern},
		}
		if existing, ok := filter["$and"].([]bson.M); ok {
			filter["$and"] = append(existing, bson.M{"$or": textOr})
		} else {
			filter["$or"] = textOr
		}
	}

	return filter
}

// SearchListings runs a paginated catalog query ordered by bump recency
// (last_bumped_at, falling back to created_at), newest first.
func (s *listingService) SearchListings(ctx context.Context, filters ListingFilters, page, perPage int) ([]models.Listing, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	filter := buildCatalogFilter(filters)
	collection := s.db.Collection(listingsCollection)

	total, err := collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count catalog listings: %w", err)
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$addFields", Value: bson.M{
			"bump_order": bson.M{"$ifNull": bson.A{"$last_bumped_at", "$created_at"}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "bump_order", Value: -1}, {Key: "_id", Value: 1}}}},
		{{Key: "$skip", Value: (page - 1) * perPage}},
		{{Key: "$limit", Value: perPage}},
	}

	cursor, err := collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query catalog listings: %w", err)
	}
	defer cursor.Close(ctx)

	var listings []models.Listing
	if err := cursor.All(ctx, &listings); err != nil {
		return nil, 0, fmt.Errorf("failed to decode catalog listings: %w", err)
	}
	return listings, total, nil
}

// AddImageToListing appends an image to a listing owned by userID, capped
// at the configured maximum.
func (s *listingService) AddImageToListing(ctx context.Context, listingID, userID utils.SixID, image models.ListingImage) error {
	listing, err := s.FindListingByID(ctx, listingID)
	if err != nil {
		return err
	}
	if listing.UserID != userID {
		return ErrNotOwner
	}
	if len(listing.Images) >= s.cfg.ListingMaxImages {
		return fmt.Errorf("listing already has the maximum of %d images", s.cfg.ListingMaxImages)
	}
	if len(listing.Images) == 0 {
		image.Primary = true
	}

	_, err = s.db.Collection(listingsCollection).UpdateOne(ctx,
		bson.M{"_id": listingID},
		bson.M{
			"$push": bson.M{"images": image},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to add image to listing %s: %w", listingID.String(), err)
	}
	return nil
}

// PromoteListing opens a promotion window on a listing. Called by the
// payment service after a completed purchase, so there is no ownership
// check here.
func (s *listingService) PromoteListing(ctx context.Context, listingID utils.SixID, plan models.PromotionPlan, duration time.Duration) error {
	now := time.Now().UTC()
	until := now.Add(duration)

	res, err := s.db.Collection(listingsCollection).UpdateOne(ctx,
		bson.M{"_id": listingID, "deleted": false},
		bson.M{"$set": bson.M{
			"plan":           plan,
			"promoted_at":    now,
			"promoted_until": until,
			"updated_at":     now,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to promote listing %s: %w", listingID.String(), err)
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// RegisterView dedups views per (listing, IP) within the configured
// window. NAT'd users sharing an IP undercount; that is the accepted
// tradeoff for an anonymous counter.
func (s *listingService) RegisterView(ctx context.Context, listingID utils.SixID, ip string) (bool, error) {
	key := fmt.Sprintf("ad_view:%s:%s", listingID.String(), ip)
	return s.store.SetNX(ctx, key, []byte("1"), s.cfg.ViewDedupTTL)
}

// IncrementViews advances the view counter. Runs in the background
// worker, never on the request path.
func (s *listingService) IncrementViews(ctx context.Context, listingID utils.SixID) error {
	_, err := s.db.Collection(listingsCollection).UpdateOne(ctx,
		bson.M{"_id": listingID},
		bson.M{"$inc": bson.M{"views": 1}},
	)
	if err != nil {
		return fmt.Errorf("failed to increment views for listing %s: %w", listingID.String(), err)
	}
	return nil
}

// AddFavorite saves a listing for a user. Re-saving is a silent no-op
// thanks to the unique (user, listing) index.
func (s *listingService) AddFavorite(ctx context.Context, userID, listingID utils.SixID) error {
	fav := models.Favorite{
		Base:      models.Base{ID: utils.NewSixID()},
		UserID:    userID,
		ListingID: listingID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Collection(favoritesCollection).InsertOne(ctx, fav)
	if err != nil {
		if db.IsMongoDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to add favorite: %w", err)
	}
	return nil
}

func (s *listingService) RemoveFavorite(ctx context.Context, userID, listingID utils.SixID) error {
	_, err := s.db.Collection(favoritesCollection).DeleteOne(ctx,
		bson.M{"user_id": userID, "listing_id": listingID})
	if err != nil {
		return fmt.Errorf("failed to remove favorite: %w", err)
	}
	return nil
}

// ListFavorites returns the user's saved listings, most recently saved
// first. Listings deleted since saving are skipped.
func (s *listingService) ListFavorites(ctx context.Context, userID utils.SixID) ([]models.Listing, error) {
	cursor, err := s.db.Collection(favoritesCollection).Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list favorites for user %s: %w", userID.String(), err)
	}
	defer cursor.Close(ctx)

	var favorites []models.Favorite
	if err := cursor.All(ctx, &favorites); err != nil {
		return nil, fmt.Errorf("failed to decode favorites: %w", err)
	}

	listings := make([]models.Listing, 0, len(favorites))
	for _, fav := range favorites {
		listing, err := s.FindListingByID(ctx, fav.ListingID)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			log.Printf("Failed to load favorite listing %s: %v", fav.ListingID.String(), err)
			continue
		}
		listings = append(listings, *listing)
	}
	return listings, nil
}

// CityOptions lists the distinct cities with active listings in a
// country, for the catalog filter dropdown.
func (s *listingService) CityOptions(ctx context.Context, country string) ([]string, error) {
	filter := bson.M{"deleted": false, "active": true}
	if country != "" && country != "all" {
		filter["country"] = country
	}
	values, err := s.db.Collection(listingsCollection).Distinct(ctx, "city", filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list cities: %w", err)
	}

	cities := make([]string, 0, len(values))
	for _, v := range values {
		if city, ok := v.(string); ok && city != "" {
			cities = append(cities, city)
		}
	}
	return cities, nil
}
