package models

import (
	"time"

	"github.com/vladmelevich/uzmat/internal/utils"
)

// Favorite marks a listing saved by a user. The (user, listing) pair is
// unique-indexed, so re-saving is a no-op at the storage level.
type Favorite struct {
	Base      `bson:",inline"`
	UserID    utils.SixID `bson:"user_id" json:"user_id"`
	ListingID utils.SixID `bson:"listing_id" json:"listing_id"`
	CreatedAt time.Time   `bson:"created_at" json:"created_at"`
}
