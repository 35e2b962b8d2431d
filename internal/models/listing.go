package models

import (
	"time"

	"github.com/vladmelevich/uzmat/internal/utils"
)

// ListingKind is the closed set of ad kinds. Exactly one of the detail
// structs on Listing is populated, matching the kind.
type ListingKind string

const (
	KindSale    ListingKind = "sale"
	KindRental  ListingKind = "rental"
	KindService ListingKind = "service"
	KindPart    ListingKind = "part"
)

// PromotionPlan is a paid ranking boost tier.
type PromotionPlan string

const (
	PlanGold    PromotionPlan = "gold"
	PlanPremium PromotionPlan = "premium"
	PlanVIP     PromotionPlan = "vip"
)

// TierPriority maps plans to their ranking priority; lower sorts first.
// Unpromoted listings get priority 4.
func TierPriority(plan PromotionPlan) int {
	switch plan {
	case PlanVIP:
		return 1
	case PlanPremium:
		return 2
	case PlanGold:
		return 3
	default:
		return 4
	}
}

// Price is an optional amount with currency and pricing unit
// (e.g. "per_hour", "per_day", "total").
type Price struct {
	Amount       float64 `bson:"amount" json:"amount"`
	CurrencyCode string  `bson:"currency_code" json:"currency_code"`
	Unit         string  `bson:"unit,omitempty" json:"unit,omitempty"`
}

// EquipmentDetails applies to sale and rental listings.
type EquipmentDetails struct {
	EquipmentType string `bson:"equipment_type" json:"equipment_type"`
	Brand         string `bson:"brand,omitempty" json:"brand,omitempty"`
	Model         string `bson:"model,omitempty" json:"model,omitempty"`
	Year          int    `bson:"year,omitempty" json:"year,omitempty"`
	MotorHours    int    `bson:"motor_hours,omitempty" json:"motor_hours,omitempty"`
}

// PartDetails applies to part listings.
type PartDetails struct {
	PartName       string `bson:"part_name" json:"part_name"`
	Brand          string `bson:"brand,omitempty" json:"brand,omitempty"`
	PartNumber     string `bson:"part_number,omitempty" json:"part_number,omitempty"`
	CompatibleWith string `bson:"compatible_with,omitempty" json:"compatible_with,omitempty"`
}

// ServiceDetails applies to service listings.
type ServiceDetails struct {
	ServiceName string `bson:"service_name" json:"service_name"`
}

// ListingImage is an attached photo. Exactly one image per listing is
// flagged primary.
type ListingImage struct {
	Key     string `bson:"key" json:"key"` // S3 key
	URL     string `bson:"url" json:"url"`
	Primary bool   `bson:"primary" json:"primary"`
}

// Listing represents a classified advertisement.
type Listing struct {
	Base        `bson:",inline"`
	UserID      utils.SixID `bson:"user_id" json:"user_id"`
	Kind        ListingKind `bson:"kind" json:"kind"`
	Title       string      `bson:"title" json:"title"`
	Slug        string      `bson:"slug" json:"slug"` // unique, immutable once assigned
	Description string      `bson:"description" json:"description"`
	Country     string      `bson:"country" json:"country"`
	City        string      `bson:"city" json:"city"`
	Phone       string      `bson:"phone,omitempty" json:"phone,omitempty"`
	Price       *Price      `bson:"price,omitempty" json:"price,omitempty"`

	Equipment *EquipmentDetails `bson:"equipment,omitempty" json:"equipment,omitempty"`
	Part      *PartDetails      `bson:"part,omitempty" json:"part,omitempty"`
	Service   *ServiceDetails   `bson:"service,omitempty" json:"service,omitempty"`

	Images []ListingImage `bson:"images,omitempty" json:"images,omitempty"`

	Active bool  `bson:"active" json:"active"`
	Views  int64 `bson:"views" json:"views"`

	// Promotion state. A listing counts as promoted only while
	// PromotedUntil is in the future, regardless of Plan.
	Plan          PromotionPlan `bson:"plan,omitempty" json:"plan,omitempty"`
	PromotedAt    *time.Time    `bson:"promoted_at,omitempty" json:"promoted_at,omitempty"`
	PromotedUntil *time.Time    `bson:"promoted_until,omitempty" json:"promoted_until,omitempty"`

	// LastBumpedAt drives the default recency sort; nil means never
	// bumped, in which case CreatedAt stands in.
	LastBumpedAt *time.Time `bson:"last_bumped_at,omitempty" json:"last_bumped_at,omitempty"`

	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	Deleted   bool      `bson:"deleted" json:"-"` // Soft delete flag
}

// IsPromoted reports whether the promotion window is currently open.
func (l *Listing) IsPromoted(now time.Time) bool {
	return l.PromotedUntil != nil && l.PromotedUntil.After(now)
}

// BumpOrder returns the timestamp used for recency ordering.
func (l *Listing) BumpOrder() time.Time {
	if l.LastBumpedAt != nil {
		return *l.LastBumpedAt
	}
	return l.CreatedAt
}
