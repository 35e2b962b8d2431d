package models

import (
	"github.com/vladmelevich/uzmat/internal/utils"
)

// PaymentPurpose says what a completed payment buys.
type PaymentPurpose string

const (
	PurposePromotion    PaymentPurpose = "promotion"
	PurposeVerification PaymentPurpose = "verification"
)

// PendingPayment is the gateway-facing record of an initiated payment.
// It lives only in the KV store (keyed by MerchantTransID, 24h TTL):
// the prepare step fills PrepareID, the complete step consumes and
// deletes the entry, which is what makes replays detectable.
type PendingPayment struct {
	MerchantTransID string         `json:"merchant_trans_id"`
	UserID          utils.SixID    `json:"user_id"`
	Purpose         PaymentPurpose `json:"purpose"`
	Amount          float64        `json:"amount"` // UZS

	// Promotion purchases carry the target listing and plan.
	ListingID *utils.SixID  `json:"listing_id,omitempty"`
	Plan      PromotionPlan `json:"plan,omitempty"`

	// PrepareID is assigned by us during the prepare callback and echoed
	// back by the gateway on complete.
	PrepareID int64 `json:"prepare_id,omitempty"`
}
