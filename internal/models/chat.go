package models

import (
	"time"

	"github.com/vladmelevich/uzmat/internal/utils"
)

// ThreadType distinguishes listing conversations from support threads.
type ThreadType string

const (
	ThreadTypeListing ThreadType = "listing"
	ThreadTypeSupport ThreadType = "support"
)

// Thread is a two-party conversation. Listing threads tie a buyer to a
// listing's seller; support threads tie a user (as buyer) to an admin and
// carry no listing.
type Thread struct {
	Base      `bson:",inline"`
	Type      ThreadType   `bson:"type" json:"type"`
	ListingID *utils.SixID `bson:"listing_id,omitempty" json:"listing_id,omitempty"`
	BuyerID   utils.SixID  `bson:"buyer_id" json:"buyer_id"`
	SellerID  utils.SixID  `bson:"seller_id" json:"seller_id"`

	// MessageSeq is a per-thread monotonic counter, advanced atomically on
	// every send. Messages carry the value as their Seq, which is the poll
	// cursor.
	MessageSeq int64 `bson:"message_seq" json:"-"`

	// Per-side read markers: messages from the other party created after
	// this timestamp count as unread.
	BuyerLastReadAt  *time.Time `bson:"buyer_last_read_at,omitempty" json:"-"`
	SellerLastReadAt *time.Time `bson:"seller_last_read_at,omitempty" json:"-"`

	LastMessageAt *time.Time `bson:"last_message_at,omitempty" json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
}

// OtherParty returns the participant opposite userID, or false if userID
// is not in the thread.
func (t *Thread) OtherParty(userID utils.SixID) (utils.SixID, bool) {
	switch userID {
	case t.BuyerID:
		return t.SellerID, true
	case t.SellerID:
		return t.BuyerID, true
	default:
		return utils.SixID{}, false
	}
}

// LastReadAt returns userID's read marker for this thread.
func (t *Thread) LastReadAt(userID utils.SixID) *time.Time {
	if userID == t.BuyerID {
		return t.BuyerLastReadAt
	}
	return t.SellerLastReadAt
}

// Message is a single chat message. Text is encrypted at rest; an
// image-only message has nil Ciphertext.
type Message struct {
	Base       `bson:",inline"`
	ThreadID   utils.SixID `bson:"thread_id" json:"thread_id"`
	SenderID   utils.SixID `bson:"sender_id" json:"sender_id"`
	Seq        int64       `bson:"seq" json:"seq"`
	Ciphertext []byte      `bson:"ciphertext,omitempty" json:"-"`
	ImageURL   string      `bson:"image_url,omitempty" json:"image_url,omitempty"`
	EditedAt   *time.Time  `bson:"edited_at,omitempty" json:"edited_at,omitempty"`

	// System messages (e.g. badge renewal reminders) carry an action tag
	// and a link the client renders as a button.
	SystemAction string `bson:"system_action,omitempty" json:"system_action,omitempty"`
	SystemURL    string `bson:"system_url,omitempty" json:"system_url,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`

	// Text is the decrypted message body, populated on read paths only.
	Text string `bson:"-" json:"text"`
}
