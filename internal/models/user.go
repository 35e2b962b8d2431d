package models

import (
	"time"
)

// UserType distinguishes private sellers from companies.
type UserType string

const (
	UserTypeIndividual UserType = "individual"
	UserTypeCompany    UserType = "company"
)

// NotificationPreferences allows users to control email notifications.
type NotificationPreferences struct {
	NewMessage   bool `bson:"new_message" json:"new_message"`
	BadgeExpiry  bool `bson:"badge_expiry" json:"badge_expiry"`
	Verification bool `bson:"verification" json:"verification"`
}

// User represents an account on the marketplace.
type User struct {
	Base         `bson:",inline"`
	Name         string   `bson:"name" json:"name"`
	Email        string   `bson:"email" json:"email"`
	Phone        string   `bson:"phone,omitempty" json:"phone,omitempty"`
	PasswordHash string   `bson:"password" json:"-"` // Store hash, not plaintext
	IsAdmin      bool     `bson:"is_admin" json:"is_admin"`
	Type         UserType `bson:"type" json:"type"`
	CompanyName  string   `bson:"company_name,omitempty" json:"company_name,omitempty"`
	Country      string   `bson:"country,omitempty" json:"country,omitempty"`
	City         string   `bson:"city,omitempty" json:"city,omitempty"`

	// Verification badge. A user is verified while VerifiedUntil is in the
	// future. BadgeExpiryNotifiedUntil records the expiry we last reminded
	// about, so the reminder fires once per distinct expiry date.
	VerifiedUntil            *time.Time `bson:"verified_until,omitempty" json:"verified_until,omitempty"`
	BadgeExpiryNotifiedUntil *time.Time `bson:"badge_expiry_notified_until,omitempty" json:"-"`

	Suspended               bool                     `bson:"suspended" json:"suspended"`
	NotificationPreferences *NotificationPreferences `bson:"notification_preferences,omitempty" json:"notification_preferences,omitempty"`
	UpdatedAt               time.Time                `bson:"updated_at" json:"updated_at"`
	CreatedAt               time.Time                `bson:"created_at" json:"created_at"`
	Deleted                 bool                     `bson:"deleted" json:"-"` // Soft delete flag
}

// IsVerified reports whether the user's badge is currently valid.
func (u *User) IsVerified(now time.Time) bool {
	return u.VerifiedUntil != nil && u.VerifiedUntil.After(now)
}
