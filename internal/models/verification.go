package models

import (
	"time"

	"github.com/vladmelevich/uzmat/internal/utils"
)

// VerificationStatus tracks a badge request through moderation.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// VerificationRequest is a paid application for the verified badge.
// Moderators approve or reject it; approval extends the user's
// verified_until by the configured validity period.
type VerificationRequest struct {
	Base        `bson:",inline"`
	UserID      utils.SixID        `bson:"user_id" json:"user_id"`
	Status      VerificationStatus `bson:"status" json:"status"`
	CompanyName string             `bson:"company_name,omitempty" json:"company_name,omitempty"`
	DocumentURL string             `bson:"document_url,omitempty" json:"document_url,omitempty"`
	Comment     string             `bson:"comment,omitempty" json:"comment,omitempty"`

	DecidedBy *utils.SixID `bson:"decided_by,omitempty" json:"decided_by,omitempty"`
	DecidedAt *time.Time   `bson:"decided_at,omitempty" json:"decided_at,omitempty"`
	Reason    string       `bson:"reason,omitempty" json:"reason,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}
