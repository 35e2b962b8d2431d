package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/db"
	"github.com/vladmelevich/uzmat/internal/email"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

const verificationRequestsCollection = "verification_requests"

var (
	ErrRequestPending = errors.New("a verification request is already pending")
	ErrAlreadyDecided = errors.New("verification request already decided")
)

// IVerificationService handles paid badge applications, moderation
// decisions and the pre-expiry reminder.
type IVerificationService interface {
	// SubmitRequest files a new application after payment. The user's
	// current badge, if any, is revoked until moderation decides.
	SubmitRequest(ctx context.Context, userID utils.SixID, companyName, documentURL, comment string) (*models.VerificationRequest, error)
	ListRequests(ctx context.Context, status models.VerificationStatus, limit int64) ([]models.VerificationRequest, error)
	FindRequestByID(ctx context.Context, requestID utils.SixID) (*models.VerificationRequest, error)
	// Decide approves or rejects a pending request. Approval grants the
	// badge for the configured validity period. The moderator's comment
	// lands in the user's support thread in the same transaction as the
	// status change.
	Decide(ctx context.Context, requestID, adminID utils.SixID, approve bool, comment string) error
	// SendBadgeExpiryReminder nudges the user through their support
	// thread when the badge is about to lapse. Fires at most once per
	// distinct expiry date.
	SendBadgeExpiryReminder(ctx context.Context, userID utils.SixID) error
}

type verificationService struct {
	db     *mongo.Database
	client *mongo.Client
	cfg    *config.Config
	chat   IChatService
	sender email.Sender
	now    func() time.Time
}

func NewVerificationService(database *mongo.Database, client *mongo.Client, cfg *config.Config, chat IChatService, sender email.Sender) IVerificationService {
	return &verificationService{
		db:     database,
		client: client,
		cfg:    cfg,
		chat:   chat,
		sender: sender,
		now:    time.Now,
	}
}

func (s *verificationService) SubmitRequest(ctx context.Context, userID utils.SixID, companyName, documentURL, comment string) (*models.VerificationRequest, error) {
	requests := s.db.Collection(verificationRequestsCollection)

	count, err := requests.CountDocuments(ctx, bson.M{"user_id": userID, "status": models.VerificationPending})
	if err != nil {
		return nil, fmt.Errorf("failed to check pending requests: %w", err)
	}
	if count > 0 {
		return nil, ErrRequestPending
	}

	request := &models.VerificationRequest{
		UserID:      userID,
		Status:      models.VerificationPending,
		CompanyName: companyName,
		DocumentURL: documentURL,
		Comment:     comment,
		CreatedAt:   s.now(),
	}

	err = db.Try(func() error {
		request.GenID()
		_, err := requests.InsertOne(ctx, request)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create verification request: %w", err)
	}

	// Any existing badge is suspended while the new application is
	// under review.
	_, err = s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$unset": bson.M{"verified_until": ""}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reset verification state: %w", err)
	}

	return request, nil
}

func (s *verificationService) ListRequests(ctx context.Context, status models.VerificationStatus, limit int64) ([]models.VerificationRequest, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	if limit <= 0 {
		limit = 200
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cursor, err := s.db.Collection(verificationRequestsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification requests: %w", err)
	}
	var requests []models.VerificationRequest
	if err := cursor.All(ctx, &requests); err != nil {
		return nil, fmt.Errorf("failed to decode verification requests: %w", err)
	}
	return requests, nil
}

func (s *verificationService) FindRequestByID(ctx context.Context, requestID utils.SixID) (*models.VerificationRequest, error) {
	var request models.VerificationRequest
	err := s.db.Collection(verificationRequestsCollection).FindOne(ctx, bson.M{"_id": requestID}).Decode(&request)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find verification request: %w", err)
	}
	return &request, nil
}

func (s *verificationService) Decide(ctx context.Context, requestID, adminID utils.SixID, approve bool, comment string) error {
	request, err := s.FindRequestByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return mongo.ErrNoDocuments
	}
	if request.Status != models.VerificationPending {
		return ErrAlreadyDecided
	}

	now := s.now()
	status := models.VerificationRejected
	if approve {
		status = models.VerificationApproved
	}

	// Opening the thread is idempotent, so it can happen before the
	// transaction; the decision message itself must land with the status
	// change or not at all.
	thread, err := s.chat.GetOrCreateSupportThread(ctx, request.UserID)
	if err != nil {
		return fmt.Errorf("failed to open support thread: %w", err)
	}

	err = db.WithTransaction(ctx, s.client, func(sc context.Context) error {
		_, err := s.db.Collection(verificationRequestsCollection).UpdateOne(sc,
			bson.M{"_id": requestID, "status": models.VerificationPending},
			bson.M{"$set": bson.M{
				"status":     status,
				"reason":     comment,
				"decided_by": adminID,
				"decided_at": now,
			}},
		)
		if err != nil {
			return fmt.Errorf("failed to update verification request: %w", err)
		}

		userUpdate := bson.M{"$unset": bson.M{"verified_until": ""}}
		if approve {
			validUntil := now.AddDate(0, 0, s.cfg.BadgeValidityDays)
			userUpdate = bson.M{"$set": bson.M{"verified_until": validUntil}}
		}
		_, err = s.db.Collection(usersCollection).UpdateOne(sc, bson.M{"_id": request.UserID}, userUpdate)
		if err != nil {
			return fmt.Errorf("failed to update user badge: %w", err)
		}

		if _, err := s.chat.SendSystemMessage(sc, thread.ID, thread.SellerID, comment, "", ""); err != nil {
			return fmt.Errorf("failed to deliver moderation message: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The decision is committed; only the email copy is best effort.
	s.sendDecisionEmail(ctx, request.UserID, approve, comment)
	return nil
}

func (s *verificationService) sendDecisionEmail(ctx context.Context, userID utils.SixID, approved bool, comment string) {
	var user models.User
	if err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": userID}).Decode(&user); err != nil {
		log.Printf("Failed to load user %s for decision email: %v", userID, err)
		return
	}
	if user.NotificationPreferences != nil && !user.NotificationPreferences.Verification {
		return
	}
	subject, raw := email.ComposeVerificationDecision(s.cfg.SmtpFromAddress, user.Email, approved, comment)
	if err := s.sender.Send(ctx, []string{user.Email}, subject, raw); err != nil {
		log.Printf("Failed to send verification decision email to %s: %v", user.Email, err)
	}
}

func (s *verificationService) SendBadgeExpiryReminder(ctx context.Context, userID utils.SixID) error {
	var user models.User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	now := s.now()
	if !user.IsVerified(now) {
		return nil
	}
	deadline := now.AddDate(0, 0, s.cfg.BadgeRemindDays)
	if user.VerifiedUntil.After(deadline) {
		return nil
	}
	if user.BadgeExpiryNotifiedUntil != nil && user.BadgeExpiryNotifiedUntil.Equal(*user.VerifiedUntil) {
		return nil
	}

	thread, err := s.chat.GetOrCreateSupportThread(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to open support thread: %w", err)
	}

	text := fmt.Sprintf("Срок действия галочки истекает %s. Продлите её, чтобы она не пропала.",
		user.VerifiedUntil.Format("02.01.2006"))
	if _, err := s.chat.SendSystemMessage(ctx, thread.ID, thread.SellerID, text, "renew_badge", "/verify/renew"); err != nil {
		return fmt.Errorf("failed to send badge reminder: %w", err)
	}

	_, err = s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"badge_expiry_notified_until": user.VerifiedUntil}},
	)
	if err != nil {
		return fmt.Errorf("failed to record reminder: %w", err)
	}

	if user.NotificationPreferences == nil || user.NotificationPreferences.BadgeExpiry {
		subject, raw := email.ComposeBadgeExpiryReminder(s.cfg.SmtpFromAddress, user.Email, *user.VerifiedUntil)
		if err := s.sender.Send(ctx, []string{user.Email}, subject, raw); err != nil {
			log.Printf("Failed to send badge expiry email to %s: %v", user.Email, err)
		}
	}
	return nil
}
