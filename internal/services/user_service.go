package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladmelevich/uzmat/internal/auth"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/db"
	"github.com/vladmelevich/uzmat/internal/email"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

const usersCollection = "users"

var (
	ErrEmailTaken         = errors.New("email address is already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// RegisterInput carries the signup form.
type RegisterInput struct {
	Name        string
	Email       string
	Phone       string
	Password    string
	Type        models.UserType
	CompanyName string
	Country     string
	City        string
}

// IUserService defines the interface for account operations.
type IUserService interface {
	Register(ctx context.Context, input RegisterInput) (*models.User, error)
	Authenticate(ctx context.Context, emailAddr, password string) (string, *models.User, error)
	FindUserByID(ctx context.Context, userID utils.SixID) (*models.User, error)
	FindUserByEmail(ctx context.Context, emailAddr string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID utils.SixID, updates map[string]interface{}) (*models.User, error)
	// FindAdmin returns an admin account, used as the support-thread
	// counterparty.
	FindAdmin(ctx context.Context) (*models.User, error)
}

type userService struct {
	db     *mongo.Database
	cfg    *config.Config
	sender email.Sender
}

// NewUserService creates a new UserService.
func NewUserService(db *mongo.Database, cfg *config.Config, sender email.Sender) IUserService {
	return &userService{db: db, cfg: cfg, sender: sender}
}

// Register creates an account and fires the welcome email. The email is
// best-effort: a failed send never fails the signup.
func (s *userService) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	emailAddr := strings.ToLower(strings.TrimSpace(input.Email))
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return nil, errors.New("a valid email address is required")
	}
	if len(input.Password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}
	if input.Type == "" {
		input.Type = models.UserTypeIndividual
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &models.User{
		Base:         models.Base{ID: utils.NewSixID()},
		Name:         input.Name,
		Email:        emailAddr,
		Phone:        input.Phone,
		PasswordHash: hash,
		Type:         input.Type,
		CompanyName:  input.CompanyName,
		Country:      input.Country,
		City:         input.City,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	collection := s.db.Collection(usersCollection)
	operation := func() error {
		user.GenID()
		_, insertErr := collection.InsertOne(ctx, user)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		// The unique index covers email too; a stable duplicate after
		// retries means the address is taken, not an ID collision.
		if db.IsMongoDuplicateKeyError(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to insert new user: %w", err)
	}

	subject, raw := email.ComposeWelcome(s.cfg.SmtpFromAddress, user.Email, user.Name)
	if err := s.sender.Send(ctx, []string{user.Email}, subject, raw); err != nil {
		log.Printf("Failed to send welcome email to %s: %v", user.Email, err)
	}

	return user, nil
}

// Authenticate verifies credentials and returns a signed JWT plus the user.
func (s *userService) Authenticate(ctx context.Context, emailAddr, password string) (string, *models.User, error) {
	user, err := s.FindUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if user.Suspended {
		return "", nil, errors.New("account is suspended")
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := auth.GenerateJWT(user.ID, user.IsAdmin, s.cfg.JwtSecret, s.cfg.JwtTTL)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (s *userService) FindUserByID(ctx context.Context, userID utils.SixID) (*models.User, error) {
	var user models.User
	err := s.db.Collection(usersCollection).FindOne(ctx,
		bson.M{"_id": userID, "deleted": false}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by ID %s: %w", userID.String(), err)
	}
	return &user, nil
}

func (s *userService) FindUserByEmail(ctx context.Context, emailAddr string) (*models.User, error) {
	var user models.User
	err := s.db.Collection(usersCollection).FindOne(ctx,
		bson.M{"email": strings.ToLower(strings.TrimSpace(emailAddr)), "deleted": false}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by email: %w", err)
	}
	return &user, nil
}

// profileFields is the whitelist for UpdateProfile. Verification state and
// admin flags are never caller-writable.
var profileFields = map[string]bool{
	"name":                     true,
	"phone":                    true,
	"company_name":             true,
	"country":                  true,
	"city":                     true,
	"notification_preferences": true,
}

func (s *userService) UpdateProfile(ctx context.Context, userID utils.SixID, updates map[string]interface{}) (*models.User, error) {
	set := bson.M{}
	for field, value := range updates {
		if profileFields[field] {
			set[field] = value
		}
	}
	if len(set) == 0 {
		return nil, errors.New("no updatable fields provided")
	}
	set["updated_at"] = time.Now().UTC()

	var updated models.User
	err := s.db.Collection(usersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": userID, "deleted": false},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("failed to update profile for user %s: %w", userID.String(), err)
	}
	return &updated, nil
}

// FindAdmin picks the oldest admin account. Support threads all converge
// on the same admin so conversations stay in one place.
func (s *userService) FindAdmin(ctx context.Context) (*models.User, error) {
	var admin models.User
	err := s.db.Collection(usersCollection).FindOne(ctx,
		bson.M{"is_admin": true, "deleted": false},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	).Decode(&admin)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding admin user: %w", err)
	}
	return &admin, nil
}
