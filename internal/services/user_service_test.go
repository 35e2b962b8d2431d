package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/vladmelevich/uzmat/internal/auth"
	"github.com/vladmelevich/uzmat/internal/email"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

func setupUserTest(t *testing.T) (IUserService, *recordingSender, *testFixtures) {
	t.Helper()
	database := utils.SetupTestDB(t, "uzmat_test_users", usersCollection)
	sender := &recordingSender{}
	svc := NewUserService(database, testConfig(), sender)
	return svc, sender, &testFixtures{t: t, db: database}
}

func TestRegisterSendsWelcomeEmail(t *testing.T) {
	svc, sender, _ := setupUserTest(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{
		Name:     "Aziz",
		Email:    "Aziz@Example.COM",
		Password: "correct-horse",
		Type:     models.UserTypeIndividual,
		Country:  "uz",
	})
	require.NoError(t, err)
	assert.Equal(t, "aziz@example.com", user.Email)
	assert.NotEqual(t, "correct-horse", user.PasswordHash)

	require.Equal(t, 1, sender.count())
	assert.Equal(t, email.WelcomeSubject, sender.sent[0].Subject)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	svc, _, _ := setupUserTest(t)
	ctx := context.Background()

	input := RegisterInput{
		Name:     "Aziz",
		Email:    "aziz@example.com",
		Password: "correct-horse",
		Type:     models.UserTypeIndividual,
	}
	_, err := svc.Register(ctx, input)
	require.NoError(t, err)

	input.Name = "Impostor"
	_, err = svc.Register(ctx, input)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	svc, _, _ := setupUserTest(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Name: "A", Email: "not-an-email", Password: "correct-horse"})
	assert.Error(t, err)

	_, err = svc.Register(ctx, RegisterInput{Name: "A", Email: "a@example.com", Password: "short"})
	assert.Error(t, err)
}

func TestAuthenticateIssuesToken(t *testing.T) {
	svc, _, _ := setupUserTest(t)
	ctx := context.Background()

	registered, err := svc.Register(ctx, RegisterInput{
		Name:     "Aziz",
		Email:    "aziz@example.com",
		Password: "correct-horse",
		Type:     models.UserTypeCompany,
	})
	require.NoError(t, err)

	token, user, err := svc.Authenticate(ctx, "AZIZ@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)
	assert.Equal(t, 2, strings.Count(token, "."))

	claims, err := auth.ValidateJWT(token, testConfig().JwtSecret)
	require.NoError(t, err)
	assert.Equal(t, registered.ID.String(), claims.UserID)

	_, _, err = svc.Authenticate(ctx, "aziz@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Authenticate(ctx, "nobody@example.com", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUpdateProfileWhitelistsFields(t *testing.T) {
	svc, _, fx := setupUserTest(t)
	ctx := context.Background()
	user := fx.insertUser("aziz@example.com", false, nil)

	updated, err := svc.UpdateProfile(ctx, user.ID, map[string]interface{}{
		"name":     "Aziz Karimov",
		"city":     "Bukhara",
		"is_admin": true, // not an updatable field
	})
	require.NoError(t, err)
	assert.Equal(t, "Aziz Karimov", updated.Name)
	assert.Equal(t, "Bukhara", updated.City)
	assert.False(t, updated.IsAdmin)
}

func TestFindAdminPicksOldest(t *testing.T) {
	svc, _, fx := setupUserTest(t)
	ctx := context.Background()

	fx.insertUser("user@example.com", false, nil)
	first := fx.insertUser("admin1@example.com", true, nil)
	fx.insertUser("admin2@example.com", true, nil)

	// Millisecond timestamps can collide on fast inserts; make the
	// ordering unambiguous.
	_, err := fx.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": first.ID},
		bson.M{"$set": bson.M{"created_at": time.Now().Add(-time.Hour)}})
	require.NoError(t, err)

	admin, err := svc.FindAdmin(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, admin.ID)
}
