package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/crypto"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

// recordingSender captures outgoing emails for assertions.
type recordingSender struct {
	mu   sync.Mutex
	sent []recordedEmail
}

type recordedEmail struct {
	To      []string
	Subject string
}

func (s *recordingSender) Send(_ context.Context, to []string, subject string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recordedEmail{To: to, Subject: subject})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func setupVerificationTest(t *testing.T) (IVerificationService, IChatService, *recordingSender, *testFixtures) {
	t.Helper()
	database := utils.SetupTestDB(t, "uzmat_test_verification",
		usersCollection, listingsCollection, threadsCollection, messagesCollection, verificationRequestsCollection)

	cfg := testConfig()
	store := cache.NewMemoryStore()
	cipher, err := crypto.NewMessageCipher("verification-test-secret")
	require.NoError(t, err)

	listings := NewListingService(database, store, cfg)
	chat := NewChatService(database, database.Client(), store, cfg, cipher, listings)
	sender := &recordingSender{}
	svc := NewVerificationService(database, database.Client(), cfg, chat, sender)

	return svc, chat, sender, &testFixtures{t: t, db: database}
}

func TestSubmitRequestCreatesPendingAndSuspendsBadge(t *testing.T) {
	svc, _, _, fx := setupVerificationTest(t)
	ctx := context.Background()

	verifiedUntil := time.Now().Add(48 * time.Hour)
	user := fx.insertUser("applicant@example.com", false, &verifiedUntil)

	request, err := svc.SubmitRequest(ctx, user.ID, "Teshko LLC", "", "please verify")
	require.NoError(t, err)
	assert.Equal(t, models.VerificationPending, request.Status)
	assert.Equal(t, user.ID, request.UserID)

	// Existing badge is revoked while the request is under review.
	fresh := fx.loadUser(user.ID)
	assert.Nil(t, fresh.VerifiedUntil)

	_, err = svc.SubmitRequest(ctx, user.ID, "", "", "")
	assert.ErrorIs(t, err, ErrRequestPending)
}

func TestDecideApproveGrantsBadge(t *testing.T) {
	svc, chat, sender, fx := setupVerificationTest(t)
	ctx := context.Background()

	admin := fx.insertUser("admin@example.com", true, nil)
	user := fx.insertUser("seller@example.com", false, nil)

	request, err := svc.SubmitRequest(ctx, user.ID, "", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Decide(ctx, request.ID, admin.ID, true, "Документы в порядке."))

	fresh := fx.loadUser(user.ID)
	require.NotNil(t, fresh.VerifiedUntil)
	expected := time.Now().AddDate(0, 0, 180)
	assert.WithinDuration(t, expected, *fresh.VerifiedUntil, time.Minute)

	decided := fx.loadRequest(request.ID)
	assert.Equal(t, models.VerificationApproved, decided.Status)
	assert.Equal(t, "Документы в порядке.", decided.Reason)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, admin.ID, *decided.DecidedBy)

	// The moderator's comment lands in the support thread.
	thread, err := chat.GetOrCreateSupportThread(ctx, user.ID)
	require.NoError(t, err)
	msgs, err := chat.PollMessages(ctx, thread.ID, user.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Документы в порядке.", msgs[0].Text)

	assert.Equal(t, 1, sender.count())
}

func TestDecideRejectClearsBadge(t *testing.T) {
	svc, _, _, fx := setupVerificationTest(t)
	ctx := context.Background()

	admin := fx.insertUser("admin@example.com", true, nil)
	user := fx.insertUser("seller@example.com", false, nil)

	request, err := svc.SubmitRequest(ctx, user.ID, "", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Decide(ctx, request.ID, admin.ID, false, "Документы не читаются."))

	fresh := fx.loadUser(user.ID)
	assert.Nil(t, fresh.VerifiedUntil)
	assert.Equal(t, models.VerificationRejected, fx.loadRequest(request.ID).Status)

	err = svc.Decide(ctx, request.ID, admin.ID, true, "again")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestDecideLeavesRequestPendingWhenMessageCannotBeDelivered(t *testing.T) {
	svc, _, sender, fx := setupVerificationTest(t)
	ctx := context.Background()

	// No admin account exists, so the decision message has nowhere to go.
	moderator := fx.insertUser("moderator@example.com", false, nil)
	user := fx.insertUser("seller@example.com", false, nil)

	request, err := svc.SubmitRequest(ctx, user.ID, "", "", "")
	require.NoError(t, err)

	err = svc.Decide(ctx, request.ID, moderator.ID, true, "Документы в порядке.")
	require.Error(t, err)

	// The status change must not land without its support message.
	assert.Equal(t, models.VerificationPending, fx.loadRequest(request.ID).Status)
	assert.Nil(t, fx.loadUser(user.ID).VerifiedUntil)
	assert.Equal(t, 0, sender.count())
}

func TestBadgeExpiryReminderFiresOncePerExpiry(t *testing.T) {
	svc, chat, _, fx := setupVerificationTest(t)
	ctx := context.Background()

	fx.insertUser("admin@example.com", true, nil)
	soon := time.Now().Add(72 * time.Hour)
	user := fx.insertUser("seller@example.com", false, &soon)

	require.NoError(t, svc.SendBadgeExpiryReminder(ctx, user.ID))

	thread, err := chat.GetOrCreateSupportThread(ctx, user.ID)
	require.NoError(t, err)
	msgs, err := chat.PollMessages(ctx, thread.ID, user.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "renew_badge", msgs[0].SystemAction)
	assert.Equal(t, "/verify/renew", msgs[0].SystemURL)
	assert.Contains(t, msgs[0].Text, soon.Format("02.01.2006"))

	// Same expiry date, no second reminder.
	require.NoError(t, svc.SendBadgeExpiryReminder(ctx, user.ID))
	msgs, err = chat.PollMessages(ctx, thread.ID, user.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestBadgeExpiryReminderSkipsDistantExpiry(t *testing.T) {
	svc, chat, _, fx := setupVerificationTest(t)
	ctx := context.Background()

	fx.insertUser("admin@example.com", true, nil)
	far := time.Now().AddDate(0, 0, 60)
	user := fx.insertUser("seller@example.com", false, &far)

	require.NoError(t, svc.SendBadgeExpiryReminder(ctx, user.ID))

	thread, err := chat.GetOrCreateSupportThread(ctx, user.ID)
	require.NoError(t, err)
	msgs, err := chat.PollMessages(ctx, thread.ID, user.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// loadRequest fetches a verification request directly.
func (f *testFixtures) loadRequest(id utils.SixID) *models.VerificationRequest {
	f.t.Helper()
	var request models.VerificationRequest
	err := f.db.Collection(verificationRequestsCollection).FindOne(context.Background(), bson.M{"_id": id}).Decode(&request)
	require.NoError(f.t, err)
	return &request
}
