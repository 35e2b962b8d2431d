package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/crypto"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

type chatEnv struct {
	chat IChatService
	fx   *testFixtures

	buyer   *models.User
	seller  *models.User
	listing *models.Listing
}

func setupChatTest(t *testing.T) *chatEnv {
	t.Helper()
	database := utils.SetupTestDB(t, "uzmat_test_chat",
		usersCollection, listingsCollection, threadsCollection, messagesCollection)

	cfg := testConfig()
	store := cache.NewMemoryStore()
	cipher, err := crypto.NewMessageCipher("chat-test-secret")
	require.NoError(t, err)
	listings := NewListingService(database, store, cfg)
	chat := NewChatService(database, database.Client(), store, cfg, cipher, listings)

	fx := &testFixtures{t: t, db: database}
	buyer := fx.insertUser("buyer@example.com", false, nil)
	seller := fx.insertUser("seller@example.com", false, nil)
	listing := fx.insertListing(seller.ID, 1, nil)

	return &chatEnv{chat: chat, fx: fx, buyer: buyer, seller: seller, listing: listing}
}

func TestGetOrCreateThreadIsIdempotent(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()

	first, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, env.buyer.ID, first.BuyerID)
	assert.Equal(t, env.seller.ID, first.SellerID)

	second, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The owner cannot open a thread with themselves.
	_, err = env.chat.GetOrCreateThread(ctx, env.seller.ID, env.listing.ID)
	assert.ErrorIs(t, err, ErrSelfChat)
}

func TestSendMessageAssignsMonotonicSeq(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()

	thread, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)

	for i, text := range []string{"Здравствуйте!", "Ещё в продаже?", "Да, в продаже."} {
		sender := env.buyer.ID
		if i == 2 {
			sender = env.seller.ID
		}
		msg, err := env.chat.SendMessage(ctx, thread.ID, sender, text, "")
		require.NoError(t, err)
		assert.EqualValues(t, i+1, msg.Seq)
		assert.Equal(t, text, msg.Text)
	}
}

func TestMessageTextIsEncryptedAtRest(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()

	thread, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)

	_, err = env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, "Секретный текст", "")
	require.NoError(t, err)

	var raw models.Message
	err = env.fx.db.Collection(messagesCollection).FindOne(ctx, bson.M{"thread_id": thread.ID}).Decode(&raw)
	require.NoError(t, err)
	assert.Empty(t, raw.Text)
	assert.NotEmpty(t, raw.Ciphertext)
	assert.NotContains(t, string(raw.Ciphertext), "Секретный")

	msgs, err := env.chat.PollMessages(ctx, thread.ID, env.buyer.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Секретный текст", msgs[0].Text)
}

func TestSendMessageRejectsBadText(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()

	thread, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)

	_, err = env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, "", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, strings.Repeat("а", 5001), "")
	assert.ErrorIs(t, err, ErrTextTooLong)

	_, err = env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, "'; DROP TABLE messages;--", "")
	assert.ErrorIs(t, err, ErrTextRejected)

	// Outsiders cannot post.
	outsider := env.fx.insertUser("outsider@example.com", false, nil)
	_, err = env.chat.SendMessage(ctx, thread.ID, outsider.ID, "hello", "")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestSendMessageTrimsWhitespace(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()

	thread, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)

	// Whitespace-only text carries nothing and is rejected like empty.
	_, err = env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, " \n\t ", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	// With an image attached the blank text is dropped, so the stored
	// document holds no ciphertext at all.
	imgMsg, err := env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, "   ", "https://cdn.example.com/chat/photo.jpg")
	require.NoError(t, err)
	assert.Empty(t, imgMsg.Text)

	var raw models.Message
	err = env.fx.db.Collection(messagesCollection).FindOne(ctx, bson.M{"_id": imgMsg.ID}).Decode(&raw)
	require.NoError(t, err)
	assert.Empty(t, raw.Ciphertext)

	// Padded text comes back trimmed.
	msg, err := env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, "  Ещё в продаже?  ", "")
	require.NoError(t, err)
	assert.Equal(t, "Ещё в продаже?", msg.Text)

	// Edits follow the same rule.
	_, err = env.chat.EditMessage(ctx, msg.ID, env.buyer.ID, " \t ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestPollMessagesReturnsOnlyNewer(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()

	thread, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		_, err := env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, text, "")
		require.NoError(t, err)
	}

	msgs, err := env.chat.PollMessages(ctx, thread.ID, env.seller.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)

	_, err = env.chat.PollMessages(ctx, thread.ID, env.fx.insertUser("x@example.com", false, nil).ID, 0)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestEditAndDeleteMessage(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()

	thread, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)

	msg, err := env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, "typo hello", "")
	require.NoError(t, err)

	_, err = env.chat.EditMessage(ctx, msg.ID, env.seller.ID, "hijacked")
	assert.ErrorIs(t, err, ErrNotSender)

	edited, err := env.chat.EditMessage(ctx, msg.ID, env.buyer.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Text)
	assert.NotNil(t, edited.EditedAt)

	require.NoError(t, env.chat.DeleteMessage(ctx, msg.ID, env.buyer.ID))

	msgs, err := env.chat.PollMessages(ctx, thread.ID, env.buyer.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Thread recency resets when its last message goes away.
	fresh, err := env.chat.FindThreadByID(ctx, thread.ID)
	require.NoError(t, err)
	assert.Nil(t, fresh.LastMessageAt)
}

func TestUnreadCountsAndMarkRead(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()

	thread, err := env.chat.GetOrCreateThread(ctx, env.buyer.ID, env.listing.ID)
	require.NoError(t, err)

	for _, text := range []string{"ping", "pong?"} {
		_, err := env.chat.SendMessage(ctx, thread.ID, env.buyer.ID, text, "")
		require.NoError(t, err)
	}

	unread, err := env.chat.TotalUnread(ctx, env.seller.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, unread)

	// Own messages never count against the sender.
	unread, err = env.chat.TotalUnread(ctx, env.buyer.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, unread)

	require.NoError(t, env.chat.MarkThreadRead(ctx, thread.ID, env.seller.ID))
	unread, err = env.chat.TotalUnread(ctx, env.seller.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, unread)

	summaries, err := env.chat.ListThreads(ctx, env.seller.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.EqualValues(t, 0, summaries[0].Unread)
}

func TestSupportThreadRoutesToAdmin(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()
	admin := env.fx.insertUser("admin@example.com", true, nil)

	thread, err := env.chat.GetOrCreateSupportThread(ctx, env.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadTypeSupport, thread.Type)
	assert.Nil(t, thread.ListingID)
	assert.Equal(t, env.buyer.ID, thread.BuyerID)
	assert.Equal(t, admin.ID, thread.SellerID)

	again, err := env.chat.GetOrCreateSupportThread(ctx, env.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, again.ID)
}

func TestBroadcastReachesAllNonAdmins(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()
	env.fx.insertUser("admin@example.com", true, nil)

	recipients, err := env.chat.Broadcast(ctx, nil, "Плановые работы в субботу с 02:00 до 04:00.")
	require.NoError(t, err)
	assert.Len(t, recipients, 2)

	thread, err := env.chat.GetOrCreateSupportThread(ctx, env.buyer.ID)
	require.NoError(t, err)
	messages, err := env.chat.PollMessages(ctx, thread.ID, env.buyer.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Text, "Плановые работы")
}

func TestBroadcastTargetsSingleUser(t *testing.T) {
	env := setupChatTest(t)
	ctx := context.Background()
	env.fx.insertUser("admin@example.com", true, nil)

	recipients, err := env.chat.Broadcast(ctx, &env.seller.ID, "Ваш аккаунт проверен.")
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, env.seller.ID, recipients[0].ID)

	// The other user's support thread stays untouched.
	buyerThread, err := env.chat.GetOrCreateSupportThread(ctx, env.buyer.ID)
	require.NoError(t, err)
	messages, err := env.chat.PollMessages(ctx, buyerThread.ID, env.buyer.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)

	_, err = env.chat.Broadcast(ctx, nil, "'; DROP TABLE users;--")
	assert.ErrorIs(t, err, ErrTextRejected)
}
