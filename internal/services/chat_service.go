package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/crypto"
	"github.com/vladmelevich/uzmat/internal/db"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/security"
	"github.com/vladmelevich/uzmat/internal/utils"
)

const (
	threadsCollection  = "threads"
	messagesCollection = "messages"
)

var (
	ErrNotParticipant = errors.New("user is not a participant of this thread")
	ErrNotSender      = errors.New("only the sender may modify a message")
	ErrSelfChat       = errors.New("cannot start a chat with yourself")
	ErrEmptyMessage   = errors.New("message needs text or an image")
	ErrTextTooLong    = errors.New("message text is too long")
	ErrTextRejected   = errors.New("message text contains disallowed content")
)

// ThreadSummary is a thread plus its unread count for one side.
type ThreadSummary struct {
	Thread models.Thread `json:"thread"`
	Unread int64         `json:"unread"`
}

// IChatService defines the interface for messaging operations.
type IChatService interface {
	GetOrCreateThread(ctx context.Context, buyerID, listingID utils.SixID) (*models.Thread, error)
	GetOrCreateSupportThread(ctx context.Context, userID utils.SixID) (*models.Thread, error)
	FindThreadByID(ctx context.Context, threadID utils.SixID) (*models.Thread, error)
	ListThreads(ctx context.Context, userID utils.SixID) ([]ThreadSummary, error)

	SendMessage(ctx context.Context, threadID, senderID utils.SixID, text, imageURL string) (*models.Message, error)
	// SendSystemMessage injects a server-authored message (badge renewal
	// reminders and the like) from the admin side of a support thread.
	SendSystemMessage(ctx context.Context, threadID, senderID utils.SixID, text, action, url string) (*models.Message, error)
	// Broadcast delivers a support message to one user, or to every
	// non-admin account when targetUserID is nil. Returns the recipients
	// so the caller can follow up with email copies.
	Broadcast(ctx context.Context, targetUserID *utils.SixID, text string) ([]models.User, error)
	// PollMessages returns up to the configured batch of messages with
	// seq > afterSeq, ascending, text decrypted.
	PollMessages(ctx context.Context, threadID, userID utils.SixID, afterSeq int64) ([]models.Message, error)
	EditMessage(ctx context.Context, messageID, userID utils.SixID, newText string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID utils.SixID) error
	MarkThreadRead(ctx context.Context, threadID, userID utils.SixID) error

	// TotalUnread returns the user's unread count across all threads,
	// memoized briefly in the KV store.
	TotalUnread(ctx context.Context, userID utils.SixID) (int64, error)
	// RefreshUnread recomputes and re-caches the user's unread count.
	RefreshUnread(ctx context.Context, userID utils.SixID) (int64, error)
}

type chatService struct {
	db       *mongo.Database
	client   *mongo.Client
	store    cache.Store
	cfg      *config.Config
	cipher   *crypto.MessageCipher
	listings IListingService
}

// NewChatService creates a new ChatService.
func NewChatService(database *mongo.Database, client *mongo.Client, store cache.Store, cfg *config.Config, cipher *crypto.MessageCipher, listings IListingService) IChatService {
	return &chatService{
		db:       database,
		client:   client,
		store:    store,
		cfg:      cfg,
		cipher:   cipher,
		listings: listings,
	}
}

// GetOrCreateThread opens (or returns) the buyer's conversation about a
// listing. Sellers cannot message their own ads.
func (s *chatService) GetOrCreateThread(ctx context.Context, buyerID, listingID utils.SixID) (*models.Thread, error) {
	listing, err := s.listings.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.UserID == buyerID {
		return nil, ErrSelfChat
	}

	filter := bson.M{
		"type":       models.ThreadTypeListing,
		"listing_id": listingID,
		"buyer_id":   buyerID,
	}
	return s.getOrCreate(ctx, filter, models.ThreadTypeListing, &listingID, buyerID, listing.UserID)
}

// GetOrCreateSupportThread opens (or returns) the user's conversation
// with support. The user always sits on the buyer side.
func (s *chatService) GetOrCreateSupportThread(ctx context.Context, userID utils.SixID) (*models.Thread, error) {
	var admin models.User
	err := s.db.Collection(usersCollection).FindOne(ctx,
		bson.M{"is_admin": true, "deleted": false, "_id": bson.M{"$ne": userID}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	).Decode(&admin)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.New("no support agent available")
		}
		return nil, fmt.Errorf("error finding support agent: %w", err)
	}

	filter := bson.M{
		"type":       models.ThreadTypeSupport,
		"listing_id": nil,
		"buyer_id":   userID,
		"seller_id":  admin.ID,
	}
	return s.getOrCreate(ctx, filter, models.ThreadTypeSupport, nil, userID, admin.ID)
}

func (s *chatService) getOrCreate(ctx context.Context, filter bson.M, threadType models.ThreadType, listingID *utils.SixID, buyerID, sellerID utils.SixID) (*models.Thread, error) {
	collection := s.db.Collection(threadsCollection)

	var thread models.Thread
	err := collection.FindOne(ctx, filter).Decode(&thread)
	if err == nil {
		return &thread, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("error finding thread: %w", err)
	}

	now := time.Now().UTC()
	thread = models.Thread{
		Base:      models.Base{ID: utils.NewSixID()},
		Type:      threadType,
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		CreatedAt: now,
	}
	operation := func() error {
		thread.GenID()
		_, insertErr := collection.InsertOne(ctx, thread)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return &thread, nil
}

func (s *chatService) FindThreadByID(ctx context.Context, threadID utils.SixID) (*models.Thread, error) {
	var thread models.Thread
	err := s.db.Collection(threadsCollection).FindOne(ctx, bson.M{"_id": threadID}).Decode(&thread)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding thread %s: %w", threadID.String(), err)
	}
	return &thread, nil
}

// ListThreads returns the user's threads, most recently active first,
// each with its unread count.
func (s *chatService) ListThreads(ctx context.Context, userID utils.SixID) ([]ThreadSummary, error) {
	cursor, err := s.db.Collection(threadsCollection).Find(ctx,
		bson.M{"$or": []bson.M{{"buyer_id": userID}, {"seller_id": userID}}},
		options.Find().
			SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "created_at", Value: -1}}).
			SetLimit(200),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads for user %s: %w", userID.String(), err)
	}
	defer cursor.Close(ctx)

	var threads []models.Thread
	if err := cursor.All(ctx, &threads); err != nil {
		return nil, fmt.Errorf("failed to decode threads: %w", err)
	}

	summaries := make([]ThreadSummary, 0, len(threads))
	for _, thread := range threads {
		unread, err := s.unreadInThread(ctx, &thread, userID)
		if err != nil {
			log.Printf("Failed to count unread in thread %s: %v", thread.ID.String(), err)
			unread = 0
		}
		summaries = append(summaries, ThreadSummary{Thread: thread, Unread: unread})
	}
	return summaries, nil
}

// unreadInThread counts the other party's messages newer than the user's
// read marker; with no marker, all of the other party's messages count.
func (s *chatService) unreadInThread(ctx context.Context, thread *models.Thread, userID utils.SixID) (int64, error) {
	lastRead := thread.LastReadAt(userID)

	// Cheap skip: nothing has happened since the marker.
	if lastRead != nil && (thread.LastMessageAt == nil || !thread.LastMessageAt.After(*lastRead)) {
		return 0, nil
	}

	filter := bson.M{
		"thread_id": thread.ID,
		"sender_id": bson.M{"$ne": userID},
	}
	if lastRead != nil {
		filter["created_at"] = bson.M{"$gt": *lastRead}
	}
	return s.db.Collection(messagesCollection).CountDocuments(ctx, filter)
}

func validateMessageText(text string, maxLen int) error {
	if len([]rune(text)) > maxLen {
		return ErrTextTooLong
	}
	if security.HasInjectionPatterns(text) {
		return ErrTextRejected
	}
	return nil
}

// SendMessage appends a message to a thread the sender participates in.
// The seq assignment, message insert and thread bump happen in one
// transaction so pollers never observe a gap.
func (s *chatService) SendMessage(ctx context.Context, threadID, senderID utils.SixID, text, imageURL string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && imageURL == "" {
		return nil, ErrEmptyMessage
	}
	if text != "" {
		if err := validateMessageText(text, s.cfg.ChatMaxTextLength); err != nil {
			return nil, err
		}
	}
	return s.send(ctx, threadID, senderID, text, imageURL, "", "")
}

// SendSystemMessage bypasses text validation; the server is the author.
func (s *chatService) SendSystemMessage(ctx context.Context, threadID, senderID utils.SixID, text, action, url string) (*models.Message, error) {
	return s.send(ctx, threadID, senderID, text, "", action, url)
}

// Broadcast pushes text into the support thread of each target user.
// Failures on individual users are logged and skipped so one broken
// account cannot stall an announcement to everyone else.
func (s *chatService) Broadcast(ctx context.Context, targetUserID *utils.SixID, text string) ([]models.User, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if err := validateMessageText(text, s.cfg.ChatMaxTextLength); err != nil {
		return nil, err
	}

	filter := bson.M{"is_admin": false, "deleted": false}
	if targetUserID != nil {
		filter = bson.M{"_id": *targetUserID, "deleted": false}
	}
	cursor, err := s.db.Collection(usersCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcast targets: %w", err)
	}
	defer cursor.Close(ctx)

	var targets []models.User
	if err := cursor.All(ctx, &targets); err != nil {
		return nil, fmt.Errorf("failed to decode broadcast targets: %w", err)
	}

	var delivered []models.User
	for _, user := range targets {
		thread, err := s.GetOrCreateSupportThread(ctx, user.ID)
		if err != nil {
			log.Printf("Broadcast: no support thread for user %s: %v", user.ID.String(), err)
			continue
		}
		if _, err := s.SendSystemMessage(ctx, thread.ID, thread.SellerID, text, "", ""); err != nil {
			log.Printf("Broadcast: failed to message user %s: %v", user.ID.String(), err)
			continue
		}
		delivered = append(delivered, user)
	}
	return delivered, nil
}

func (s *chatService) send(ctx context.Context, threadID, senderID utils.SixID, text, imageURL, systemAction, systemURL string) (*models.Message, error) {
	thread, err := s.FindThreadByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if _, ok := thread.OtherParty(senderID); !ok {
		return nil, ErrNotParticipant
	}

	ciphertext, err := s.cipher.Encrypt(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	var message *models.Message
	err = db.WithTransaction(ctx, s.client, func(txCtx context.Context) error {
		// Claim the next seq atomically on the thread document.
		var updated models.Thread
		err := s.db.Collection(threadsCollection).FindOneAndUpdate(txCtx,
			bson.M{"_id": threadID},
			bson.M{"$inc": bson.M{"message_seq": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&updated)
		if err != nil {
			return fmt.Errorf("failed to claim message seq: %w", err)
		}

		now := time.Now().UTC()
		message = &models.Message{
			Base:         models.Base{ID: utils.NewSixID()},
			ThreadID:     threadID,
			SenderID:     senderID,
			Seq:          updated.MessageSeq,
			Ciphertext:   ciphertext,
			ImageURL:     imageURL,
			SystemAction: systemAction,
			SystemURL:    systemURL,
			CreatedAt:    now,
		}
		if _, err := s.db.Collection(messagesCollection).InsertOne(txCtx, message); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		_, err = s.db.Collection(threadsCollection).UpdateOne(txCtx,
			bson.M{"_id": threadID},
			bson.M{"$set": bson.M{"last_message_at": now}},
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	// The recipient's cached unread count is stale now.
	if recipient, ok := thread.OtherParty(senderID); ok {
		if err := s.store.Delete(ctx, unreadCacheKey(recipient)); err != nil {
			log.Printf("Failed to invalidate unread cache for user %s: %v", recipient.String(), err)
		}
	}

	message.Text = text
	return message, nil
}

// PollMessages is the client's catch-up call: everything after its
// cursor, oldest first, capped per batch.
func (s *chatService) PollMessages(ctx context.Context, threadID, userID utils.SixID, afterSeq int64) ([]models.Message, error) {
	thread, err := s.FindThreadByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if _, ok := thread.OtherParty(userID); !ok {
		return nil, ErrNotParticipant
	}

	cursor, err := s.db.Collection(messagesCollection).Find(ctx,
		bson.M{"thread_id": threadID, "seq": bson.M{"$gt": afterSeq}},
		options.Find().
			SetSort(bson.D{{Key: "seq", Value: 1}}).
			SetLimit(int64(s.cfg.ChatPollBatch)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to poll messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []models.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	for i := range messages {
		messages[i].Text = s.cipher.Decrypt(messages[i].Ciphertext)
	}
	return messages, nil
}

func (s *chatService) findOwnMessage(ctx context.Context, messageID, userID utils.SixID) (*models.Message, *models.Thread, error) {
	var message models.Message
	err := s.db.Collection(messagesCollection).FindOne(ctx, bson.M{"_id": messageID}).Decode(&message)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil, mongo.ErrNoDocuments
		}
		return nil, nil, fmt.Errorf("error finding message %s: %w", messageID.String(), err)
	}

	thread, err := s.FindThreadByID(ctx, message.ThreadID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := thread.OtherParty(userID); !ok {
		return nil, nil, ErrNotParticipant
	}
	if message.SenderID != userID {
		return nil, nil, ErrNotSender
	}
	return &message, thread, nil
}

// EditMessage replaces a message's text. Sender-only.
func (s *chatService) EditMessage(ctx context.Context, messageID, userID utils.SixID, newText string) (*models.Message, error) {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return nil, ErrEmptyMessage
	}
	if err := validateMessageText(newText, s.cfg.ChatMaxTextLength); err != nil {
		return nil, err
	}

	message, _, err := s.findOwnMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	ciphertext, err := s.cipher.Encrypt(newText)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Collection(messagesCollection).UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{"ciphertext": ciphertext, "edited_at": now}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to edit message %s: %w", messageID.String(), err)
	}

	message.Ciphertext = ciphertext
	message.Text = newText
	message.EditedAt = &now
	return message, nil
}

// DeleteMessage removes a message (sender-only) and recomputes the
// thread's last_message_at from what remains.
func (s *chatService) DeleteMessage(ctx context.Context, messageID, userID utils.SixID) error {
	message, thread, err := s.findOwnMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}

	return db.WithTransaction(ctx, s.client, func(txCtx context.Context) error {
		if _, err := s.db.Collection(messagesCollection).DeleteOne(txCtx, bson.M{"_id": message.ID}); err != nil {
			return fmt.Errorf("failed to delete message %s: %w", message.ID.String(), err)
		}

		var last models.Message
		err := s.db.Collection(messagesCollection).FindOne(txCtx,
			bson.M{"thread_id": thread.ID},
			options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
		).Decode(&last)

		var lastAt interface{}
		switch {
		case err == nil:
			lastAt = last.CreatedAt
		case errors.Is(err, mongo.ErrNoDocuments):
			lastAt = nil
		default:
			return fmt.Errorf("failed to find last message in thread %s: %w", thread.ID.String(), err)
		}

		_, err = s.db.Collection(threadsCollection).UpdateOne(txCtx,
			bson.M{"_id": thread.ID},
			bson.M{"$set": bson.M{"last_message_at": lastAt}},
		)
		return err
	})
}

// MarkThreadRead moves the caller's read marker to now.
func (s *chatService) MarkThreadRead(ctx context.Context, threadID, userID utils.SixID) error {
	thread, err := s.FindThreadByID(ctx, threadID)
	if err != nil {
		return err
	}

	var field string
	switch userID {
	case thread.BuyerID:
		field = "buyer_last_read_at"
	case thread.SellerID:
		field = "seller_last_read_at"
	default:
		return ErrNotParticipant
	}

	_, err = s.db.Collection(threadsCollection).UpdateOne(ctx,
		bson.M{"_id": threadID},
		bson.M{"$set": bson.M{field: time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark thread %s read: %w", threadID.String(), err)
	}
	return s.store.Delete(ctx, unreadCacheKey(userID))
}

func unreadCacheKey(userID utils.SixID) string {
	return "unread_total:" + userID.String()
}

// TotalUnread serves the header badge. The memo keeps a burst of page
// loads from re-counting every thread.
func (s *chatService) TotalUnread(ctx context.Context, userID utils.SixID) (int64, error) {
	if raw, err := s.store.Get(ctx, unreadCacheKey(userID)); err == nil {
		if count, parseErr := strconv.ParseInt(string(raw), 10, 64); parseErr == nil {
			return count, nil
		}
	}
	return s.RefreshUnread(ctx, userID)
}

func (s *chatService) RefreshUnread(ctx context.Context, userID utils.SixID) (int64, error) {
	summaries, err := s.ListThreads(ctx, userID)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, summary := range summaries {
		total += summary.Unread
	}

	raw := []byte(strconv.FormatInt(total, 10))
	if err := s.store.Set(ctx, unreadCacheKey(userID), raw, s.cfg.UnreadCacheTTL); err != nil {
		log.Printf("Failed to cache unread count for user %s: %v", userID.String(), err)
	}
	return total, nil
}
