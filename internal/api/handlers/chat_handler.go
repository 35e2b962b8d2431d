package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vladmelevich/uzmat/internal/api/middleware"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/security"
	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/storage"
	"github.com/vladmelevich/uzmat/internal/tasks"
	"github.com/vladmelevich/uzmat/internal/utils"
)

// ChatHandler handles the messaging endpoints.
type ChatHandler struct {
	chatService         services.IChatService
	userService         services.IUserService
	verificationService services.IVerificationService
	storageService      storage.IS3Storage
	dispatcher          tasks.Dispatcher
	cfg                 *config.Config
}

func NewChatHandler(
	chatService services.IChatService,
	userService services.IUserService,
	verificationService services.IVerificationService,
	storageService storage.IS3Storage,
	dispatcher tasks.Dispatcher,
	cfg *config.Config,
) *ChatHandler {
	return &ChatHandler{
		chatService:         chatService,
		userService:         userService,
		verificationService: verificationService,
		storageService:      storageService,
		dispatcher:          dispatcher,
		cfg:                 cfg,
	}
}

// ListThreads handles GET /v1/chats. Visiting the chats page is also
// when the badge expiry reminder gets a chance to fire.
func (h *ChatHandler) ListThreads(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	if err := h.verificationService.SendBadgeExpiryReminder(c.Request.Context(), userID); err != nil {
		log.Printf("Badge expiry reminder for %s failed: %v", userID, err)
	}

	threads, err := h.chatService.ListThreads(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load chats"})
		return
	}
	c.JSON(http.StatusOK, threads)
}

// OpenThread handles POST /v1/chats/listing/:id
func (h *ChatHandler) OpenThread(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	thread, err := h.chatService.GetOrCreateThread(c.Request.Context(), userID, listingID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSelfChat):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot open a chat on your own listing"})
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open chat"})
		}
		return
	}
	c.JSON(http.StatusOK, thread)
}

// OpenSupportThread handles POST /v1/chats/support
func (h *ChatHandler) OpenSupportThread(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	thread, err := h.chatService.GetOrCreateSupportThread(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Support is unavailable right now"})
		return
	}
	c.JSON(http.StatusOK, thread)
}

// SendMessage handles POST /v1/chats/:id/messages. Accepts JSON with a
// text field, or multipart form data with text and/or an image file.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, threadID, ok := h.authedThread(c)
	if !ok {
		return
	}

	var text, imageURL string
	if fh, err := c.FormFile("image"); err == nil {
		if err := security.ValidateImageUpload(fh, h.cfg.ChatImageMaxBytes); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		file, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image"})
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image"})
			return
		}
		imageURL, _, err = h.storageService.UploadImage(c.Request.Context(), "chat", fh.Filename, fh.Header.Get("Content-Type"), data)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store image"})
			return
		}
		text = c.PostForm("text")
	} else {
		var req struct {
			Text string `json:"text"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		text = req.Text
	}

	message, err := h.chatService.SendMessage(c.Request.Context(), threadID, userID, text, imageURL)
	if err != nil {
		h.writeChatError(c, err)
		return
	}

	h.notifyRecipient(c, threadID, userID)
	c.JSON(http.StatusCreated, message)
}

// notifyRecipient refreshes the other party's unread counter and, if
// their preferences allow, queues a new-message email.
func (h *ChatHandler) notifyRecipient(c *gin.Context, threadID, senderID utils.SixID) {
	ctx := c.Request.Context()
	thread, err := h.chatService.FindThreadByID(ctx, threadID)
	if err != nil {
		return
	}
	recipientID, ok := thread.OtherParty(senderID)
	if !ok {
		return
	}

	payload := tasks.UnreadRefreshPayload{UserID: recipientID.String()}
	if err := h.dispatcher.Dispatch(ctx, tasks.TypeUnreadRefresh, payload); err != nil {
		log.Printf("Failed to dispatch unread refresh for %s: %v", recipientID, err)
	}

	recipient, err := h.userService.FindUserByID(ctx, recipientID)
	if err != nil {
		return
	}
	if recipient.NotificationPreferences != nil && !recipient.NotificationPreferences.NewMessage {
		return
	}
	sender, err := h.userService.FindUserByID(ctx, senderID)
	if err != nil {
		return
	}
	emailPayload := tasks.EmailPayload{
		To:         recipient.Email,
		Kind:       "new_message",
		SenderName: sender.Name,
	}
	if err := h.dispatcher.Dispatch(ctx, tasks.TypeEmailDelivery, emailPayload); err != nil {
		log.Printf("Failed to dispatch new-message email for %s: %v", recipient.Email, err)
	}
}

// PollMessages handles GET /v1/chats/:id/messages?after_seq=N
func (h *ChatHandler) PollMessages(c *gin.Context) {
	userID, threadID, ok := h.authedThread(c)
	if !ok {
		return
	}

	afterSeq, err := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	if err != nil || afterSeq < 0 {
		afterSeq = 0
	}

	messages, err := h.chatService.PollMessages(c.Request.Context(), threadID, userID, afterSeq)
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// EditMessage handles PUT /v1/messages/:id
func (h *ChatHandler) EditMessage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	messageID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message ID format"})
		return
	}

	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	message, err := h.chatService.EditMessage(c.Request.Context(), messageID, userID, req.Text)
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

// DeleteMessage handles DELETE /v1/messages/:id
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	messageID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message ID format"})
		return
	}

	if err := h.chatService.DeleteMessage(c.Request.Context(), messageID, userID); err != nil {
		h.writeChatError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead handles POST /v1/chats/:id/read
func (h *ChatHandler) MarkRead(c *gin.Context) {
	userID, threadID, ok := h.authedThread(c)
	if !ok {
		return
	}
	if err := h.chatService.MarkThreadRead(c.Request.Context(), threadID, userID); err != nil {
		h.writeChatError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UnreadTotal handles GET /v1/chats/unread
func (h *ChatHandler) UnreadTotal(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	unread, err := h.chatService.TotalUnread(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch unread count"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread})
}

func (h *ChatHandler) authedThread(c *gin.Context) (utils.SixID, utils.SixID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return utils.SixID{}, utils.SixID{}, false
	}
	threadID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chat ID format"})
		return utils.SixID{}, utils.SixID{}, false
	}
	return userID, threadID, true
}

func (h *ChatHandler) writeChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotParticipant), errors.Is(err, services.ErrNotSender):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not allowed"})
	case errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrTextTooLong),
		errors.Is(err, services.ErrTextRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, mongo.ErrNoDocuments):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Chat operation failed"})
	}
}
