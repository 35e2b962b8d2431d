package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"

	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/email"
	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/storage"
	"github.com/vladmelevich/uzmat/internal/telegram"
	"github.com/vladmelevich/uzmat/internal/utils"
)

// Task types handled by the background worker.
const (
	TypeViewIncrement  = "listing:view:increment"
	TypeBumpSweep      = "listing:bump:sweep"
	TypeUnreadRefresh  = "chat:unread:refresh"
	TypeAnnounce       = "listing:announce"
	TypeImageNormalize = "image:normalize"
	TypeEmailDelivery  = "email:deliver"
)

// ViewIncrementPayload advances a listing's view counter.
type ViewIncrementPayload struct {
	ListingID string `json:"listing_id"`
}

// UnreadRefreshPayload recomputes one user's unread total.
type UnreadRefreshPayload struct {
	UserID string `json:"user_id"`
}

// AnnouncePayload posts a listing to the Telegram channel.
type AnnouncePayload struct {
	ListingID string `json:"listing_id"`
}

// ImageNormalizePayload downscales and re-encodes an uploaded image in
// place. The public URL stays stable because the key does not change.
type ImageNormalizePayload struct {
	S3Key       string `json:"s3_key"`
	ContentType string `json:"content_type"`
}

// EmailPayload delivers one of the notification emails by kind.
type EmailPayload struct {
	To           string `json:"to"`
	Kind         string `json:"kind"` // welcome | new_message | badge_expiry | verification
	Name         string `json:"name,omitempty"`
	SenderName   string `json:"sender_name,omitempty"`
	ListingTitle string `json:"listing_title,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"` // RFC3339
	Approved     bool   `json:"approved,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Dispatcher enqueues background work. The asynq-backed implementation
// is used in production; tests swap in a synchronous one.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskType string, payload interface{}) error
}

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	})
}

// queueFor routes tasks: image crunching gets its own queue, the sweep
// runs at low priority, everything else is default.
func queueFor(taskType string) string {
	switch taskType {
	case TypeImageNormalize:
		return "images"
	case TypeBumpSweep:
		return "low"
	default:
		return "default"
	}
}

type asynqDispatcher struct {
	client *asynq.Client
}

func NewDispatcher(client *asynq.Client) Dispatcher {
	return &asynqDispatcher{client: client}
}

func (d *asynqDispatcher) Dispatch(_ context.Context, taskType string, payload interface{}) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", taskType, err)
		}
	}
	_, err := d.client.Enqueue(asynq.NewTask(taskType, data), asynq.Queue(queueFor(taskType)))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return nil
}

// SyncDispatcher runs handlers inline instead of enqueuing. Test-only.
type SyncDispatcher struct {
	Processor *TaskProcessor
}

func (d *SyncDispatcher) Dispatch(ctx context.Context, taskType string, payload interface{}) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	task := asynq.NewTask(taskType, data)
	switch taskType {
	case TypeViewIncrement:
		return d.Processor.HandleViewIncrementTask(ctx, task)
	case TypeBumpSweep:
		return d.Processor.HandleBumpSweepTask(ctx, task)
	case TypeUnreadRefresh:
		return d.Processor.HandleUnreadRefreshTask(ctx, task)
	case TypeAnnounce:
		return d.Processor.HandleAnnounceTask(ctx, task)
	case TypeImageNormalize:
		return d.Processor.HandleImageNormalizeTask(ctx, task)
	case TypeEmailDelivery:
		return d.Processor.HandleEmailDeliveryTask(ctx, task)
	default:
		return fmt.Errorf("unknown task type %s", taskType)
	}
}

// --- Task Server (Processing tasks) ---

// TaskProcessor holds the dependencies the task handlers need.
type TaskProcessor struct {
	cfg            *config.Config
	emailSender    email.Sender
	storageService storage.IS3Storage
	listingService services.IListingService
	rankingService services.IRankingService
	chatService    services.IChatService
	notifier       telegram.INotifier
}

func NewTaskProcessor(
	cfg *config.Config,
	emailSender email.Sender,
	storageService storage.IS3Storage,
	listingService services.IListingService,
	rankingService services.IRankingService,
	chatService services.IChatService,
	notifier telegram.INotifier,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:            cfg,
		emailSender:    emailSender,
		storageService: storageService,
		listingService: listingService,
		rankingService: rankingService,
		chatService:    chatService,
		notifier:       notifier,
	}
}

// SetupServer builds an Asynq server and the mux with the handlers the
// requested worker roles need. The caller runs and shuts it down.
// Returns nil when neither role is requested.
func SetupServer(rdb *redis.Client, processor *TaskProcessor, isImageWorker bool, isBgWorker bool) (*asynq.Server, *asynq.ServeMux) {
	serverOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
				"images":   5,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	if isBgWorker {
		mux.HandleFunc(TypeViewIncrement, processor.HandleViewIncrementTask)
		mux.HandleFunc(TypeBumpSweep, processor.HandleBumpSweepTask)
		mux.HandleFunc(TypeUnreadRefresh, processor.HandleUnreadRefreshTask)
		mux.HandleFunc(TypeAnnounce, processor.HandleAnnounceTask)
		mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
		log.Println("Registered background task handlers.")
	}

	if isImageWorker {
		mux.HandleFunc(TypeImageNormalize, processor.HandleImageNormalizeTask)
		log.Println("Registered image processing task handlers.")
	}

	if !isBgWorker && !isImageWorker {
		log.Println("Running in API mode, no task server started.")
		return nil, nil
	}

	return srv, mux
}

// --- Task Handlers ---

func (p *TaskProcessor) HandleViewIncrementTask(ctx context.Context, t *asynq.Task) error {
	var payload ViewIncrementPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal view task payload: %v: %w", err, asynq.SkipRetry)
	}
	listingID, err := utils.ParseSixID(payload.ListingID)
	if err != nil {
		return fmt.Errorf("invalid listing ID in payload: %w", asynq.SkipRetry)
	}
	return p.listingService.IncrementViews(ctx, listingID)
}

func (p *TaskProcessor) HandleBumpSweepTask(ctx context.Context, t *asynq.Task) error {
	bumped, err := p.rankingService.RunBumpSweep(ctx)
	if err != nil {
		return fmt.Errorf("bump sweep failed: %w", err)
	}
	if bumped > 0 {
		log.Printf("Bump sweep refreshed %d listings", bumped)
	}
	return nil
}

func (p *TaskProcessor) HandleUnreadRefreshTask(ctx context.Context, t *asynq.Task) error {
	var payload UnreadRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal unread task payload: %v: %w", err, asynq.SkipRetry)
	}
	userID, err := utils.ParseSixID(payload.UserID)
	if err != nil {
		return fmt.Errorf("invalid user ID in payload: %w", asynq.SkipRetry)
	}
	_, err = p.chatService.RefreshUnread(ctx, userID)
	return err
}

func (p *TaskProcessor) HandleAnnounceTask(ctx context.Context, t *asynq.Task) error {
	var payload AnnouncePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal announce task payload: %v: %w", err, asynq.SkipRetry)
	}
	listingID, err := utils.ParseSixID(payload.ListingID)
	if err != nil {
		return fmt.Errorf("invalid listing ID in payload: %w", asynq.SkipRetry)
	}

	listing, err := p.listingService.FindListingByID(ctx, listingID)
	if err != nil {
		// Deleted before the announcement went out; nothing to do.
		return fmt.Errorf("listing %s not found: %w", payload.ListingID, asynq.SkipRetry)
	}
	return p.notifier.AnnounceListing(ctx, listing)
}

func (p *TaskProcessor) HandleImageNormalizeTask(ctx context.Context, t *asynq.Task) error {
	var payload ImageNormalizePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal image task payload: %v: %w", err, asynq.SkipRetry)
	}

	data, err := p.storageService.GetObject(ctx, payload.S3Key)
	if err != nil {
		return fmt.Errorf("failed to download image %s: %w", payload.S3Key, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Printf("Image %s is not decodable (%v), leaving as uploaded", payload.S3Key, err)
		return fmt.Errorf("unsupported image format: %w", asynq.SkipRetry)
	}

	maxDim := p.cfg.ImageMaxDimension
	if img.Bounds().Dx() <= maxDim && img.Bounds().Dy() <= maxDim {
		return nil
	}

	resized := resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return fmt.Errorf("failed to re-encode image %s: %w", payload.S3Key, err)
	}
	log.Printf("Normalized image %s (%s %dx%d -> %dx%d)", payload.S3Key, format,
		img.Bounds().Dx(), img.Bounds().Dy(), resized.Bounds().Dx(), resized.Bounds().Dy())

	if err := p.storageService.PutObject(ctx, payload.S3Key, "image/jpeg", buf.Bytes()); err != nil {
		return fmt.Errorf("failed to upload normalized image %s: %w", payload.S3Key, err)
	}
	return nil
}

func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}

	from := p.cfg.SmtpFromAddress
	var subject string
	var raw []byte

	switch payload.Kind {
	case "welcome":
		subject, raw = email.ComposeWelcome(from, payload.To, payload.Name)
	case "new_message":
		subject, raw = email.ComposeNewMessageNotification(from, payload.To, payload.SenderName, payload.ListingTitle)
	case "badge_expiry":
		expiresAt, err := time.Parse(time.RFC3339, payload.ExpiresAt)
		if err != nil {
			return fmt.Errorf("invalid expires_at in payload: %w", asynq.SkipRetry)
		}
		subject, raw = email.ComposeBadgeExpiryReminder(from, payload.To, expiresAt)
	case "verification":
		subject, raw = email.ComposeVerificationDecision(from, payload.To, payload.Approved, payload.Reason)
	default:
		return fmt.Errorf("unknown email kind %q: %w", payload.Kind, asynq.SkipRetry)
	}

	if err := p.emailSender.Send(ctx, []string{payload.To}, subject, raw); err != nil {
		return fmt.Errorf("email delivery to %s failed: %w", payload.To, err)
	}
	return nil
}
