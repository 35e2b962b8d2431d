package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vladmelevich/uzmat/internal/api/handlers"
	"github.com/vladmelevich/uzmat/internal/api/middleware"
	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/crypto"
	"github.com/vladmelevich/uzmat/internal/currency"
	"github.com/vladmelevich/uzmat/internal/email"
	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/storage"
	"github.com/vladmelevich/uzmat/internal/tasks"
)

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, db *mongo.Database, client *mongo.Client, rdb *redis.Client, dispatcher tasks.Dispatcher, emailSender email.Sender) *gin.Engine {
	store := cache.NewRedisStore(rdb)

	cipher, err := crypto.NewMessageCipher(cfg.ChatSecretKey)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to initialize message cipher: %v", err)
	}
	s3StorageService, err := storage.NewS3Storage(cfg)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to initialize S3 storage for API: %v", err)
	}

	converter := currency.NewConverter(store, cfg.RatesURL, cfg.VerificationPriceUSD, cfg.RatesCacheTTL)
	userService := services.NewUserService(db, cfg, emailSender)
	listingService := services.NewListingService(db, store, cfg)
	rankingService := services.NewRankingService(db, store, cfg)
	chatService := services.NewChatService(db, client, store, cfg, cipher, listingService)
	verificationService := services.NewVerificationService(db, client, cfg, chatService, emailSender)
	paymentService := services.NewPaymentService(store, cfg, converter, listingService, verificationService)

	r := gin.Default()

	rateLimiter := middleware.NewRateLimiterMiddleware(cfg)
	r.Use(middleware.CORSMiddleware(cfg.SiteURL))
	r.Use(rateLimiter.Limit())

	authHandler := handlers.NewAuthHandler(userService)
	homeHandler := handlers.NewHomeHandler(rankingService, dispatcher)
	listingHandler := handlers.NewListingHandler(listingService, s3StorageService, dispatcher, cfg)
	chatHandler := handlers.NewChatHandler(chatService, userService, verificationService, s3StorageService, dispatcher, cfg)
	paymentHandler := handlers.NewPaymentHandler(paymentService)
	userHandler := handlers.NewUserHandler(userService, converter)
	adminHandler := handlers.NewAdminHandler(verificationService, chatService, dispatcher)

	v1 := r.Group("/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Public routes
		v1.GET("/home", homeHandler.Home)
		v1.GET("/listings", listingHandler.Search)
		v1.GET("/listings/:slug", listingHandler.GetBySlug)
		v1.GET("/cities", listingHandler.Cities)
		v1.GET("/pricing", userHandler.Pricing)

		v1.POST("/auth/register", authHandler.Register)
		v1.POST("/auth/login", authHandler.Login)

		// Click calls this server to server; it authenticates with its
		// request signature, not a JWT.
		v1.POST("/payments/click", paymentHandler.ClickWebhook)

		authRequired := v1.Group("/")
		authRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret))
		{
			authRequired.GET("/me", userHandler.Me)
			authRequired.PUT("/me", userHandler.UpdateMe)

			authRequired.POST("/listings", listingHandler.Create)
			authRequired.GET("/my/listings", listingHandler.MyListings)
			authRequired.PUT("/listings/:id", listingHandler.Update)
			authRequired.PUT("/listings/:id/active", listingHandler.SetActive)
			authRequired.DELETE("/listings/:id", listingHandler.Delete)
			authRequired.POST("/listings/:id/images", listingHandler.UploadImage)
			authRequired.POST("/listings/:id/promote", paymentHandler.InitiatePromotion)

			authRequired.GET("/favorites", listingHandler.ListFavorites)
			authRequired.PUT("/favorites/:id", listingHandler.AddFavorite)
			authRequired.DELETE("/favorites/:id", listingHandler.RemoveFavorite)

			authRequired.GET("/chats", chatHandler.ListThreads)
			authRequired.GET("/chats/unread", chatHandler.UnreadTotal)
			authRequired.POST("/chats/support", chatHandler.OpenSupportThread)
			authRequired.POST("/chats/listing/:id", chatHandler.OpenThread)
			authRequired.POST("/chats/:id/messages", chatHandler.SendMessage)
			authRequired.GET("/chats/:id/messages", chatHandler.PollMessages)
			authRequired.POST("/chats/:id/read", chatHandler.MarkRead)
			authRequired.PUT("/messages/:id", chatHandler.EditMessage)
			authRequired.DELETE("/messages/:id", chatHandler.DeleteMessage)

			authRequired.POST("/verification/initiate", paymentHandler.InitiateVerification)
		}

		adminRequired := v1.Group("/admin")
		adminRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.AdminMiddleware())
		{
			adminRequired.GET("/verification", adminHandler.ListVerificationRequests)
			adminRequired.POST("/verification/:id/decide", adminHandler.DecideVerificationRequest)
			adminRequired.POST("/broadcast", adminHandler.Broadcast)
		}
	}

	return r
}

// SetupServiceRouter configures and returns the internal service engine.
// It serves health checks and a remote shutdown hook on a separate port.
func SetupServiceRouter(cfg *config.Config, rdb *redis.Client, shutdownChan chan<- struct{}) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/api", func(c *gin.Context) {
		var req struct {
			Method    string          `json:"method"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format"})
			return
		}

		switch req.Method {
		case "shutdown":
			fmt.Println("Received shutdown command via Service API")
			c.JSON(http.StatusOK, gin.H{"success": true, "result": "Shutdown initiated"})
			select {
			case shutdownChan <- struct{}{}:
				fmt.Println("Shutdown signal sent successfully.")
			default:
				fmt.Println("Shutdown channel already signaled or blocked.")
			}
		default:
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Unknown service method: %s", req.Method)})
		}
	})
	return r
}
