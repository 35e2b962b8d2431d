package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vladmelevich/uzmat/internal/api"
	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/crypto"
	"github.com/vladmelevich/uzmat/internal/db"
	"github.com/vladmelevich/uzmat/internal/email"
	"github.com/vladmelevich/uzmat/internal/services"
	"github.com/vladmelevich/uzmat/internal/storage"
	"github.com/vladmelevich/uzmat/internal/tasks"
	"github.com/vladmelevich/uzmat/internal/telegram"
)

var runMode = flag.String("m", "all", "Run mode: 'api', 'bg' (background tasks), 'img' (image processing), 'all' (default)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*runMode)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	mongoClient, mongoDb, err := db.ConnectDB(cfg.MongoURI, cfg.MongoDbName)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.DisconnectDB(mongoClient); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureIndexes(indexCtx, mongoDb); err != nil {
		cancelIndexes()
		log.Fatalf("Failed to ensure database indexes: %v", err)
	}
	cancelIndexes()

	redisClient, err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := cache.DisconnectRedis(redisClient); err != nil {
			log.Printf("Error disconnecting from Redis: %v", err)
		}
	}()

	// Email sender. MOCK_SERVICES swaps SMTP for the Redis capture used
	// by the end-to-end test harness.
	var primaryEmailSender email.Sender
	if os.Getenv("MOCK_SERVICES") == "true" {
		log.Println("MOCK_SERVICES enabled: Using Redis email sender.")
		primaryEmailSender = email.NewRedisSender(redisClient, cfg)
	} else {
		primaryEmailSender = email.NewSMTPSender(cfg)
	}
	compositeSender := email.NewCompositeEmailSender(primaryEmailSender)
	if logEmailsPath := os.Getenv("LOG_EMAILS"); logEmailsPath != "" {
		fileSender, err := email.NewFileEmailSender(logEmailsPath, cfg)
		if err != nil {
			log.Printf("WARNING: Failed to initialize file email sender (LOG_EMAILS='%s'): %v", logEmailsPath, err)
		} else {
			compositeSender.AddSender(fileSender)
		}
	}
	emailSender := email.Sender(compositeSender)

	// Dependencies for the task processor. The API router builds its own
	// service set internally.
	store := cache.NewRedisStore(redisClient)
	cipher, err := crypto.NewMessageCipher(cfg.ChatSecretKey)
	if err != nil {
		log.Fatalf("Failed to initialize message cipher: %v", err)
	}
	s3StorageService, err := storage.NewS3Storage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize S3 storage: %v", err)
	}
	notifier, err := telegram.NewNotifier(cfg.TelegramEnabled, cfg.TelegramBotToken, cfg.TelegramChannelID, cfg.SiteURL)
	if err != nil {
		log.Fatalf("Failed to initialize Telegram notifier: %v", err)
	}

	listingService := services.NewListingService(mongoDb, store, cfg)
	rankingService := services.NewRankingService(mongoDb, store, cfg)
	chatService := services.NewChatService(mongoDb, mongoClient, store, cfg, cipher, listingService)

	taskClient := tasks.NewClient(redisClient)
	defer taskClient.Close()
	dispatcher := tasks.NewDispatcher(taskClient)

	taskProcessor := tasks.NewTaskProcessor(cfg, emailSender, s3StorageService, listingService, rankingService, chatService, notifier)

	var wg sync.WaitGroup
	shutdownChan := make(chan struct{}, 1)

	// Service API always runs.
	serviceRouter := api.SetupServiceRouter(cfg, redisClient, shutdownChan)
	serviceSrv := &http.Server{
		Addr:    ":" + cfg.ServiceApiPort,
		Handler: serviceRouter,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		fmt.Printf("Service API listening on :%s\n", cfg.ServiceApiPort)
		if err := serviceSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Service API ListenAndServe error: %v", err)
		}
	}()

	var mainApiSrv *http.Server
	var backgroundTaskSrv *asynq.Server
	var imageTaskSrv *asynq.Server

	fmt.Printf("Starting application in '%s' mode...\n", cfg.RunMode)

	apiMode := func() {
		mainApiRouter := api.SetupRouter(cfg, mongoDb, mongoClient, redisClient, dispatcher, emailSender)
		mainApiSrv = &http.Server{
			Addr:    ":" + cfg.ApiPort,
			Handler: mainApiRouter,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fmt.Printf("Main API listening on :%s\n", cfg.ApiPort)
			if err := mainApiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Main API ListenAndServe error: %v", err)
			}
		}()
	}

	bgMode := func() {
		srv, mux := tasks.SetupServer(redisClient, taskProcessor, false, true)
		if srv == nil {
			return
		}
		backgroundTaskSrv = srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			fmt.Println("Background task server starting...")
			if err := srv.Run(mux); err != nil {
				log.Fatalf("Background task server error: %v", err)
			}
		}()
	}

	imgMode := func() {
		srv, mux := tasks.SetupServer(redisClient, taskProcessor, true, false)
		if srv == nil {
			return
		}
		imageTaskSrv = srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			fmt.Println("Image processing server starting...")
			if err := srv.Run(mux); err != nil {
				log.Fatalf("Image processing server error: %v", err)
			}
		}()
	}

	switch cfg.RunMode {
	case "api":
		apiMode()
	case "bg":
		bgMode()
	case "img":
		imgMode()
	case "all":
		apiMode()
		bgMode()
		imgMode()
	default:
		log.Fatalf("Invalid run mode specified in config: %s.", cfg.RunMode)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived signal: %s. Shutting down gracefully...\n", sig)
	case <-shutdownChan:
		fmt.Println("\nShutdown requested via Service API. Shutting down gracefully...")
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := serviceSrv.Shutdown(ctxShutdown); err != nil {
		log.Printf("Service API server shutdown error: %v", err)
	}
	if mainApiSrv != nil {
		if err := mainApiSrv.Shutdown(ctxShutdown); err != nil {
			log.Printf("Main API server shutdown error: %v", err)
		}
	}
	if backgroundTaskSrv != nil {
		backgroundTaskSrv.Shutdown()
	}
	if imageTaskSrv != nil {
		imageTaskSrv.Shutdown()
	}

	wg.Wait()
	fmt.Println("Server gracefully stopped")
}
