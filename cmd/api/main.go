package main

import (
	"fmt"
	"log"

	"github.com/coursehub/backend/internal/config"
	"github.com/coursehub/backend/internal/database"
	"github.com/coursehub/backend/internal/database/migrations"
	"github.com/coursehub/backend/internal/handlers"
	"github.com/coursehub/backend/internal/jobs"
	"github.com/coursehub/backend/internal/routes"
	"github.com/coursehub/backend/internal/services/catalog"
	"github.com/coursehub/backend/internal/services/entitlement"
	"github.com/coursehub/backend/internal/services/payment/providers/razorpay"
	"github.com/coursehub/backend/internal/services/plan"
	"github.com/coursehub/backend/internal/services/subscription"
	"github.com/coursehub/backend/internal/services/webhook"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	cfg := config.LoadConfig()

	// Setup database connection
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	if err := migrations.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize gateway and services
	gateway := razorpay.NewRazorpayProvider(razorpay.RazorpayConfig{
		KeyID:         cfg.Razorpay.KeyID,
		KeySecret:     cfg.Razorpay.KeySecret,
		WebhookSecret: cfg.Razorpay.WebhookSecret,
		BaseURL:       cfg.Razorpay.BaseURL,
	})
	catalogSvc := catalog.NewCatalogService(db)
	entitlementSvc := entitlement.NewEntitlementService(db, catalogSvc)
	subscriptionSvc := subscription.NewSubscriptionService(db, gateway, entitlementSvc, catalogSvc)
	planSvc := plan.NewPlanService(db, gateway, catalogSvc, subscriptionSvc)
	reconciler := webhook.NewReconciler(db, subscriptionSvc)

	// Initialize router
	router := gin.Default()

	// Configure CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Register routes
	routes.RegisterRoutes(router, routes.Handlers{
		Plans:         handlers.NewPlanHandler(planSvc),
		Subscriptions: handlers.NewSubscriptionHandler(subscriptionSvc),
		Access:        handlers.NewAccessHandler(entitlementSvc),
		Webhooks:      handlers.NewWebhookHandler(gateway, reconciler, cfg.PlayStore.WebhookSecret),
	})

	// Start the background sweeps
	scheduler := jobs.NewScheduler(subscriptionSvc)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start job scheduler: %v", err)
	}
	defer scheduler.Stop()

	// Start server
	fmt.Printf("CourseHub API server running on port %s\n", cfg.Server.Port)
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
