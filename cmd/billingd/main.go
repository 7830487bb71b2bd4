package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/cmehub/billing/internal/pkg/bootstrap"
	"github.com/cmehub/billing/internal/pkg/env"
	"github.com/cmehub/billing/internal/pkg/middleware"
	"github.com/cmehub/billing/internal/pkg/router"
)

func main() {
	rt, err := bootstrap.Setup()
	if err != nil {
		log.Fatalf("billingd: %v", err)
	}

	if n, err := rt.Queue.RecoverStuck(context.Background(), env.GetDuration("JOB_STUCK_AFTER", 10*time.Minute)); err != nil {
		log.Printf("billingd: recover stuck jobs: %v", err)
	} else if n > 0 {
		log.Printf("billingd: requeued %d stuck jobs", n)
	}

	if env.GetBool("JOBS_ENABLED", true) {
		if err := rt.Manager.Start(); err != nil {
			log.Fatalf("billingd: start jobs: %v", err)
		}
		defer rt.Manager.Stop()
	}

	app := NewApplication(rt)

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Printf("billingd: listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("billingd: shutting down")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Printf("billingd: shutdown: %v", err)
	}
}

func NewApplication(rt *bootstrap.Runtime) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "billingd",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	var manager = rt.Manager
	if !env.GetBool("JOBS_ENABLED", true) {
		manager = nil
	}

	router.InstallRouter(app, router.Dependencies{
		DB:            rt.DB,
		Redis:         rt.Redis,
		Service:       rt.Service,
		Repos:         rt.Repos,
		Manager:       manager,
		WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		Admin:         middleware.AdminConfigFromEnv(),
	})

	return app
}
