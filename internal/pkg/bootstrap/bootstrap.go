package bootstrap

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/billing"
	"github.com/cmehub/billing/internal/pkg/cache"
	"github.com/cmehub/billing/internal/pkg/database"
	"github.com/cmehub/billing/internal/pkg/env"
	"github.com/cmehub/billing/internal/pkg/gateway"
	"github.com/cmehub/billing/internal/pkg/jobqueue"
	"github.com/cmehub/billing/internal/pkg/mail"
	"github.com/cmehub/billing/internal/pkg/metrics"
)

const queueRetryDelay = time.Minute

// Runtime is the fully wired billing service shared by the server and the
// job CLI.
type Runtime struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Repos    *repository.Repositories
	Gateway  gateway.Gateway
	Service  *billing.Service
	Runner   *billing.JobRunner
	Queue    *jobqueue.Queue
	Manager  *jobqueue.Manager
	Notifier *mail.Notifier
}

// Setup loads the environment, opens MySQL and redis and wires the billing
// service, its job runner and the job queue.
func Setup() (*Runtime, error) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	return Wire(database.GetDB(), cache.GetClient())
}

// Wire builds the runtime over already opened stores.
func Wire(db *gorm.DB, client *redis.Client) (*Runtime, error) {
	gw, err := gateway.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	repository.InitializeFactory(db)
	repos := repository.NewRepositories(db)
	cfg := billing.ConfigFromEnv()

	var mailer mail.Mailer
	smtpMailer := mail.NewSMTPMailer(mail.SMTPConfigFromEnv())
	if smtpMailer.Enabled() {
		mailer = smtpMailer
	} else {
		log.Warn("[Bootstrap] SMTP_HOST not set; billing emails are recorded but not sent")
	}
	notifier := mail.NewNotifier(mailer, repos.Notification)

	queue := jobqueue.NewQueue(client, env.GetInt("JOB_QUEUE_WORKERS", 3))
	queue.SetRetryDelay(env.GetDuration("JOB_RETRY_DELAY", queueRetryDelay))

	svc := billing.NewService(billing.Deps{
		Ledger:    billing.NewRepository(db),
		Plans:     repos.Plan,
		Users:     repos.User,
		Discounts: repos.Discount,
		Credits:   repos.Credit,
		Gateway:   gw,
		Locker:    cache.NewUserLocker(client, cfg.LockTimeout),
		Notifier:  notifier,
		Scheduler: queue,
		Metrics:   metrics.Default(),
		Config:    cfg,
	})
	runner := billing.NewJobRunner(svc)
	queue.SetRunner(runner)

	manager, err := jobqueue.NewManager(queue, jobqueue.SchedulesFromEnv())
	if err != nil {
		return nil, err
	}
	jobqueue.SetManager(manager)

	return &Runtime{
		DB:       db,
		Redis:    client,
		Repos:    repos,
		Gateway:  gw,
		Service:  svc,
		Runner:   runner,
		Queue:    queue,
		Manager:  manager,
		Notifier: notifier,
	}, nil
}
