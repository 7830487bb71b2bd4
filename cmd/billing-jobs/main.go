package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/internal/pkg/billing"
	"github.com/cmehub/billing/internal/pkg/bootstrap"
	"github.com/cmehub/billing/internal/pkg/jobqueue"
)

const usage = `billing-jobs runs billing maintenance work once and exits.

Usage:
  billing-jobs run <check-trials|complete-downgrades|reconcile> [-user ID]
  billing-jobs seed-plans <catalog.yaml>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "seed-plans":
		err = seedCommand(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Errorf("[BillingJobs] %v", err)
		os.Exit(1)
	}
}

func runCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("run: missing job name")
	}
	jobType, err := jobqueue.ParseJobType(args[0])
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	userID := fs.Uint("user", 0, "restrict the sweep to one user")
	wait := fs.Duration("wait", time.Second, "how long to wait for the next job before finishing")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	rt, err := bootstrap.Setup()
	if err != nil {
		return err
	}

	ctx := context.Background()
	queued, err := rt.Manager.RunSweepOnce(ctx, jobType, uint(*userID))
	if err != nil {
		return err
	}
	processed, err := drain(ctx, rt.Queue, *wait)
	if err != nil {
		return err
	}
	log.Infof("[BillingJobs] %s: queued %d, processed %d", jobType, queued, processed)
	return nil
}

// drain processes queued jobs inline until the queue stays empty for wait.
func drain(ctx context.Context, q *jobqueue.Queue, wait time.Duration) (int, error) {
	processed := 0
	for {
		ok, err := q.ProcessNext(ctx, wait)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
	}
}

func seedCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("seed-plans: expected one catalog file")
	}
	catalog, err := billing.LoadCatalogFile(args[0])
	if err != nil {
		return err
	}

	rt, err := bootstrap.Setup()
	if err != nil {
		return err
	}
	report, err := billing.SeedCatalog(rt.Repos.Plan, rt.Repos.Discount, catalog)
	if err != nil {
		return err
	}
	log.Infof("[BillingJobs] Seeded %d plans, %d discounts, %d promos", report.Plans, report.Discounts, report.Promos)
	return nil
}
