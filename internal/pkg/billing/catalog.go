package billing

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
)

// Catalog is the plan and discount catalog as kept in a YAML seed file.
// Prices are strings so they are never parsed through a float.
type Catalog struct {
	Plans     []CatalogPlan     `yaml:"plans" validate:"required,min=1,dive"`
	Discounts []CatalogDiscount `yaml:"discounts" validate:"dive"`
	Promos    []CatalogPromo    `yaml:"promos" validate:"dive"`
}

type CatalogPlan struct {
	PlanID             string `yaml:"plan_id" validate:"required,max=191"`
	Name               string `yaml:"name" validate:"required,max=150"`
	Price              string `yaml:"price" validate:"required,numeric"`
	DiscountPrice      string `yaml:"discount_price" validate:"omitempty,numeric"`
	TrialDays          int    `yaml:"trial_days" validate:"gte=0"`
	BillingCycleMonths int    `yaml:"billing_cycle_months" validate:"gte=0"`
	PlanType           string `yaml:"plan_type" validate:"required,oneof=paid-individual free-individual enterprise"`
	MaxCmeMonth        int    `yaml:"max_cme_month" validate:"gte=0"`
	MaxCmeYear         int    `yaml:"max_cme_year" validate:"gte=0"`
	Degree             string `yaml:"degree" validate:"max=50"`
	Specialty          string `yaml:"specialty" validate:"max=100"`
	OrganizationID     uint   `yaml:"organization_id"`
	UpgradeTo          string `yaml:"upgrade_to"`
	DowngradeTo        string `yaml:"downgrade_to"`
	Inactive           bool   `yaml:"inactive"`
}

type CatalogDiscount struct {
	DiscountID       string `yaml:"discount_id" validate:"required,max=100"`
	Type             string `yaml:"type" validate:"required,oneof=inviter invitee convertee org base"`
	Amount           string `yaml:"amount" validate:"required,numeric"`
	NumBillingCycles int    `yaml:"num_billing_cycles" validate:"gte=0"`
	Active           bool   `yaml:"active"`
	OrganizationID   uint   `yaml:"organization_id"`
	EmailDomain      string `yaml:"email_domain" validate:"omitempty,fqdn"`
	// JoinEndDate is a YYYY-MM-DD date.
	JoinEndDate string `yaml:"join_end_date" validate:"omitempty,datetime=2006-01-02"`
}

type CatalogPromo struct {
	Email          string `yaml:"email" validate:"required,email"`
	FirstYearPrice string `yaml:"first_year_price" validate:"required,numeric"`
}

// SeedReport counts what SeedCatalog wrote.
type SeedReport struct {
	Plans     int
	Discounts int
	Promos    int
}

// LoadCatalogFile reads and validates a catalog seed file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := validator.New().Struct(&c); err != nil {
		return nil, fmt.Errorf("%w: catalog: %v", ErrValidation, err)
	}

	seen := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if seen[p.PlanID] {
			return nil, validationf("catalog: duplicate plan_id %s", p.PlanID)
		}
		seen[p.PlanID] = true
	}
	for _, p := range c.Plans {
		for _, ref := range []string{p.UpgradeTo, p.DowngradeTo} {
			if ref != "" && !seen[ref] {
				return nil, validationf("catalog: plan %s links unknown plan %s", p.PlanID, ref)
			}
		}
		price, discountPrice, err := p.prices()
		if err != nil {
			return nil, err
		}
		if discountPrice.GreaterThan(price) {
			return nil, validationf("catalog: plan %s discount_price exceeds price", p.PlanID)
		}
	}
	return &c, nil
}

func (p CatalogPlan) prices() (decimal.Decimal, decimal.Decimal, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, validationf("catalog: plan %s price: %v", p.PlanID, err)
	}
	if p.DiscountPrice == "" {
		return price, price, nil
	}
	discountPrice, err := decimal.NewFromString(p.DiscountPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, validationf("catalog: plan %s discount_price: %v", p.PlanID, err)
	}
	return price, discountPrice, nil
}

// SeedCatalog writes the catalog. Plans are upserted by plan_id; discounts
// and promos that already exist are left alone, except that an active
// discount is made the active one of its type.
func SeedCatalog(plans repository.PlanRepository, discounts repository.DiscountRepository, c *Catalog) (SeedReport, error) {
	var report SeedReport
	stored := make(map[string]*models.SubscriptionPlan, len(c.Plans))

	for _, p := range c.Plans {
		price, discountPrice, err := p.prices()
		if err != nil {
			return report, err
		}
		plan := &models.SubscriptionPlan{
			PlanID:             p.PlanID,
			Name:               p.Name,
			Price:              price,
			DiscountPrice:      discountPrice,
			TrialDays:          p.TrialDays,
			BillingCycleMonths: p.BillingCycleMonths,
			PlanType:           models.PlanType(p.PlanType),
			MaxCmeMonth:        p.MaxCmeMonth,
			MaxCmeYear:         p.MaxCmeYear,
			Active:             !p.Inactive,
		}
		if plan.BillingCycleMonths == 0 {
			plan.BillingCycleMonths = 12
		}
		if p.OrganizationID != 0 {
			orgID := p.OrganizationID
			plan.OrganizationID = &orgID
		}
		if p.Degree != "" {
			key, err := plans.EnsurePlanKey(p.Degree, p.Specialty)
			if err != nil {
				return report, fmt.Errorf("plan key for %s: %w", p.PlanID, err)
			}
			plan.PlanKeyID = &key.ID
		}
		if err := plans.Upsert(plan); err != nil {
			return report, fmt.Errorf("upsert plan %s: %w", p.PlanID, err)
		}
		stored[p.PlanID] = plan
		report.Plans++
	}

	for _, p := range c.Plans {
		if p.UpgradeTo == "" && p.DowngradeTo == "" {
			continue
		}
		plan, err := plans.GetByPlanID(p.PlanID)
		if err != nil {
			return report, err
		}
		if target, ok := stored[p.UpgradeTo]; ok {
			plan.UpgradePlanID = &target.ID
		}
		if target, ok := stored[p.DowngradeTo]; ok {
			plan.DowngradePlanID = &target.ID
		}
		if err := plans.Update(plan); err != nil {
			return report, fmt.Errorf("link plan %s: %w", p.PlanID, err)
		}
	}

	for _, d := range c.Discounts {
		created, err := seedDiscount(discounts, d)
		if err != nil {
			return report, err
		}
		if created {
			report.Discounts++
		}
	}

	for _, p := range c.Promos {
		if _, err := discounts.FindSignupPromo(p.Email); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			return report, err
		}
		price, err := decimal.NewFromString(p.FirstYearPrice)
		if err != nil {
			return report, validationf("catalog: promo %s: %v", p.Email, err)
		}
		if err := discounts.CreateSignupPromo(&models.SignupEmailPromo{Email: p.Email, FirstYearPrice: price}); err != nil {
			return report, fmt.Errorf("create promo %s: %w", p.Email, err)
		}
		report.Promos++
	}

	log.Infof("[Catalog] Seeded %d plans, %d new discounts, %d new promos", report.Plans, report.Discounts, report.Promos)
	return report, nil
}

func seedDiscount(discounts repository.DiscountRepository, d CatalogDiscount) (bool, error) {
	existing, err := discounts.GetByDiscountID(d.DiscountID)
	switch {
	case err == nil:
		if d.Active && !existing.ActiveForType {
			if err := discounts.Activate(existing.ID); err != nil {
				return false, fmt.Errorf("activate discount %s: %w", d.DiscountID, err)
			}
		}
		return false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return false, err
	}

	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return false, validationf("catalog: discount %s amount: %v", d.DiscountID, err)
	}
	row := &models.Discount{
		DiscountID:       d.DiscountID,
		DiscountType:     models.DiscountType(d.Type),
		Amount:           amount,
		NumBillingCycles: d.NumBillingCycles,
		ActiveForType:    d.Active,
	}
	if err := discounts.Create(row); err != nil {
		return false, fmt.Errorf("create discount %s: %w", d.DiscountID, err)
	}

	if d.OrganizationID == 0 && d.EmailDomain == "" {
		return true, nil
	}
	od := &models.OrgDiscount{
		EmailDomain:   strings.ToLower(d.EmailDomain),
		DiscountRowID: row.ID,
	}
	if d.OrganizationID != 0 {
		orgID := d.OrganizationID
		od.OrganizationID = &orgID
	}
	if d.JoinEndDate != "" {
		end, err := time.Parse("2006-01-02", d.JoinEndDate)
		if err != nil {
			return false, validationf("catalog: discount %s join_end_date: %v", d.DiscountID, err)
		}
		od.JoinEndDate = &end
	}
	if err := discounts.CreateOrgDiscount(od); err != nil {
		return false, fmt.Errorf("scope discount %s: %w", d.DiscountID, err)
	}
	return true, nil
}
