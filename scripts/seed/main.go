package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	"github.com/odyssey-erp/odyssey-amortization/internal/app"
	"github.com/odyssey-erp/odyssey-amortization/internal/platform/db"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

type demoPlan struct {
	entityID   string
	entityType amortization.EntityType
	reference  string
	amount     float64
	count      int
	rate       float64
	method     amortization.Method
	frequency  amortization.Frequency
	monthsAgo  int
	paid       int
}

var demoPlans = []demoPlan{
	{"C0001", amortization.EntityClient, "DEMO-INV-1001", 12000, 12, 0, amortization.MethodLinear, amortization.FrequencyMonthly, 5, 3},
	{"C0002", amortization.EntityClient, "DEMO-INV-1002", 48000, 24, 9.5, amortization.MethodFrench, amortization.FrequencyMonthly, 8, 8},
	{"C0003", amortization.EntityClient, "DEMO-INV-1003", 9000, 4, 12, amortization.MethodFrench, amortization.FrequencyQuarterly, 10, 1},
	{"S0001", amortization.EntitySupplier, "DEMO-BILL-2001", 30000, 6, 6, amortization.MethodLinear, amortization.FrequencyBiannual, 14, 2},
	{"S0002", amortization.EntitySupplier, "DEMO-BILL-2002", 15000, 3, 0, amortization.MethodLinear, amortization.FrequencyAnnual, 2, 0},
}

func main() {
	company := getenv("SEED_COMPANY_ID", "DEMO")
	ctx := context.Background()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.CacheBackend = "memory"
	cfg.LockBackend = "memory"
	cfg.SLBaseURL = ""

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	services, err := app.BuildServices(cfg, app.Dependencies{Pool: pool, Logger: logger})
	if err != nil {
		log.Fatalf("build services: %v", err)
	}

	fmt.Println("→ Seeding amortizations for company", company)
	today := time.Now().UTC()
	for _, plan := range demoPlans {
		if err := seedPlan(ctx, services.Amortization, company, plan, today); err != nil {
			log.Fatalf("seed %s: %v", plan.reference, err)
		}
	}

	fmt.Println("→ Refreshing statuses...")
	if _, err := services.Amortization.RefreshStatuses(ctx, company); err != nil {
		log.Fatalf("refresh statuses: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedPlan(ctx context.Context, svc *amortization.Service, company string, plan demoPlan, today time.Time) error {
	start := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -plan.monthsAgo, 0)
	detail, err := svc.Create(ctx, amortization.CreateInput{
		CompanyID:         company,
		EntityID:          plan.entityID,
		EntityType:        plan.entityType,
		Reference:         plan.reference,
		Description:       "Demo plan " + plan.reference,
		TotalAmount:       plan.amount,
		TotalInstallments: plan.count,
		InterestRate:      plan.rate,
		Method:            plan.method,
		Frequency:         plan.frequency,
		StartDate:         start,
	})
	if errors.Is(err, shared.ErrConflict) {
		fmt.Println("  skip", plan.reference, "(exists)")
		return nil
	}
	if err != nil {
		return err
	}

	paid := plan.paid
	if paid > len(detail.Installments) {
		paid = len(detail.Installments)
	}
	for _, inst := range detail.Installments[:paid] {
		if inst.DueDate.After(today) {
			break
		}
		_, err := svc.RecordPayment(ctx, amortization.PaymentInput{
			AmortizationID: detail.Amortization.ID,
			InstallmentID:  inst.ID,
			Amount:         inst.Due(),
			PaymentDate:    inst.DueDate,
			PaymentMethod:  "transfer",
		})
		if err != nil {
			return fmt.Errorf("pay installment %d: %w", inst.InstallmentNumber, err)
		}
	}
	fmt.Println("  created", plan.reference, "with", len(detail.Installments), "installments")
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
