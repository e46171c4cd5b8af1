package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"settlement-svc/cart"
	"settlement-svc/config"
	"settlement-svc/database"
	"settlement-svc/grpc"
	"settlement-svc/kafka"
	"settlement-svc/models"
	"settlement-svc/payment"
	"settlement-svc/reconciliation"
	"settlement-svc/repository"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

func reconcileCmd() *cobra.Command {
	var (
		provider string
		from     string
		to       string
		repair   bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile settled payments with a PSP over a date window",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseWindow(from, to, time.Now())
			if err != nil {
				return err
			}
			return runReconcile(cmd.Context(), config.Load(), provider, start, end, repair)
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "PSP to reconcile (default: PSP_PROVIDER)")
	cmd.Flags().StringVar(&from, "from", "", "Window start date, inclusive (default: yesterday)")
	cmd.Flags().StringVar(&to, "to", "", "Window end date, exclusive (default: today)")
	cmd.Flags().BoolVar(&repair, "repair", false, "Create missing orders for settled payments")
	return cmd
}

// parseWindow reads UTC dates. Empty values default to the previous day.
func parseWindow(from, to string, now time.Time) (time.Time, time.Time, error) {
	start, end := reconciliation.PreviousDay(now)
	var err error
	if from != "" {
		if start, err = time.Parse(dateLayout, from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		if to == "" {
			end = start.AddDate(0, 0, 1)
		}
	}
	if to != "" {
		if end, err = time.Parse(dateLayout, to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from %s must be before --to %s", start.Format(dateLayout), end.Format(dateLayout))
	}
	return start, end, nil
}

func runReconcile(ctx context.Context, cfg *config.Config, provider string, from, to time.Time, repair bool) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := database.InitDB(cfg.PostgresDSN(), logger)
	if err != nil {
		return err
	}
	defer db.Close()
	store := repository.NewPostgresStore(db, logger)
	registry := buildRegistry(cfg, logger)

	var repairer reconciliation.Repairer
	if repair {
		redisClient, err := cart.InitRedis(cfg.RedisAddr(), cfg.RedisPassword, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		producer, err := kafka.InitProducer(cfg.KafkaBroker, logger)
		if err != nil {
			return err
		}
		defer producer.Close()
		repairer = payment.NewExecutor(store, registry,
			cart.NewRedisStore(redisClient, cfg.CartTTL, logger),
			kafka.NewPublisher(producer, cfg.KafkaPaymentTopic, logger),
			cfg.DefaultCurrency, logger)
	}

	reconciler := reconciliation.NewReconciler(store, registry, store.Ledger(), repairer, logger)
	report, err := reconciler.Run(ctx, provider, from, to, repair)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if report.Status != models.ReconciliationMatched {
		return fmt.Errorf("%d discrepancies found", len(report.Discrepancies))
	}
	return nil
}

func verifyLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-ledger",
		Short: "Check that ledger debits and credits balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := database.InitDB(cfg.PostgresDSN(), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			balance, err := repository.NewPostgresStore(db, logger).Ledger().VerifyBalance(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(balance); err != nil {
				return err
			}
			if !balance.Balanced {
				return fmt.Errorf("ledger out of balance by %s", balance.Drift.StringFixed(2))
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var (
		address string
		details bool
	)
	cmd := &cobra.Command{
		Use:   "status [payment-order-id]",
		Short: "Query a running settlement service for a payment order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			client, err := grpc.InitPaymentClient(address, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			id := models.PaymentOrderID(args[0])
			if details {
				d, err := client.GetPaymentOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(d)
			}
			order, err := client.CheckPaymentStatus(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(order)
		},
	}
	cmd.Flags().StringVarP(&address, "addr", "a", "localhost:50053", "Settlement service gRPC address")
	cmd.Flags().BoolVarP(&details, "details", "d", false, "Include ledger entries and refunds")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
