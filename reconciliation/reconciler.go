// Package reconciliation compares local settlement records with what the
// PSP reports and checks the ledger. It reports discrepancies; it only
// corrects missing orders, and only when asked to.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"settlement-svc/ledger"
	"settlement-svc/logging"
	"settlement-svc/middleware"
	"settlement-svc/models"
	"settlement-svc/psp"
	"settlement-svc/repository"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("settlement-service")

// Store is the storage the reconciler reads from and reports into.
type Store interface {
	SettledPayments(ctx context.Context, provider string, from, to time.Time) ([]repository.SettledPayment, error)
	CreateReconciliation(ctx context.Context, r *models.PaymentReconciliation) error
}

type LedgerVerifier interface {
	VerifyBalance(ctx context.Context) (*ledger.Balance, error)
}

// Repairer completes settlement side effects of a settled payment order.
type Repairer interface {
	RepairSettlement(ctx context.Context, id models.PaymentOrderID) error
}

type Reconciler struct {
	store    Store
	registry *psp.Registry
	verifier LedgerVerifier
	repairer Repairer
	logger   *zap.Logger
}

// NewReconciler builds a reconciler. verifier and repairer may be nil, which
// skips the ledger check and repairs respectively.
func NewReconciler(store Store, registry *psp.Registry, verifier LedgerVerifier, repairer Repairer, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		registry: registry,
		verifier: verifier,
		repairer: repairer,
		logger:   logger,
	}
}

// Run reconciles one PSP over [from, to) and stores the report.
func (r *Reconciler) Run(ctx context.Context, provider string, from, to time.Time, repair bool) (*models.PaymentReconciliation, error) {
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("psp", provider), attribute.Bool("repair", repair))

	if !from.Before(to) {
		return nil, fmt.Errorf("invalid reconciliation window %s - %s", from, to)
	}
	adapter, err := r.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	provider = adapter.Name()
	logger := logging.FromContext(ctx, r.logger).With(
		zap.String("psp", provider),
		zap.Time("from", from),
		zap.Time("to", to),
	)

	local, err := r.store.SettledPayments(ctx, provider, from, to)
	if err != nil {
		return nil, err
	}

	report := &models.PaymentReconciliation{
		ID:            models.NewReconciliationID(),
		PSP:           provider,
		WindowStart:   from,
		WindowEnd:     to,
		LocalTotal:    decimal.Zero,
		PSPTotal:      decimal.Zero,
		Discrepancies: []models.Discrepancy{},
	}

	var remote map[models.PaymentOrderID]psp.Settlement
	if reporter, ok := adapter.(psp.SettlementReporter); ok {
		settlements, err := reporter.Settlements(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch PSP settlements: %w", err)
		}
		remote = make(map[models.PaymentOrderID]psp.Settlement, len(settlements))
		for _, s := range settlements {
			remote[s.PaymentOrderID] = s
			report.PSPTotal = report.PSPTotal.Add(s.Amount)
		}
	} else {
		logger.Warn("PSP does not report settlements, comparing local records only")
	}

	for _, p := range local {
		report.LocalTotal = report.LocalTotal.Add(p.Amount)
		report.Discrepancies = append(report.Discrepancies, r.checkLocal(ctx, p, repair, logger)...)

		if remote == nil {
			continue
		}
		s, ok := remote[p.PaymentOrderID]
		if !ok {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Kind:           models.DiscrepancyMissingAtPSP,
				PaymentOrderID: p.PaymentOrderID,
				PSPTxnID:       p.PSPTxnID,
				LocalAmount:    amountRef(p.Amount),
			})
			continue
		}
		delete(remote, p.PaymentOrderID)
		if !s.Amount.Equal(p.Amount) {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Kind:           models.DiscrepancyAmountMismatch,
				PaymentOrderID: p.PaymentOrderID,
				PSPTxnID:       s.PSPTxnID,
				LocalAmount:    amountRef(p.Amount),
				PSPAmount:      amountRef(s.Amount),
				Detail:         "PSP settled a different amount",
			})
		}
	}

	// settled at the PSP without a settled local record
	for _, s := range remote {
		report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
			Kind:           models.DiscrepancyMissingInLedger,
			PaymentOrderID: s.PaymentOrderID,
			PSPTxnID:       s.PSPTxnID,
			PSPAmount:      amountRef(s.Amount),
			Detail:         "no settled payment order for PSP settlement",
		})
	}

	if r.verifier != nil {
		balance, err := r.verifier.VerifyBalance(ctx)
		if err != nil {
			return nil, err
		}
		middleware.SetLedgerDrift(balance.Drift.InexactFloat64())
		if !balance.Balanced {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Kind: models.DiscrepancyLedgerImbalance,
				Detail: fmt.Sprintf("drift %s, %d malformed entries, %d over-refunded orders",
					balance.Drift.StringFixed(2), balance.Malformed, len(balance.OverRefunded)),
			})
		}
	}

	report.Status = models.ReconciliationMatched
	if len(report.Discrepancies) > 0 {
		report.Status = models.ReconciliationDiscrepancies
	}
	if err := r.store.CreateReconciliation(ctx, report); err != nil {
		return nil, err
	}

	middleware.SetReconciliationDiscrepancies(provider, len(report.Discrepancies))
	span.SetAttributes(attribute.Int("discrepancies", len(report.Discrepancies)))
	if report.Status == models.ReconciliationMatched {
		logger.Info("Reconciliation matched",
			zap.Int("payments", len(local)),
			zap.String("local_total", report.LocalTotal.StringFixed(2)),
		)
	} else {
		logger.Warn("Reconciliation found discrepancies",
			zap.String("reconciliation_id", string(report.ID)),
			zap.Int("discrepancies", len(report.Discrepancies)),
			zap.String("local_total", report.LocalTotal.StringFixed(2)),
			zap.String("psp_total", report.PSPTotal.StringFixed(2)),
		)
	}
	return report, nil
}

// checkLocal compares a settled payment order with its ledger entry and
// order.
func (r *Reconciler) checkLocal(ctx context.Context, p repository.SettledPayment, repair bool, logger *zap.Logger) []models.Discrepancy {
	var found []models.Discrepancy

	switch {
	case p.LedgerAmount == nil:
		found = append(found, models.Discrepancy{
			Kind:           models.DiscrepancyMissingInLedger,
			PaymentOrderID: p.PaymentOrderID,
			PSPTxnID:       p.PSPTxnID,
			LocalAmount:    amountRef(p.Amount),
			Detail:         "settled payment order without PAYMENT entry",
		})
	case !p.LedgerAmount.Equal(p.Amount):
		found = append(found, models.Discrepancy{
			Kind:           models.DiscrepancyAmountMismatch,
			PaymentOrderID: p.PaymentOrderID,
			PSPTxnID:       p.PSPTxnID,
			LocalAmount:    amountRef(p.Amount),
			Detail:         fmt.Sprintf("ledger recorded %s", p.LedgerAmount.StringFixed(2)),
		})
	}

	if !p.HasOrder {
		d := models.Discrepancy{
			Kind:           models.DiscrepancyMissingOrder,
			PaymentOrderID: p.PaymentOrderID,
			PSPTxnID:       p.PSPTxnID,
			LocalAmount:    amountRef(p.Amount),
		}
		if repair && r.repairer != nil {
			if err := r.repairer.RepairSettlement(ctx, p.PaymentOrderID); err != nil {
				logger.Error("Settlement repair failed", zap.String("payment_order_id", p.PaymentOrderID.String()), zap.Error(err))
				d.Detail = "repair failed: " + err.Error()
			} else {
				d.Detail = "repaired"
			}
		}
		found = append(found, d)
	}
	return found
}

func amountRef(d decimal.Decimal) *decimal.Decimal {
	return &d
}
