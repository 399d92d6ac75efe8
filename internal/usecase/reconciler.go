package usecase

import (
	"context"
	"fmt"
	"sort"

	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

type ReconcileItem struct {
	LinkID  string `json:"link_id"`
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	TradeID string `json:"trade_id,omitempty"`
}

// ReconcileReport lists the disagreements between the journal and the
// exchange order book.
type ReconcileReport struct {
	// Orphans were placed per the journal, never filled or cancelled there,
	// and are not open on the exchange.
	Orphans []ReconcileItem `json:"orphans"`
	// Missing are open on the exchange with no ORDER_PLACED in the journal.
	Missing []ReconcileItem `json:"missing"`
}

func (r ReconcileReport) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Missing) == 0
}

// Reconcile diffs the journal's order events against the open orders.
func Reconcile(entries []domain.JournalEntry, open []domain.OpenOrder) ReconcileReport {
	placed := make(map[string]ReconcileItem)
	settled := make(map[string]bool)
	for _, e := range entries {
		link, _ := e.Data["link_id"].(string)
		if link == "" {
			continue
		}
		switch e.EventType {
		case domain.EventOrderPlaced:
			item := ReconcileItem{LinkID: link}
			item.OrderID, _ = e.Data["order_id"].(string)
			item.Symbol, _ = e.Data["symbol"].(string)
			item.TradeID, _ = e.Data["trade_id"].(string)
			placed[link] = item
		case domain.EventOrderFilled, domain.EventOrderCancelled:
			settled[link] = true
		}
	}

	resting := linkSet(open)
	var report ReconcileReport
	for link, item := range placed {
		if !settled[link] && !resting[link] {
			report.Orphans = append(report.Orphans, item)
		}
	}
	for _, o := range open {
		if _, ok := placed[o.LinkID]; !ok {
			report.Missing = append(report.Missing, ReconcileItem{LinkID: o.LinkID, OrderID: o.OrderID, Symbol: o.Symbol})
		}
	}
	sort.Slice(report.Orphans, func(i, j int) bool { return report.Orphans[i].LinkID < report.Orphans[j].LinkID })
	sort.Slice(report.Missing, func(i, j int) bool { return report.Missing[i].OrderID < report.Missing[j].OrderID })
	return report
}

// Reconciler runs the startup reconciliation. It only reports; fixing the
// book is left to the operator.
type Reconciler struct {
	ex     domain.Exchange
	logger *zap.Logger
}

func NewReconciler(ex domain.Exchange, logger *zap.Logger) *Reconciler {
	return &Reconciler{ex: ex, logger: logger}
}

// Run fetches every open linear order (empty symbol) and logs the diff.
func (rc *Reconciler) Run(ctx context.Context, entries []domain.JournalEntry) (ReconcileReport, error) {
	open, err := rc.ex.GetOpenOrders(ctx, "")
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("open orders: %w", err)
	}
	report := Reconcile(entries, open)
	for _, o := range report.Orphans {
		rc.logger.Warn("Orphan order in journal",
			zap.String("link_id", o.LinkID),
			zap.String("trade_id", o.TradeID),
			zap.String("symbol", o.Symbol))
	}
	for _, m := range report.Missing {
		rc.logger.Warn("Open order missing from journal",
			zap.String("order_id", m.OrderID),
			zap.String("link_id", m.LinkID),
			zap.String("symbol", m.Symbol))
	}
	rc.logger.Info("Reconciliation finished",
		zap.Int("journal_entries", len(entries)),
		zap.Int("open_orders", len(open)),
		zap.Int("orphans", len(report.Orphans)),
		zap.Int("missing", len(report.Missing)))
	return report, nil
}
