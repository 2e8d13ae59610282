package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/domain"
	"github.com/blackmichael/fansite-mirror/internal/rules"
)

// Reconciler periodically diffs the tracked follow set against the rules
// active on the streaming service and replaces them on drift. Every tick
// re-reads current state; nothing is cached between ticks.
type Reconciler struct {
	session  *Session
	rules    domain.RuleClient
	follows  domain.FollowRepository
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	session *Session,
	ruleClient domain.RuleClient,
	follows domain.FollowRepository,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		session:  session,
		rules:    ruleClient,
		follows:  follows,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until the context is cancelled. The first tick waits for ready,
// the signal that the messaging connection is up. A failed tick is logged
// and swallowed; the loop always survives to the next interval.
func (r *Reconciler) Run(ctx context.Context, ready <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-ready:
	}
	r.logger.Info("reconciliation loop started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.tick(ctx); err != nil {
			r.logger.Error("reconciliation tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick replaces the remote rules when the live rule set no longer
// decompiles to the tracked follow set.
func (r *Reconciler) tick(ctx context.Context) error {
	active, err := r.rules.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}
	tracked, err := r.follows.DistinctAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("load tracked follows: %w", err)
	}

	values := make([]string, 0, len(active))
	for _, rule := range active {
		values = append(values, rule.Value)
	}
	live := rules.Decompile(values)

	if rules.SameSet(tracked, live) {
		r.logger.Debug("rules in sync",
			"accounts", len(tracked),
			"session_state", r.session.State().String(),
		)
		return nil
	}

	r.logger.Info("rule drift detected", "tracked", len(tracked), "live", len(live))
	if err := r.session.ApplyRules(ctx, tracked); err != nil {
		return fmt.Errorf("replace rules: %w", err)
	}
	return nil
}
