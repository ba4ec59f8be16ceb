// Package gate implements the call admission check.
//
// The gate runs exactly once per call, synchronously between the carrier start
// frame and STT startup, so no AI spend occurs for calls that will be denied.
// It is deliberately fail-open: losing a real caller is worse than an
// un-billed minute, so any error in the external subscription check allows
// the call and logs a warning for offline reconciliation.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayline/frontdesk/internal/store"
)

// Decision reasons, recorded on every admission check.
const (
	ReasonActiveSubscription    = "active_subscription"
	ReasonTrialMinutesActive    = "trial_minutes_active"
	ReasonPaidPlan              = "paid_plan"
	ReasonTrialMinutesExhausted = "trial_minutes_exhausted"
	ReasonCheckFailed           = "check_failed"
)

// Decision is the result of an admission check.
type Decision struct {
	// Allowed reports whether the call may proceed.
	Allowed bool

	// Reason is one of the Reason* constants.
	Reason string
}

// SubscriptionChecker asks the external payment system whether the tenant's
// owner has an active paid subscription. Implementations must honour ctx.
type SubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, tenant *store.Tenant) (bool, error)
}

// SubscriptionCheckerFunc adapts a function to the SubscriptionChecker
// interface.
type SubscriptionCheckerFunc func(ctx context.Context, tenant *store.Tenant) (bool, error)

// HasActiveSubscription implements SubscriptionChecker.
func (f SubscriptionCheckerFunc) HasActiveSubscription(ctx context.Context, tenant *store.Tenant) (bool, error) {
	return f(ctx, tenant)
}

// Gate decides whether an inbound call may consume AI resources.
type Gate struct {
	checker SubscriptionChecker
	logger  *slog.Logger
}

// New creates a Gate. checker may be nil, in which case the external
// subscription step is skipped and only the minute record decides.
func New(checker SubscriptionChecker, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{checker: checker, logger: logger}
}

// Check runs the admission predicate against the tenant snapshot.
//
// Order: external subscription, then the minute record, then fail-open. A
// trial tenant with exhausted minutes is the only denial.
func (g *Gate) Check(ctx context.Context, tenant *store.Tenant) Decision {
	if g.checker != nil {
		active, err := g.checker.HasActiveSubscription(ctx, tenant)
		if err != nil {
			g.logger.Warn("subscription check failed, allowing call",
				"tenant_id", tenant.ID, "error", err)
			return Decision{Allowed: true, Reason: ReasonCheckFailed}
		}
		if active {
			return Decision{Allowed: true, Reason: ReasonActiveSubscription}
		}
	}

	if tenant.PaidPlan {
		// Overage is billed, never blocked.
		return Decision{Allowed: true, Reason: ReasonPaidPlan}
	}

	if tenant.TrialMinutesUsed >= tenant.TrialMinutes {
		return Decision{Allowed: false, Reason: ReasonTrialMinutesExhausted}
	}
	return Decision{Allowed: true, Reason: ReasonTrialMinutesActive}
}

// RejectionMessage composes the sentence spoken to a denied caller. The
// wording names the business and tells the caller why the assistant is
// unavailable, without exposing account internals.
func RejectionMessage(tenant *store.Tenant, reason string) string {
	name := tenant.BusinessName
	if name == "" {
		name = "this business"
	}
	switch reason {
	case ReasonTrialMinutesExhausted:
		return fmt.Sprintf(
			"Thank you for calling %s. Our phone assistant is currently unavailable because the free trial has reached its included minutes. Please try again later or reach out by email.",
			name,
		)
	default:
		return fmt.Sprintf(
			"Thank you for calling %s. Our phone assistant is currently unavailable for this account. Please try again later or reach out by email.",
			name,
		)
	}
}
