// Package dispute adjudicates unusable-output reports. A report either
// triggers an immediate refund or is flagged for manual review,
// depending on the reporter's trust score at the time of filing.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/deltayeb/iofteoi/internal/metrics"
	"github.com/deltayeb/iofteoi/internal/store"
)

// AutoRefundTrustThreshold is the minimum trust score at which a report
// settles instantly instead of queuing for review.
const AutoRefundTrustThreshold = 50

var (
	ErrInvocationNotFound = errors.New("invocation not found")
	ErrNotReporter        = errors.New("only the caller of an invocation may report it")
	ErrAlreadyReported    = errors.New("invocation already reported")
)

// InvalidStateError rejects reports against invocations that never
// settled as SUCCESS. There is nothing to claw back from the others.
type InvalidStateError struct {
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot report invocation in status %s", e.Status)
}

type Ledger interface {
	GetInvocation(ctx context.Context, id string) (store.Invocation, error)
	GetAccount(ctx context.Context, id string) (store.Account, error)
	HasReport(ctx context.Context, invocationID string) (bool, error)
	CreateFlaggedReport(ctx context.Context, rep store.UnusableReport) (store.UnusableReport, error)
	RefundInvocation(ctx context.Context, inv store.Invocation, rep store.UnusableReport) (store.UnusableReport, error)
}

type Adjudicator struct {
	ledger  Ledger
	log     *slog.Logger
	metrics *metrics.Settlement
}

func NewAdjudicator(ledger Ledger, log *slog.Logger, m *metrics.Settlement) *Adjudicator {
	return &Adjudicator{ledger: ledger, log: log, metrics: m}
}

// Outcome describes how a report was resolved.
type Outcome struct {
	Reported bool   `json:"reported"`
	Refunded bool   `json:"refunded"`
	Flagged  bool   `json:"flagged"`
	Message  string `json:"message"`
}

// Report files an unusable-output claim by callerID against an
// invocation. High-trust reporters are refunded on the spot; the rest
// are flagged for review so a low-trust account cannot farm refunds.
func (a *Adjudicator) Report(ctx context.Context, callerID, invocationID string, reason *string) (*Outcome, error) {
	inv, err := a.ledger.GetInvocation(ctx, invocationID)
	if err != nil {
		if errors.Is(err, store.ErrInvocationNotFound) {
			return nil, ErrInvocationNotFound
		}
		return nil, err
	}
	if inv.CallerID != callerID {
		return nil, ErrNotReporter
	}
	if inv.Status != store.StatusSuccess {
		return nil, &InvalidStateError{Status: inv.Status}
	}
	reported, err := a.ledger.HasReport(ctx, invocationID)
	if err != nil {
		return nil, err
	}
	if reported {
		return nil, ErrAlreadyReported
	}

	caller, err := a.ledger.GetAccount(ctx, callerID)
	if err != nil {
		return nil, err
	}

	rep := store.UnusableReport{
		InvocationID: invocationID,
		CallerID:     callerID,
		ProtocolID:   inv.ProtocolID,
		Reason:       reason,
	}

	if caller.TrustScore < AutoRefundTrustThreshold {
		if _, err := a.ledger.CreateFlaggedReport(ctx, rep); err != nil {
			if errors.Is(err, store.ErrAlreadyReported) {
				return nil, ErrAlreadyReported
			}
			return nil, err
		}
		a.log.Info("report flagged for review",
			"invocation", invocationID, "caller", callerID, "trust", caller.TrustScore)
		return &Outcome{
			Reported: true,
			Flagged:  true,
			Message:  "Report filed and flagged for manual review",
		}, nil
	}

	if _, err := a.ledger.RefundInvocation(ctx, inv, rep); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyReported):
			return nil, ErrAlreadyReported
		case errors.Is(err, store.ErrInvalidStatus):
			// Lost the race with a concurrent report.
			return nil, ErrAlreadyReported
		}
		return nil, err
	}
	a.metrics.DisputeRefund()
	a.log.Info("report auto-refunded",
		"invocation", invocationID, "caller", callerID,
		"amount", inv.AmountCents, "protocol", inv.ProtocolID)
	return &Outcome{
		Reported: true,
		Refunded: true,
		Message:  "Report accepted, invocation refunded",
	}, nil
}
