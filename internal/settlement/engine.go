// Package settlement orchestrates one paid invocation end to end:
// reserve the caller's funds, dispatch to the protocol's handler under
// a deadline, classify the outcome, and settle or refund. Every path
// out of Settle leaves the invocation in a terminal state with the
// ledger consistent.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/deltayeb/iofteoi/internal/metrics"
	"github.com/deltayeb/iofteoi/internal/store"
	"github.com/deltayeb/iofteoi/pkg/fees"
	"github.com/deltayeb/iofteoi/pkg/redact"
)

// Ledger is the slice of the store the engine settles against.
type Ledger interface {
	GetProtocol(ctx context.Context, id string) (store.Protocol, error)
	GetAccount(ctx context.Context, id string) (store.Account, error)
	ReserveInvocation(ctx context.Context, inv store.Invocation) (store.Invocation, error)
	SettleRefusal(ctx context.Context, inv store.Invocation) error
	SettleFailure(ctx context.Context, inv store.Invocation, errorClass string) error
	SettleSuccess(ctx context.Context, inv store.Invocation) error
}

// Config carries the settlement constants explicitly; there is no
// ambient fee or timeout state.
type Config struct {
	FeePercent     int64
	HandlerTimeout time.Duration
	SigningSecret  string
}

type Engine struct {
	ledger  Ledger
	client  *HandlerClient
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Settlement
}

func NewEngine(ledger Ledger, cfg Config, log *slog.Logger, m *metrics.Settlement) *Engine {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	client := NewHandlerClient(cfg.HandlerTimeout)
	client.SigningSecret = cfg.SigningSecret
	return &Engine{
		ledger:  ledger,
		client:  client,
		cfg:     cfg,
		log:     log,
		metrics: m,
	}
}

// Result is the terminal outcome of a settlement as reported to the
// caller.
type Result struct {
	InvocationID   string
	Status         string
	Output         json.RawMessage
	RefusalCode    string
	RefusalMessage string
	ErrorClass     string
}

const (
	defaultRefusalCode    = "REFUSED"
	defaultRefusalMessage = "Protocol refused this input"
)

// Settle runs one invocation. Precondition failures return an error
// with nothing mutated; once funds are reserved every outcome —
// success, refusal, failure, timeout — resolves to a terminal Result
// with the caller financially whole unless the handler succeeded.
func (e *Engine) Settle(ctx context.Context, callerID, protocolID string, input any, debugSharing bool) (*Result, error) {
	p, err := e.ledger.GetProtocol(ctx, protocolID)
	if err != nil {
		if errors.Is(err, store.ErrProtocolNotFound) {
			return nil, ErrProtocolNotFound
		}
		return nil, err
	}
	if p.Status != store.ProtocolActive {
		return nil, &ProtocolInactiveError{Status: p.Status}
	}

	caller, err := e.ledger.GetAccount(ctx, callerID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if caller.BalanceCents < p.PriceCents {
		return nil, &InsufficientBalanceError{Required: p.PriceCents, Available: caller.BalanceCents}
	}

	platformFee, publisherAmount := fees.Split(p.PriceCents, e.cfg.FeePercent)
	inv, err := e.ledger.ReserveInvocation(ctx, store.Invocation{
		CallerID:             callerID,
		ProtocolID:           p.ID,
		AmountCents:          p.PriceCents,
		PublisherAmountCents: publisherAmount,
		PlatformFeeCents:     platformFee,
		DebugSharing:         debugSharing,
		InputMetadata:        redact.Metadata(input),
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			// The conditional debit is the authority; the earlier read
			// only provides the numbers for the message.
			return nil, &InsufficientBalanceError{Required: p.PriceCents, Available: caller.BalanceCents}
		}
		return nil, err
	}

	started := time.Now()
	resp, err := e.client.Invoke(ctx, p.HandlerURL, inv.ID, input)
	e.metrics.HandlerDuration(time.Since(started))
	if err != nil {
		return e.fail(ctx, inv, classifyTransportError(err))
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return e.refuse(ctx, inv, resp.Body)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !json.Valid(resp.Body) {
			return e.fail(ctx, inv, "INVALID_RESPONSE")
		}
		return e.succeed(ctx, inv, resp.Body)
	default:
		return e.fail(ctx, inv, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
}

func (e *Engine) refuse(ctx context.Context, inv store.Invocation, body []byte) (*Result, error) {
	refusal := struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{}
	_ = json.Unmarshal(body, &refusal)
	if refusal.Code == "" {
		refusal.Code = defaultRefusalCode
	}
	if refusal.Message == "" {
		refusal.Message = defaultRefusalMessage
	}

	if err := e.ledger.SettleRefusal(ctx, inv); err != nil {
		e.log.Error("refusal settlement failed", "invocation", inv.ID, "err", err)
		return nil, err
	}
	e.metrics.Outcome(store.StatusRefused)
	e.log.Info("invocation refused", "invocation", inv.ID, "protocol", inv.ProtocolID, "code", refusal.Code)
	return &Result{
		InvocationID:   inv.ID,
		Status:         store.StatusRefused,
		RefusalCode:    refusal.Code,
		RefusalMessage: refusal.Message,
	}, nil
}

func (e *Engine) fail(ctx context.Context, inv store.Invocation, errorClass string) (*Result, error) {
	if err := e.ledger.SettleFailure(ctx, inv, errorClass); err != nil {
		e.log.Error("failure settlement failed", "invocation", inv.ID, "err", err)
		return nil, err
	}
	e.metrics.Outcome(store.StatusFailure)
	e.log.Info("invocation failed", "invocation", inv.ID, "protocol", inv.ProtocolID, "class", errorClass)
	return &Result{
		InvocationID: inv.ID,
		Status:       store.StatusFailure,
		ErrorClass:   errorClass,
	}, nil
}

func (e *Engine) succeed(ctx context.Context, inv store.Invocation, body []byte) (*Result, error) {
	if err := e.ledger.SettleSuccess(ctx, inv); err != nil {
		e.log.Error("success settlement failed", "invocation", inv.ID, "err", err)
		return nil, err
	}
	e.metrics.Outcome(store.StatusSuccess)
	e.log.Info("invocation settled", "invocation", inv.ID, "protocol", inv.ProtocolID, "amount", inv.AmountCents)
	return &Result{
		InvocationID: inv.ID,
		Status:       store.StatusSuccess,
		Output:       json.RawMessage(body),
	}, nil
}

// classifyTransportError maps a failed handler call to its error class.
// A missed deadline and any other timeout are both "TIMEOUT"; the rest
// keep their transport description.
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "TIMEOUT"
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
