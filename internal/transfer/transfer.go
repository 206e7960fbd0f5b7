// Package transfer moves a gift from sender to recipient, either directly or
// through an escrow hold, depending on the amount.
//
// Each logical transfer runs at most once per idempotency key: the ledger
// call is made inside an idempotency guard and retried with the same key, so
// a retry of a call whose response was lost cannot move funds twice.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/giftescrow/internal/escrowmode"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/idempotency"
	"github.com/mbd888/giftescrow/internal/ledgerrpc"
	"github.com/mbd888/giftescrow/internal/logging"
	"github.com/mbd888/giftescrow/internal/metrics"
	"github.com/mbd888/giftescrow/internal/retry"
	"github.com/mbd888/giftescrow/internal/traces"
	"github.com/mbd888/giftescrow/internal/validation"
)

// DefaultTimeout bounds one transfer including retries.
const DefaultTimeout = 30 * time.Second

// ErrUnknownChoice is returned by ParseChoice.
var ErrUnknownChoice = errors.New("unknown escrow choice")

// Choice is the sender's decision for amounts in the optional band.
type Choice string

const (
	ChoiceUnset  Choice = ""
	ChoiceEscrow Choice = "escrow"
	ChoiceDirect Choice = "direct"
)

// ParseChoice converts a request field into a Choice. Empty is ChoiceUnset.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(strings.ToLower(strings.TrimSpace(s))); c {
	case ChoiceUnset, ChoiceEscrow, ChoiceDirect:
		return c, nil
	}
	return ChoiceUnset, fmt.Errorf("%w: %q", ErrUnknownChoice, s)
}

// Path is the ledger operation a transfer ends up using.
type Path string

const (
	PathDirect Path = "direct"
	PathEscrow Path = "escrow"
)

// Request is one gift.
type Request struct {
	Amount         decimal.Decimal
	Currency       string
	SenderID       string
	RecipientID    string
	MomentID       string
	Message        string
	IdempotencyKey string
}

// Result describes a completed transfer.
type Result struct {
	Success        bool            `json:"success"`
	Mode           escrowmode.Mode `json:"mode"`
	Path           Path            `json:"path"`
	TransactionID  string          `json:"transactionId,omitempty"`
	EscrowID       string          `json:"escrowId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Replayed       bool            `json:"replayed"`
}

// Quote previews how an amount would move.
type Quote struct {
	Amount      decimal.Decimal       `json:"amount"`
	Mode        escrowmode.Mode       `json:"mode"`
	Explanation string                `json:"explanation"`
	Thresholds  escrowmode.Thresholds `json:"thresholds"`
}

// Invalidator drops cached balances after funds move. It never fails.
type Invalidator interface {
	InvalidateAll(ctx context.Context, userIDs []string)
}

type nopInvalidator struct{}

func (nopInvalidator) InvalidateAll(context.Context, []string) {}

// Config holds the orchestrator settings.
type Config struct {
	Thresholds escrowmode.Thresholds
	Policy     retry.Policy
	Currency   string
	Timeout    time.Duration
}

// Service orchestrates transfers against the ledger.
type Service struct {
	ledger      ledgerrpc.Client
	guard       *idempotency.Guard
	invalidator Invalidator
	cfg         Config
	retryOpts   []retry.Option
}

// NewService creates a transfer service. Zero config fields take defaults.
func NewService(ledger ledgerrpc.Client, guard *idempotency.Guard, cfg Config) *Service {
	if cfg.Thresholds.Direct.IsZero() && cfg.Thresholds.Mandatory.IsZero() {
		cfg.Thresholds = escrowmode.DefaultThresholds()
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Service{ledger: ledger, guard: guard, invalidator: nopInvalidator{}, cfg: cfg}
}

// WithInvalidator sets the balance cache invalidator.
func (s *Service) WithInvalidator(inv Invalidator) *Service {
	if inv != nil {
		s.invalidator = inv
	}
	return s
}

// WithRetryOptions adds options to every retried ledger call.
func (s *Service) WithRetryOptions(opts ...retry.Option) *Service {
	s.retryOpts = append(s.retryOpts, opts...)
	return s
}

// Quote classifies amount without moving funds.
func (s *Service) Quote(amount decimal.Decimal) (*Quote, error) {
	if v := validation.Validate(validation.ValidAmount("amount", amount)); len(v) > 0 {
		return nil, failure.New(failure.KindValidation, "Amount "+v[0].Message+".", v)
	}
	mode := s.cfg.Thresholds.Classify(amount)
	return &Quote{
		Amount:      amount,
		Mode:        mode,
		Explanation: s.cfg.Thresholds.Explain(mode, amount),
		Thresholds:  s.cfg.Thresholds,
	}, nil
}

// PathFor resolves the ledger path for a mode. An unset choice in the
// optional band uses escrow.
func PathFor(mode escrowmode.Mode, choice Choice) Path {
	switch mode {
	case escrowmode.ModeDirect:
		return PathDirect
	case escrowmode.ModeOptional:
		if choice == ChoiceDirect {
			return PathDirect
		}
		return PathEscrow
	default:
		return PathEscrow
	}
}

// Transfer moves req.Amount from sender to recipient. On success both
// parties' cached balances are dropped.
func (s *Service) Transfer(ctx context.Context, req Request, choice Choice) (*Result, error) {
	if req.SenderID == "" {
		return nil, failure.Unauthenticated()
	}
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	mode := s.cfg.Thresholds.Classify(req.Amount)
	path := PathFor(mode, choice)

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "transfer.Transfer",
		traces.UserID(req.SenderID),
		traces.Amount(req.Amount.String()),
		traces.Mode(string(mode)),
		traces.IdempotencyKey(req.IdempotencyKey),
	)
	defer func() { traces.End(span, err) }()

	log := logging.L(ctx).With("idempotencyKey", req.IdempotencyKey, "mode", mode, "path", path)

	fp := idempotency.Fingerprint(req.SenderID, req.RecipientID, req.Amount.String(),
		req.Currency, req.MomentID, string(path))
	key := idempotency.Scoped(req.SenderID, req.IdempotencyKey)
	res, replayed, err := idempotency.Do(ctx, s.guard, key, fp,
		func(ctx context.Context) (Result, error) {
			return s.execute(ctx, req, key, mode, path)
		})

	metrics.TransferDuration.WithLabelValues(string(path)).Observe(time.Since(started).Seconds())
	if err != nil {
		err = surface(ctx, path, err)
		metrics.TransfersTotal.WithLabelValues(string(mode), string(path), string(failure.KindOf(err))).Inc()
		log.Warn("transfer failed", "error", err)
		return nil, err
	}

	res.IdempotencyKey = req.IdempotencyKey
	res.Replayed = replayed
	result := "ok"
	if replayed {
		result = "replayed"
	}
	metrics.TransfersTotal.WithLabelValues(string(mode), string(path), result).Inc()
	log.Info("transfer completed", "transactionId", res.TransactionID, "escrowId", res.EscrowID, "replayed", replayed)

	if !replayed {
		// The ledger already moved the funds; the request deadline must not
		// stop the eviction.
		s.invalidator.InvalidateAll(context.WithoutCancel(ctx), []string{req.SenderID, req.RecipientID})
	}
	return &res, nil
}

func (s *Service) normalize(req Request) (Request, error) {
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = s.cfg.Currency
	}
	req.Message = validation.SanitizeString(req.Message, validation.MaxMessageLength)

	errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.Required("recipientId", req.RecipientID),
		validation.ValidUserID("recipientId", req.RecipientID),
		validation.Distinct("recipientId", req.SenderID, req.RecipientID),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("momentId", req.MomentID, 128),
	)
	if len(errs) > 0 {
		return req, failure.New(failure.KindValidation,
			fmt.Sprintf("%s %s.", errs[0].Field, errs[0].Message), errs)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotency.NewKey()
	} else if !idempotency.ValidKey(req.IdempotencyKey) {
		return req, failure.Validation("Idempotency key must be 8 to 128 printable characters.")
	}
	return req, nil
}

// execute makes the single ledger mutation for a transfer, retrying
// transient failures with the same idempotency key.
func (s *Service) execute(ctx context.Context, req Request, key string, mode escrowmode.Mode, path Path) (Result, error) {
	if path == PathDirect {
		out, err := retry.Do(ctx, s.cfg.Policy, func(ctx context.Context) (*ledgerrpc.AtomicTransferResult, error) {
			return s.ledger.AtomicTransfer(ctx, ledgerrpc.AtomicTransferParams{
				SenderID:       req.SenderID,
				RecipientID:    req.RecipientID,
				Amount:         req.Amount,
				Currency:       req.Currency,
				MomentID:       req.MomentID,
				Message:        req.Message,
				IdempotencyKey: key,
			})
		}, s.opts(ledgerrpc.RPCAtomicTransfer)...)
		if err != nil {
			return Result{}, err
		}
		return Result{Success: true, Mode: mode, Path: path, TransactionID: out.SenderTxnID}, nil
	}

	out, err := retry.Do(ctx, s.cfg.Policy, func(ctx context.Context) (*ledgerrpc.CreateEscrowResult, error) {
		return s.ledger.CreateEscrowTransaction(ctx, ledgerrpc.CreateEscrowParams{
			SenderID:         req.SenderID,
			RecipientID:      req.RecipientID,
			Amount:           req.Amount,
			Currency:         req.Currency,
			MomentID:         req.MomentID,
			ReleaseCondition: ledgerrpc.ReleaseConditionProofVerified,
			IdempotencyKey:   key,
		})
	}, s.opts(ledgerrpc.RPCCreateEscrow)...)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Mode: mode, Path: path, TransactionID: out.TransactionID, EscrowID: out.EscrowID}, nil
}

func (s *Service) opts(op string) []retry.Option {
	return append([]retry.Option{retry.WithOperation(op)}, s.retryOpts...)
}

// surface maps a failed transfer onto the caller-facing taxonomy. Permanent
// errors keep their user-safe message. A spent budget is transient: the
// ledger may still complete the call, and a retry with the same key is safe.
// Exhausted retries and unclassified errors become a generic path failure.
func surface(ctx context.Context, path Path, err error) error {
	switch failure.KindOf(err) {
	case failure.KindUnauthenticated, failure.KindValidation, failure.KindInsufficientBalance,
		failure.KindNotFound, failure.KindIdempotencyConflict,
		failure.KindTransferFailed, failure.KindEscrowCreationFailed:
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return failure.Transient(err)
	}
	if path == PathEscrow {
		return failure.EscrowCreationFailed(err)
	}
	return failure.TransferFailed(err)
}
