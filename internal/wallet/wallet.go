// Package wallet serves a user's balance through the balance cache.
package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/giftescrow/internal/balancecache"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/ledgerrpc"
	"github.com/mbd888/giftescrow/internal/retry"
	"github.com/mbd888/giftescrow/internal/traces"
)

// Balance is the API view of a wallet.
type Balance struct {
	UserID    string          `json:"userId"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Currency  string          `json:"currency"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Cached    bool            `json:"cached"`
}

// Service reads balances.
type Service struct {
	ledger    ledgerrpc.Client
	cache     *balancecache.Cache
	policy    retry.Policy
	retryOpts []retry.Option
}

// NewService creates a wallet service. cache may be nil to always read the ledger.
func NewService(ledger ledgerrpc.Client, cache *balancecache.Cache, policy retry.Policy) *Service {
	return &Service{ledger: ledger, cache: cache, policy: policy}
}

// WithRetryOptions adds options to every retried ledger call.
func (s *Service) WithRetryOptions(opts ...retry.Option) *Service {
	s.retryOpts = append(s.retryOpts, opts...)
	return s
}

// Balance returns userID's balance, from cache when it is still valid.
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, failure.Unauthenticated()
	}
	ctx, span := traces.StartSpan(ctx, "wallet.Balance", traces.UserID(userID))
	var err error
	defer func() { traces.End(span, err) }()

	if s.cache == nil {
		var b *balancecache.CachedBalance
		b, err = s.fetch(ctx, userID)
		if err != nil {
			return nil, err
		}
		return toBalance(b, false), nil
	}

	b, hit, err := s.cache.Balance(ctx, userID, func(ctx context.Context) (*balancecache.CachedBalance, error) {
		return s.fetch(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return toBalance(b, hit), nil
}

func (s *Service) fetch(ctx context.Context, userID string) (*balancecache.CachedBalance, error) {
	opts := append([]retry.Option{retry.WithOperation(ledgerrpc.RPCGetBalance)}, s.retryOpts...)
	b, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*ledgerrpc.Balance, error) {
		return s.ledger.GetBalance(ctx, userID)
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &balancecache.CachedBalance{
		UserID:    userID,
		Available: b.Available,
		Pending:   b.Pending,
		Currency:  b.Currency,
	}, nil
}

func toBalance(b *balancecache.CachedBalance, cached bool) *Balance {
	return &Balance{
		UserID:    b.UserID,
		Available: b.Available,
		Pending:   b.Pending,
		Currency:  b.Currency,
		FetchedAt: b.FetchedAt,
		Cached:    cached,
	}
}
