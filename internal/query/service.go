package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mapleboard/credits-backend/internal/accounts"
	"github.com/mapleboard/credits-backend/internal/currencies"
	"github.com/mapleboard/credits-backend/internal/transactions"
	"github.com/mapleboard/credits-backend/pkg/config"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	"github.com/mapleboard/credits-backend/pkg/enums"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"github.com/mapleboard/credits-backend/pkg/logger"
	"github.com/mapleboard/credits-backend/pkg/metrics"
	"github.com/mapleboard/credits-backend/pkg/pagination"
	"github.com/mapleboard/credits-backend/pkg/redis"
)

// Cache is the key-value surface the facade needs from Redis.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	BalanceKey(userID, currencyCode string) string
	AggregateKey(kind, id string) string
}

// BalanceView is the display-ready balance for one (user, currency) pair.
// Display renders Amount shifted by the currency's minor unit.
type BalanceView struct {
	UserID       string `json:"user_id"`
	CurrencyCode string `json:"currency_code"`
	Amount       int64  `json:"amount"`
	Display      string `json:"display"`
}

// EntityAggregate sums every transaction referencing one external entity.
type EntityAggregate struct {
	Kind  enums.EntityKind `json:"kind"`
	ID    string           `json:"id"`
	Total int64            `json:"total"`
	Count int64            `json:"count"`
}

// Service is the read-only query facade. Balance and aggregate views are
// cached with short TTLs; history reads always hit the database.
type Service interface {
	GetBalance(ctx context.Context, userID, currencyCode string) (*BalanceView, error)
	GetHistory(ctx context.Context, userID, currencyCode string, filter transactions.HistoryFilter, params pagination.Params) (*pagination.Page[models.Transaction], error)
	GetEntityAggregate(ctx context.Context, kind enums.EntityKind, entityID string) (*EntityAggregate, error)

	// InvalidateBalance and InvalidateEntity satisfy the engine's cache
	// invalidation hook.
	InvalidateBalance(ctx context.Context, userID, currencyCode string)
	InvalidateEntity(ctx context.Context, kind enums.EntityKind, entityID string)
}

type service struct {
	cache      Cache
	accounts   accounts.Service
	txns       transactions.Service
	currencies currencies.Service
	cfg        config.CacheConfig
	metrics    *metrics.LedgerMetrics
	logger     *logger.Logger
}

// NewService wires the query facade.
func NewService(
	cache Cache,
	accountStore accounts.Service,
	txnLog transactions.Service,
	registry currencies.Service,
	cfg config.CacheConfig,
	ledgerMetrics *metrics.LedgerMetrics,
	logg *logger.Logger,
) (Service, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache required")
	}
	if accountStore == nil {
		return nil, fmt.Errorf("account store required")
	}
	if txnLog == nil {
		return nil, fmt.Errorf("transaction log required")
	}
	if registry == nil {
		return nil, fmt.Errorf("currency registry required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		cache:      cache,
		accounts:   accountStore,
		txns:       txnLog,
		currencies: registry,
		cfg:        cfg,
		metrics:    ledgerMetrics,
		logger:     logg,
	}, nil
}

// GetBalance serves from cache when fresh, otherwise reads the account and
// refills. A user with no materialized account reads as the currency's
// starting balance, matching what first contact would create.
func (s *service) GetBalance(ctx context.Context, userID, currencyCode string) (*BalanceView, error) {
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	key := s.cache.BalanceKey(userID, currencyCode)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var view BalanceView
		if unmarshalErr := json.Unmarshal([]byte(raw), &view); unmarshalErr == nil {
			s.metrics.IncCacheHit("balance")
			return &view, nil
		}
		// poisoned entry; fall through and overwrite
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn(ctx, "balance cache read failed")
	}
	s.metrics.IncCacheMiss("balance")

	currency, err := s.currencies.GetCurrency(ctx, currencyCode)
	if err != nil {
		return nil, err
	}

	amount := currency.StartingBalance
	account, err := s.accounts.Get(ctx, userID, currencyCode)
	switch {
	case err == nil:
		amount = account.Balance
	case pkgerrors.HasCode(err, pkgerrors.CodeNotFound):
		// lazily-created account has not materialized yet
	default:
		return nil, err
	}

	view := &BalanceView{
		UserID:       userID,
		CurrencyCode: currency.Code,
		Amount:       amount,
		Display:      displayAmount(amount, currency.MinorUnit),
	}
	s.fill(ctx, key, view, s.cfg.BalanceTTL)
	return view, nil
}

// GetHistory pages through an account's transactions, newest first. History
// is never cached; it is the audit surface and must not serve stale rows.
func (s *service) GetHistory(ctx context.Context, userID, currencyCode string, filter transactions.HistoryFilter, params pagination.Params) (*pagination.Page[models.Transaction], error) {
	account, err := s.accounts.Get(ctx, userID, currencyCode)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			normalized := params.Normalize()
			return &pagination.Page[models.Transaction]{
				Items: []models.Transaction{},
				Page:  normalized.Page,
				Limit: normalized.Limit,
			}, nil
		}
		return nil, err
	}
	return s.txns.History(ctx, account.ID, filter, params)
}

func (s *service) GetEntityAggregate(ctx context.Context, kind enums.EntityKind, entityID string) (*EntityAggregate, error) {
	if !kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid entity kind")
	}
	if entityID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entity id required")
	}

	key := s.cache.AggregateKey(string(kind), entityID)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var view EntityAggregate
		if unmarshalErr := json.Unmarshal([]byte(raw), &view); unmarshalErr == nil {
			s.metrics.IncCacheHit("aggregate")
			return &view, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn(ctx, "aggregate cache read failed")
	}
	s.metrics.IncCacheMiss("aggregate")

	total, count, err := s.txns.AggregateForEntity(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	view := &EntityAggregate{Kind: kind, ID: entityID, Total: total, Count: count}
	s.fill(ctx, key, view, s.cfg.AggregateTTL)
	return view, nil
}

// InvalidateBalance drops the cached balance view after a mutation.
func (s *service) InvalidateBalance(ctx context.Context, userID, currencyCode string) {
	if err := s.cache.Del(ctx, s.cache.BalanceKey(userID, currencyCode)); err != nil {
		s.logger.Warn(ctx, "balance cache invalidation failed")
	}
}

// InvalidateEntity drops the cached aggregate view after a mutation.
func (s *service) InvalidateEntity(ctx context.Context, kind enums.EntityKind, entityID string) {
	if err := s.cache.Del(ctx, s.cache.AggregateKey(string(kind), entityID)); err != nil {
		s.logger.Warn(ctx, "aggregate cache invalidation failed")
	}
}

func (s *service) fill(ctx context.Context, key string, view any, ttl time.Duration) {
	payload, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(payload), ttl); err != nil {
		s.logger.Warn(ctx, "cache fill failed")
	}
}

// displayAmount renders minor units as a fixed-point decimal string.
func displayAmount(amount int64, minorUnit int32) string {
	return decimal.NewFromInt(amount).Shift(-minorUnit).StringFixed(minorUnit)
}
