package currencies

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mapleboard/credits-backend/pkg/db/models"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"gorm.io/gorm"
)

// Service exposes the currency registry. Reads dominate; administrative writes
// happen at configuration time, never on the ledger hot path.
type Service interface {
	GetCurrency(ctx context.Context, code string) (*models.Currency, error)
	ListActiveCurrencies(ctx context.Context) ([]models.Currency, error)
	IsActive(ctx context.Context, code string) (bool, error)
	Create(ctx context.Context, input CreateCurrencyInput) (*models.Currency, error)
	SetActive(ctx context.Context, code string, active bool) error
	SetAllowNegative(ctx context.Context, code string, allow bool) error
}

// CreateCurrencyInput captures a new currency definition.
type CreateCurrencyInput struct {
	Code            string
	Name            string
	AllowNegative   bool
	StartingBalance int64
	MinorUnit       int32
}

type service struct {
	repo Repository
}

// NewService wires a currency registry with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("currency repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) GetCurrency(ctx context.Context, code string) (*models.Currency, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency code required")
	}
	currency, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeCurrencyNotFound, "unknown currency").
				WithDetails(map[string]any{"code": code})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load currency")
	}
	return currency, nil
}

func (s *service) ListActiveCurrencies(ctx context.Context) ([]models.Currency, error) {
	currencies, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list currencies")
	}
	return currencies, nil
}

func (s *service) IsActive(ctx context.Context, code string) (bool, error) {
	currency, err := s.GetCurrency(ctx, code)
	if err != nil {
		return false, err
	}
	return currency.IsActive, nil
}

func (s *service) Create(ctx context.Context, input CreateCurrencyInput) (*models.Currency, error) {
	input.Code = strings.TrimSpace(input.Code)
	if input.Code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency code required")
	}
	if input.Name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency name required")
	}
	if input.MinorUnit < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "minor unit must not be negative")
	}

	currency := &models.Currency{
		Code:            input.Code,
		Name:            input.Name,
		IsActive:        true,
		AllowNegative:   input.AllowNegative,
		StartingBalance: input.StartingBalance,
		MinorUnit:       input.MinorUnit,
	}
	if err := s.repo.Create(ctx, currency); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create currency")
	}
	return currency, nil
}

func (s *service) SetActive(ctx context.Context, code string, active bool) error {
	if _, err := s.GetCurrency(ctx, code); err != nil {
		return err
	}
	if err := s.repo.SetActive(ctx, code, active); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "toggle currency")
	}
	return nil
}

// SetAllowNegative refuses to disable negative balances while accounts in the
// currency still hold negative-capable history; that change needs an explicit
// data migration first.
func (s *service) SetAllowNegative(ctx context.Context, code string, allow bool) error {
	currency, err := s.GetCurrency(ctx, code)
	if err != nil {
		return err
	}
	if currency.AllowNegative == allow {
		return nil
	}
	if !allow {
		negatives, err := s.repo.CountNegativeAccounts(ctx, code)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count negative accounts")
		}
		if negatives > 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "currency has accounts with negative balances").
				WithDetails(map[string]any{"code": code, "negative_accounts": negatives})
		}
	}
	if err := s.repo.SetAllowNegative(ctx, code, allow); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update currency")
	}
	return nil
}
