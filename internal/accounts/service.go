package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mapleboard/credits-backend/internal/currencies"
	"github.com/mapleboard/credits-backend/pkg/db"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"gorm.io/gorm"
)

// Service exposes the account store. Accounts are created lazily on first
// reference and never deleted.
type Service interface {
	GetOrCreate(ctx context.Context, userID, currencyCode string) (*models.Account, error)
	Get(ctx context.Context, userID, currencyCode string) (*models.Account, error)
	GetByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	Repo() Repository
}

type service struct {
	repo       Repository
	currencies currencies.Service
}

// NewService wires an account store with its repository and the currency
// registry it validates against.
func NewService(repo Repository, registry currencies.Service) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("account repository required")
	}
	if registry == nil {
		return nil, fmt.Errorf("currency registry required")
	}
	return &service{repo: repo, currencies: registry}, nil
}

func (s *service) Repo() Repository {
	return s.repo
}

// GetOrCreate returns the existing account for (user, currency) or creates one
// seeded with the currency's starting balance. Concurrent first-touch creates
// converge on one row via the unique constraint.
func (s *service) GetOrCreate(ctx context.Context, userID, currencyCode string) (*models.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	account, err := s.repo.FindByUserAndCurrency(ctx, userID, currencyCode)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}

	currency, err := s.currencies.GetCurrency(ctx, currencyCode)
	if err != nil {
		return nil, err
	}
	if !currency.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeCurrencyInactive, "currency is not accepting new accounts").
			WithDetails(map[string]any{"code": currencyCode})
	}

	fresh := &models.Account{
		UserID:       userID,
		CurrencyCode: currency.Code,
		Balance:      currency.StartingBalance,
		Version:      0,
	}
	if err := s.repo.Insert(ctx, fresh); err != nil {
		if db.IsUniqueViolation(err, "") {
			// another writer created it first
			existing, findErr := s.repo.FindByUserAndCurrency(ctx, userID, currencyCode)
			if findErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "reload account after create race")
			}
			return existing, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create account")
	}
	return fresh, nil
}

// Get is the non-creating read used for display and reporting.
func (s *service) Get(ctx context.Context, userID, currencyCode string) (*models.Account, error) {
	account, err := s.repo.FindByUserAndCurrency(ctx, userID, currencyCode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found").
				WithDetails(map[string]any{"user_id": userID, "currency": currencyCode})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	return account, nil
}

func (s *service) GetByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}
	account, err := s.repo.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	return account, nil
}
