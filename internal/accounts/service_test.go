package accounts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/mapleboard/credits-backend/internal/currencies"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"gorm.io/gorm"
)

type fakeAccountRepo struct {
	byKey    map[string]*models.Account
	insertFn func(ctx context.Context, account *models.Account) error
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{byKey: map[string]*models.Account{}}
}

func key(userID, currencyCode string) string {
	return userID + "|" + currencyCode
}

func (f *fakeAccountRepo) WithTx(tx *gorm.DB) Repository { return f }

func (f *fakeAccountRepo) Insert(ctx context.Context, account *models.Account) error {
	if f.insertFn != nil {
		return f.insertFn(ctx, account)
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	f.byKey[key(account.UserID, account.CurrencyCode)] = account
	return nil
}

func (f *fakeAccountRepo) FindByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	for _, account := range f.byKey {
		if account.ID == accountID {
			return account, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeAccountRepo) FindByUserAndCurrency(ctx context.Context, userID, currencyCode string) (*models.Account, error) {
	if account, ok := f.byKey[key(userID, currencyCode)]; ok {
		return account, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeAccountRepo) CompareAndSwapBalance(ctx context.Context, accountID uuid.UUID, expectedVersion, newBalance int64) error {
	return nil
}

func (f *fakeAccountRepo) ListAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Account, error) {
	return nil, nil
}

type fakeRegistry struct {
	currencies map[string]*models.Currency
}

func newFakeRegistry(items ...*models.Currency) *fakeRegistry {
	registry := &fakeRegistry{currencies: map[string]*models.Currency{}}
	for _, item := range items {
		registry.currencies[item.Code] = item
	}
	return registry
}

func (f *fakeRegistry) GetCurrency(ctx context.Context, code string) (*models.Currency, error) {
	if currency, ok := f.currencies[code]; ok {
		return currency, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeCurrencyNotFound, "unknown currency")
}

func (f *fakeRegistry) ListActiveCurrencies(ctx context.Context) ([]models.Currency, error) {
	return nil, nil
}

func (f *fakeRegistry) IsActive(ctx context.Context, code string) (bool, error) {
	currency, err := f.GetCurrency(ctx, code)
	if err != nil {
		return false, err
	}
	return currency.IsActive, nil
}

func (f *fakeRegistry) Create(ctx context.Context, input currencies.CreateCurrencyInput) (*models.Currency, error) {
	return nil, nil
}

func (f *fakeRegistry) SetActive(ctx context.Context, code string, active bool) error {
	return nil
}

func (f *fakeRegistry) SetAllowNegative(ctx context.Context, code string, allow bool) error {
	return nil
}

func activeCredits() *models.Currency {
	return &models.Currency{Code: "credits", Name: "Credits", IsActive: true, StartingBalance: 25}
}

func TestGetOrCreateCreatesWithStartingBalance(t *testing.T) {
	repo := newFakeAccountRepo()
	svc, err := NewService(repo, newFakeRegistry(activeCredits()))
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	account, err := svc.GetOrCreate(context.Background(), "user-1", "credits")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if account.Balance != 25 {
		t.Fatalf("expected starting balance 25, got %d", account.Balance)
	}
	if account.Version != 0 {
		t.Fatalf("expected version 0, got %d", account.Version)
	}
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	repo := newFakeAccountRepo()
	existing := &models.Account{ID: uuid.New(), UserID: "user-1", CurrencyCode: "credits", Balance: 500}
	repo.byKey[key("user-1", "credits")] = existing

	svc, _ := NewService(repo, newFakeRegistry(activeCredits()))
	account, err := svc.GetOrCreate(context.Background(), "user-1", "credits")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if account != existing {
		t.Fatal("expected the existing account back")
	}
}

func TestGetOrCreateUnknownCurrency(t *testing.T) {
	svc, _ := NewService(newFakeAccountRepo(), newFakeRegistry())
	_, err := svc.GetOrCreate(context.Background(), "user-1", "gems")
	if !pkgerrors.HasCode(err, pkgerrors.CodeCurrencyNotFound) {
		t.Fatalf("expected CURRENCY_NOT_FOUND, got %v", err)
	}
}

func TestGetOrCreateInactiveCurrency(t *testing.T) {
	inactive := &models.Currency{Code: "legacy", Name: "Legacy", IsActive: false}
	svc, _ := NewService(newFakeAccountRepo(), newFakeRegistry(inactive))
	_, err := svc.GetOrCreate(context.Background(), "user-1", "legacy")
	if !pkgerrors.HasCode(err, pkgerrors.CodeCurrencyInactive) {
		t.Fatalf("expected CURRENCY_INACTIVE, got %v", err)
	}
}

func TestGetOrCreateSurvivesCreateRace(t *testing.T) {
	repo := newFakeAccountRepo()
	winner := &models.Account{ID: uuid.New(), UserID: "user-1", CurrencyCode: "credits", Balance: 25}
	repo.insertFn = func(ctx context.Context, account *models.Account) error {
		// simulate a concurrent writer claiming the row first
		repo.insertFn = nil
		repo.byKey[key("user-1", "credits")] = winner
		return fmt.Errorf("duplicate key value violates unique constraint %q", "uq_accounts_user_currency")
	}

	svc, _ := NewService(repo, newFakeRegistry(activeCredits()))
	account, err := svc.GetOrCreate(context.Background(), "user-1", "credits")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if account != winner {
		t.Fatal("expected the winner's row after losing the create race")
	}
}

func TestGetIsNonCreating(t *testing.T) {
	repo := newFakeAccountRepo()
	svc, _ := NewService(repo, newFakeRegistry(activeCredits()))

	_, err := svc.Get(context.Background(), "ghost", "credits")
	if !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if len(repo.byKey) != 0 {
		t.Fatal("Get must not create accounts")
	}
}

func TestGetOrCreateRequiresUserID(t *testing.T) {
	svc, _ := NewService(newFakeAccountRepo(), newFakeRegistry(activeCredits()))
	if _, err := svc.GetOrCreate(context.Background(), "  ", "credits"); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetOrCreateWrapsRepoErrors(t *testing.T) {
	repo := newFakeAccountRepo()
	boom := errors.New("connection reset")
	repo.insertFn = func(ctx context.Context, account *models.Account) error {
		return boom
	}
	svc, _ := NewService(repo, newFakeRegistry(activeCredits()))

	_, err := svc.GetOrCreate(context.Background(), "user-1", "credits")
	if !pkgerrors.HasCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause preserved, got %v", err)
	}
}
