package currencies

import (
	"context"
	"errors"
	"testing"

	"github.com/mapleboard/credits-backend/pkg/db/models"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"gorm.io/gorm"
)

type fakeRepository struct {
	getFn           func(ctx context.Context, code string) (*models.Currency, error)
	listFn          func(ctx context.Context) ([]models.Currency, error)
	createFn        func(ctx context.Context, currency *models.Currency) error
	setActiveFn     func(ctx context.Context, code string, active bool) error
	setNegativeFn   func(ctx context.Context, code string, allow bool) error
	countNegativeFn func(ctx context.Context, code string) (int64, error)
}

func (f *fakeRepository) WithTx(tx *gorm.DB) Repository { return f }

func (f *fakeRepository) GetByCode(ctx context.Context, code string) (*models.Currency, error) {
	if f.getFn != nil {
		return f.getFn(ctx, code)
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) ListActive(ctx context.Context) ([]models.Currency, error) {
	if f.listFn != nil {
		return f.listFn(ctx)
	}
	return nil, nil
}

func (f *fakeRepository) Create(ctx context.Context, currency *models.Currency) error {
	if f.createFn != nil {
		return f.createFn(ctx, currency)
	}
	return nil
}

func (f *fakeRepository) SetActive(ctx context.Context, code string, active bool) error {
	if f.setActiveFn != nil {
		return f.setActiveFn(ctx, code, active)
	}
	return nil
}

func (f *fakeRepository) SetAllowNegative(ctx context.Context, code string, allow bool) error {
	if f.setNegativeFn != nil {
		return f.setNegativeFn(ctx, code, allow)
	}
	return nil
}

func (f *fakeRepository) CountNegativeAccounts(ctx context.Context, code string) (int64, error) {
	if f.countNegativeFn != nil {
		return f.countNegativeFn(ctx, code)
	}
	return 0, nil
}

func TestGetCurrencyNotFound(t *testing.T) {
	svc, err := NewService(&fakeRepository{})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	_, err = svc.GetCurrency(context.Background(), "gems")
	if !pkgerrors.HasCode(err, pkgerrors.CodeCurrencyNotFound) {
		t.Fatalf("expected CURRENCY_NOT_FOUND, got %v", err)
	}
}

func TestGetCurrencyRequiresCode(t *testing.T) {
	svc, _ := NewService(&fakeRepository{})
	if _, err := svc.GetCurrency(context.Background(), "  "); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIsActive(t *testing.T) {
	repo := &fakeRepository{
		getFn: func(ctx context.Context, code string) (*models.Currency, error) {
			return &models.Currency{Code: code, IsActive: code == "credits"}, nil
		},
	}
	svc, _ := NewService(repo)

	active, err := svc.IsActive(context.Background(), "credits")
	if err != nil || !active {
		t.Fatalf("expected credits active, got %v err=%v", active, err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := NewService(&fakeRepository{})

	tests := []struct {
		name  string
		input CreateCurrencyInput
	}{
		{name: "missing code", input: CreateCurrencyInput{Name: "Gems"}},
		{name: "missing name", input: CreateCurrencyInput{Code: "gems"}},
		{name: "negative minor unit", input: CreateCurrencyInput{Code: "gems", Name: "Gems", MinorUnit: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(context.Background(), tc.input); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
				t.Fatalf("expected validation error for %s, got %v", tc.name, err)
			}
		})
	}
}

func TestCreatePersistsCurrency(t *testing.T) {
	var created *models.Currency
	repo := &fakeRepository{
		createFn: func(ctx context.Context, currency *models.Currency) error {
			created = currency
			return nil
		},
	}
	svc, _ := NewService(repo)

	got, err := svc.Create(context.Background(), CreateCurrencyInput{
		Code:            "gems",
		Name:            "Gems",
		StartingBalance: 50,
		MinorUnit:       2,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if created == nil || created != got {
		t.Fatal("expected currency to be persisted and returned")
	}
	if !created.IsActive {
		t.Fatal("new currencies start active")
	}
	if created.StartingBalance != 50 || created.MinorUnit != 2 {
		t.Fatalf("unexpected currency data: %+v", created)
	}
}

func TestSetAllowNegativeGuardsHistory(t *testing.T) {
	repo := &fakeRepository{
		getFn: func(ctx context.Context, code string) (*models.Currency, error) {
			return &models.Currency{Code: code, AllowNegative: true}, nil
		},
		countNegativeFn: func(ctx context.Context, code string) (int64, error) {
			return 3, nil
		},
	}
	svc, _ := NewService(repo)

	err := svc.SetAllowNegative(context.Background(), "credits", false)
	if !pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict while negative accounts exist, got %v", err)
	}
}

func TestSetAllowNegativeNoopWhenUnchanged(t *testing.T) {
	called := false
	repo := &fakeRepository{
		getFn: func(ctx context.Context, code string) (*models.Currency, error) {
			return &models.Currency{Code: code, AllowNegative: false}, nil
		},
		setNegativeFn: func(ctx context.Context, code string, allow bool) error {
			called = true
			return nil
		},
	}
	svc, _ := NewService(repo)

	if err := svc.SetAllowNegative(context.Background(), "credits", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("no write expected when value unchanged")
	}
}

func TestRepoErrorsWrapAsDependency(t *testing.T) {
	boom := errors.New("boom")
	repo := &fakeRepository{
		getFn: func(ctx context.Context, code string) (*models.Currency, error) {
			return nil, boom
		},
	}
	svc, _ := NewService(repo)

	_, err := svc.GetCurrency(context.Background(), "credits")
	if !pkgerrors.HasCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}
