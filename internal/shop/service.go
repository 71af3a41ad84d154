package shop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mapleboard/credits-backend/internal/currencies"
	"github.com/mapleboard/credits-backend/pkg/db"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
)

// CreateItemInput defines a new catalog entry.
type CreateItemInput struct {
	SKU          string
	Name         string
	PriceAmount  int64
	CurrencyCode string
	Stock        *int
}

// Service manages the shop catalog and fulfils purchases into member
// inventory. Charging for an item is the purchase grant's job; Grant only
// hands over goods already paid for.
type Service interface {
	GetItem(ctx context.Context, itemID uuid.UUID) (*models.ShopItem, error)
	GetItemBySKU(ctx context.Context, sku string) (*models.ShopItem, error)
	ListActiveItems(ctx context.Context) ([]models.ShopItem, error)
	CreateItem(ctx context.Context, input CreateItemInput) (*models.ShopItem, error)
	SetItemActive(ctx context.Context, itemID uuid.UUID, active bool) error
	Grant(ctx context.Context, userID string, itemID, sourceTxnID uuid.UUID) (*models.InventoryItem, error)
	ListInventory(ctx context.Context, userID string) ([]models.InventoryItem, error)
}

type service struct {
	db         *db.Client
	repo       Repository
	currencies currencies.Service
}

// NewService wires the shop service.
func NewService(client *db.Client, repo Repository, registry currencies.Service) (Service, error) {
	if client == nil {
		return nil, fmt.Errorf("db client required")
	}
	if repo == nil {
		return nil, fmt.Errorf("shop repository required")
	}
	if registry == nil {
		return nil, fmt.Errorf("currency registry required")
	}
	return &service{db: client, repo: repo, currencies: registry}, nil
}

func (s *service) GetItem(ctx context.Context, itemID uuid.UUID) (*models.ShopItem, error) {
	if itemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id required")
	}
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "shop item not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load shop item")
	}
	return item, nil
}

func (s *service) GetItemBySKU(ctx context.Context, sku string) (*models.ShopItem, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sku required")
	}
	item, err := s.repo.GetItemBySKU(ctx, sku)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "shop item not found").
				WithDetails(map[string]any{"sku": sku})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load shop item")
	}
	return item, nil
}

func (s *service) ListActiveItems(ctx context.Context) ([]models.ShopItem, error) {
	items, err := s.repo.ListActiveItems(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list shop items")
	}
	return items, nil
}

func (s *service) CreateItem(ctx context.Context, input CreateItemInput) (*models.ShopItem, error) {
	input.SKU = strings.TrimSpace(input.SKU)
	if input.SKU == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sku required")
	}
	if input.Name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item name required")
	}
	if input.PriceAmount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be positive")
	}
	if input.Stock != nil && *input.Stock < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stock must not be negative")
	}
	if _, err := s.currencies.GetCurrency(ctx, input.CurrencyCode); err != nil {
		return nil, err
	}

	item := &models.ShopItem{
		SKU:          input.SKU,
		Name:         input.Name,
		PriceAmount:  input.PriceAmount,
		CurrencyCode: input.CurrencyCode,
		IsActive:     true,
		Stock:        input.Stock,
	}
	if err := s.repo.CreateItem(ctx, item); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "sku already exists").
				WithDetails(map[string]any{"sku": input.SKU})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create shop item")
	}
	return item, nil
}

func (s *service) SetItemActive(ctx context.Context, itemID uuid.UUID, active bool) error {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return err
	}
	if err := s.repo.SetItemActive(ctx, itemID, active); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "toggle shop item")
	}
	return nil
}

// Grant hands one purchased unit to the buyer: stock decrement and inventory
// insert commit together or not at all. A repeated grant for the same payment
// transaction returns the existing inventory row.
func (s *service) Grant(ctx context.Context, userID string, itemID, sourceTxnID uuid.UUID) (*models.InventoryItem, error) {
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if sourceTxnID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source transaction id required")
	}

	granted := &models.InventoryItem{
		ID:                  uuid.New(),
		UserID:              userID,
		ShopItemID:          itemID,
		SourceTransactionID: sourceTxnID,
	}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.DecrementStock(ctx, itemID); err != nil {
			return err
		}
		return repo.InsertInventory(ctx, granted)
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			existing, findErr := s.findBySourceTxn(ctx, userID, sourceTxnID)
			if findErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "reload granted inventory")
			}
			return existing, nil
		}
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "grant inventory")
	}
	return granted, nil
}

func (s *service) findBySourceTxn(ctx context.Context, userID string, sourceTxnID uuid.UUID) (*models.InventoryItem, error) {
	items, err := s.repo.ListInventory(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].SourceTransactionID == sourceTxnID {
			return &items[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *service) ListInventory(ctx context.Context, userID string) ([]models.InventoryItem, error) {
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	items, err := s.repo.ListInventory(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list inventory")
	}
	return items, nil
}
