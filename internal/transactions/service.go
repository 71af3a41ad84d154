package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mapleboard/credits-backend/pkg/db/models"
	"github.com/mapleboard/credits-backend/pkg/enums"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"github.com/mapleboard/credits-backend/pkg/pagination"
)

// HistoryFilter is the caller-facing filter for transaction history.
type HistoryFilter struct {
	Type string
}

// Service exposes read access to the transaction log. Writes happen only
// through the ledger engine, inside its transactions.
type Service interface {
	Get(ctx context.Context, txnID uuid.UUID) (*models.Transaction, error)
	History(ctx context.Context, accountID uuid.UUID, filter HistoryFilter, params pagination.Params) (*pagination.Page[models.Transaction], error)
	RecentByType(ctx context.Context, accountID uuid.UUID, txnType enums.TransactionType, since time.Time, limit int) ([]models.Transaction, error)
	AggregateForEntity(ctx context.Context, kind enums.EntityKind, entityID string) (int64, int64, error)
	Repo() Repository
}

type service struct {
	repo Repository
}

// NewService wires the transaction log service.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("transaction repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Repo() Repository {
	return s.repo
}

func (s *service) Get(ctx context.Context, txnID uuid.UUID) (*models.Transaction, error) {
	if txnID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id required")
	}
	txn, err := s.repo.FindByID(ctx, txnID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
	}
	return txn, nil
}

func (s *service) History(ctx context.Context, accountID uuid.UUID, filter HistoryFilter, params pagination.Params) (*pagination.Page[models.Transaction], error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}

	var listFilter ListFilter
	if filter.Type != "" {
		txnType, err := enums.ParseTransactionType(filter.Type)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid type filter")
		}
		listFilter.Type = txnType
	}

	params = params.Normalize()
	items, err := s.repo.ListForAccount(ctx, accountID, listFilter, params.Offset(), params.Limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}
	total, err := s.repo.CountForAccount(ctx, accountID, listFilter)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count transactions")
	}

	return &pagination.Page[models.Transaction]{
		Items:      items,
		Page:       params.Page,
		Limit:      params.Limit,
		TotalCount: total,
	}, nil
}

func (s *service) RecentByType(ctx context.Context, accountID uuid.UUID, txnType enums.TransactionType, since time.Time, limit int) ([]models.Transaction, error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}
	if !txnType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction type")
	}
	txns, err := s.repo.ListRecentByType(ctx, accountID, txnType, since, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list recent transactions")
	}
	return txns, nil
}

func (s *service) AggregateForEntity(ctx context.Context, kind enums.EntityKind, entityID string) (int64, int64, error) {
	if !kind.IsValid() {
		return 0, 0, pkgerrors.New(pkgerrors.CodeValidation, "invalid entity kind")
	}
	if entityID == "" {
		return 0, 0, pkgerrors.New(pkgerrors.CodeValidation, "entity id required")
	}
	total, count, err := s.repo.AggregateForEntity(ctx, kind, entityID)
	if err != nil {
		return 0, 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate transactions")
	}
	return total, count, nil
}
