package transactions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mapleboard/credits-backend/internal/repo"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	"github.com/mapleboard/credits-backend/pkg/enums"
)

// ListFilter narrows a history query. Zero values mean "no filter".
type ListFilter struct {
	Type enums.TransactionType
}

// Repository persists the append-only transaction log. Rows are never updated
// or deleted once written.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Append(ctx context.Context, txn *models.Transaction) error
	FindByID(ctx context.Context, txnID uuid.UUID) (*models.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*models.Transaction, error)
	ListForAccount(ctx context.Context, accountID uuid.UUID, filter ListFilter, offset, limit int) ([]models.Transaction, error)
	CountForAccount(ctx context.Context, accountID uuid.UUID, filter ListFilter) (int64, error)
	SumForAccount(ctx context.Context, accountID uuid.UUID) (int64, error)
	LatestForAccount(ctx context.Context, accountID uuid.UUID) (*models.Transaction, error)
	ListRecentByType(ctx context.Context, accountID uuid.UUID, txnType enums.TransactionType, since time.Time, limit int) ([]models.Transaction, error)
	AggregateForEntity(ctx context.Context, kind enums.EntityKind, entityID string) (int64, int64, error)
	FindReversalFor(ctx context.Context, original *models.Transaction) (*models.Transaction, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns a transaction log repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: repo.NewBase(tx)}
}

func (r *repository) Append(ctx context.Context, txn *models.Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	return r.base.DB(ctx).Create(txn).Error
}

func (r *repository) FindByID(ctx context.Context, txnID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.base.DB(ctx).
		Where("id = ?", txnID).
		First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FindByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.base.DB(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).
		First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) listQuery(ctx context.Context, accountID uuid.UUID, filter ListFilter) *gorm.DB {
	query := r.base.DB(ctx).
		Model(&models.Transaction{}).
		Where("account_id = ?", accountID)
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	return query
}

// ListForAccount returns rows newest-first. Ties on created_at break by id so
// the ordering is stable across pages.
func (r *repository) ListForAccount(ctx context.Context, accountID uuid.UUID, filter ListFilter, offset, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	if err := r.listQuery(ctx, accountID, filter).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repository) CountForAccount(ctx context.Context, accountID uuid.UUID, filter ListFilter) (int64, error) {
	var count int64
	if err := r.listQuery(ctx, accountID, filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// SumForAccount totals the signed amounts for one account. An account with no
// rows sums to zero.
func (r *repository) SumForAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var total int64
	err := r.base.DB(ctx).
		Model(&models.Transaction{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repository) LatestForAccount(ctx context.Context, accountID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.base.DB(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// ListRecentByType feeds streak computation: rows of one type since a cutoff,
// newest-first.
func (r *repository) ListRecentByType(ctx context.Context, accountID uuid.UUID, txnType enums.TransactionType, since time.Time, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	if err := r.base.DB(ctx).
		Where("account_id = ? AND type = ? AND created_at >= ?", accountID, txnType, since).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// FindReversalFor returns the compensating transaction that offsets the given
// one, if any: a row on the same account that references it and carries the
// exact opposite amount. Transfer reversals and refunds both match.
func (r *repository) FindReversalFor(ctx context.Context, original *models.Transaction) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.base.DB(ctx).
		Where("account_id = ? AND related_entity_kind = ? AND related_entity_id = ? AND amount = ?",
			original.AccountID, enums.EntityKindTransaction, original.ID.String(), -original.Amount).
		Order("created_at DESC, id DESC").
		First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// AggregateForEntity returns the signed amount total and row count across all
// transactions referencing one external entity.
func (r *repository) AggregateForEntity(ctx context.Context, kind enums.EntityKind, entityID string) (int64, int64, error) {
	var row struct {
		Total int64
		Count int64
	}
	err := r.base.DB(ctx).
		Model(&models.Transaction{}).
		Where("related_entity_kind = ? AND related_entity_id = ?", kind, entityID).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Total, row.Count, nil
}
