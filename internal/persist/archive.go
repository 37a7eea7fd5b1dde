package persist

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm/clause"

	"main/internal/model"
	"main/pkg/conn"
)

// ArchivedOrder is the retention table row for a terminal order aged out
// of the in-memory ledger.
type ArchivedOrder struct {
	OrderID        string    `gorm:"primaryKey;column:order_id"`
	ClientOrderID  string    `gorm:"uniqueIndex;column:client_order_id"`
	Symbol         string    `gorm:"index;column:symbol"`
	Side           string    `gorm:"column:side"`
	Type           string    `gorm:"column:type"`
	Status         string    `gorm:"column:status"`
	Price          string    `gorm:"column:price"`
	Quantity       string    `gorm:"column:quantity"`
	FilledQuantity string    `gorm:"column:filled_quantity"`
	AvgFillPrice   string    `gorm:"column:avg_fill_price"`
	UpdateSeq      uint64    `gorm:"column:update_seq"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
	ArchivedAt     time.Time `gorm:"column:archived_at"`
}

// TableName implements the gorm naming hook.
func (ArchivedOrder) TableName() string {
	return "archived_orders"
}

// Archive stores terminal orders expired from the ledger.
// It is optional infrastructure: a nil Archive drops archival silently
// (the WAL already holds every terminal transition).
type Archive struct {
	client *conn.Client
}

// NewArchive connects to PostgreSQL and migrates the retention table.
func NewArchive(option conn.Option) (*Archive, error) {
	client, err := conn.New(option)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := client.DB().AutoMigrate(&ArchivedOrder{}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "migrate archived_orders")
	}
	return &Archive{client: client}, nil
}

// Store upserts the given terminal orders into the archive.
func (a *Archive) Store(ctx context.Context, orders []model.Order) error {
	if a == nil || len(orders) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]ArchivedOrder, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, ArchivedOrder{
			OrderID:        o.OrderID,
			ClientOrderID:  o.ClientOrderID,
			Symbol:         o.Symbol,
			Side:           o.Side.String(),
			Type:           o.Type.String(),
			Status:         o.Status.String(),
			Price:          o.Price.String(),
			Quantity:       o.Quantity.String(),
			FilledQuantity: o.FilledQuantity.String(),
			AvgFillPrice:   o.AvgFillPrice.String(),
			UpdateSeq:      o.UpdateSeq,
			CreatedAt:      o.CreatedAt,
			UpdatedAt:      o.UpdatedAt,
			ArchivedAt:     now,
		})
	}
	return a.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

// Close releases the connection pool.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}
