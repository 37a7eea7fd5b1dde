package persist

import (
	"errors"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
)

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewSnapshotStore(t.TempDir(), 3)

	snap := Snapshot{
		LastSeq: 42,
		Orders: []model.Order{{
			OrderID:        "1",
			ClientOrderID:  "c-1",
			Symbol:         "BTCUSDT",
			Side:           enum.OrderSideBuy,
			Type:           enum.OrderTypeLimit,
			Status:         enum.OrderStatusPartiallyFilled,
			Price:          decimal.NewFromInt(30000),
			Quantity:       decimal.NewFromInt(2),
			FilledQuantity: decimal.NewFromInt(1),
			UpdateSeq:      42,
		}},
		Positions: []model.Position{{
			Symbol:     "BTCUSDT",
			Size:       decimal.NewFromInt(1),
			EntryPrice: decimal.NewFromInt(30000),
		}},
	}
	if _, err := store.Save(snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LastSeq != 42 || len(got.Orders) != 1 || len(got.Positions) != 1 {
		t.Fatalf("snapshot mismatch: %+v", got)
	}
	if got.Orders[0].Status != enum.OrderStatusPartiallyFilled {
		t.Fatalf("order status: %s", got.Orders[0].Status)
	}
	if !got.Orders[0].FilledQuantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("filled: %s", got.Orders[0].FilledQuantity)
	}
	if !got.Positions[0].Size.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("position: %s", got.Positions[0].Size)
	}
}

func TestSnapshotLoadLatestPicksHighestSeq(t *testing.T) {
	store := NewSnapshotStore(t.TempDir(), 5)
	for _, seq := range []uint64{3, 10, 7} {
		if _, err := store.Save(Snapshot{LastSeq: seq}); err != nil {
			t.Fatalf("save seq %d: %v", seq, err)
		}
	}
	got, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LastSeq != 10 {
		t.Fatalf("latest seq: %d", got.LastSeq)
	}
}

func TestSnapshotNoSnapshotColdStart(t *testing.T) {
	store := NewSnapshotStore(t.TempDir(), 3)
	_, err := store.LoadLatest()
	if !errors.Is(err, exception.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestSnapshotPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir, 2)
	for seq := uint64(1); seq <= 4; seq++ {
		if _, err := store.Save(Snapshot{LastSeq: seq}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("pruned count: %d", len(entries))
	}
	got, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LastSeq != 4 {
		t.Fatalf("latest after prune: %d", got.LastSeq)
	}
}
