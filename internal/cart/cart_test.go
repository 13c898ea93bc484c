package cart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"supply-orders/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	mu        sync.Mutex
	snapshots []*models.CartSnapshot
	err       error
	block     chan struct{}
}

func (m *recordingMirror) MirrorCart(ctx context.Context, snapshot *models.CartSnapshot) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshot)
	return m.err
}

func (m *recordingMirror) last() *models.CartSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return nil
	}
	return m.snapshots[len(m.snapshots)-1]
}

func line(id string, qty int, price int64) models.LineItem {
	return models.LineItem{ProductID: id, Quantity: qty, UnitPrice: decimal.NewFromInt(price)}
}

func TestAddItemMergesByProduct(t *testing.T) {
	c := New("rest-1", nil)
	defer c.Close()

	require.NoError(t, c.AddItem(line("A", 2, 5)))
	require.NoError(t, c.AddItem(line("B", 1, 10)))
	require.NoError(t, c.AddItem(line("A", 3, 6)))

	lines := c.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "A", lines[0].ProductID)
	assert.Equal(t, 5, lines[0].Quantity)
	assert.True(t, lines[0].UnitPrice.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, 6, c.TotalItems())
	assert.True(t, c.TotalPrice().Equal(decimal.NewFromInt(40)))
}

func TestAddItemRejectsInvalidLines(t *testing.T) {
	c := New("rest-1", nil)
	defer c.Close()

	assert.ErrorIs(t, c.AddItem(line("A", 0, 5)), models.ErrValidation)
	assert.ErrorIs(t, c.AddItem(line("A", -1, 5)), models.ErrValidation)
	assert.ErrorIs(t, c.AddItem(line("", 1, 5)), models.ErrValidation)
	assert.ErrorIs(t, c.AddItem(line("A", 1, -5)), models.ErrValidation)
	assert.True(t, c.IsEmpty())
}

func TestUpdateQuantity(t *testing.T) {
	c := New("rest-1", nil)
	defer c.Close()

	require.NoError(t, c.AddItem(line("A", 2, 5)))
	require.NoError(t, c.AddItem(line("B", 1, 10)))

	require.NoError(t, c.UpdateQuantity("A", 7))
	assert.Equal(t, 7, c.Lines()[0].Quantity)

	// zero removes the line rather than storing it
	require.NoError(t, c.UpdateQuantity("A", 0))
	lines := c.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "B", lines[0].ProductID)

	assert.ErrorIs(t, c.UpdateQuantity("missing", 3), models.ErrNotFound)
}

func TestRemoveAndClear(t *testing.T) {
	c := New("rest-1", nil)
	defer c.Close()

	require.NoError(t, c.AddItem(line("A", 2, 5)))
	require.NoError(t, c.AddItem(line("B", 1, 10)))

	c.RemoveItem("A")
	c.RemoveItem("not-there")
	assert.Len(t, c.Lines(), 1)

	c.Clear()
	assert.True(t, c.IsEmpty())
	assert.True(t, c.TotalPrice().IsZero())
}

func TestLinesReturnsCopy(t *testing.T) {
	c := New("rest-1", nil)
	defer c.Close()

	require.NoError(t, c.AddItem(line("A", 2, 5)))
	lines := c.Lines()
	lines[0].Quantity = 100

	assert.Equal(t, 2, c.Lines()[0].Quantity)
}

func TestSnapshot(t *testing.T) {
	c := New("rest-1", nil)
	defer c.Close()

	require.NoError(t, c.AddItem(line("A", 2, 5)))
	require.NoError(t, c.AddItem(line("B", 1, 10)))

	snap := c.Snapshot()
	assert.Equal(t, "rest-1", snap.RestaurantID)
	assert.Equal(t, 3, snap.TotalItems)
	assert.True(t, snap.TotalPrice.Equal(decimal.NewFromInt(20)))
	assert.False(t, snap.UpdatedAt.IsZero())
}

func TestMirrorReceivesLatestSnapshot(t *testing.T) {
	mirror := &recordingMirror{}
	c := New("rest-1", mirror)

	require.NoError(t, c.AddItem(line("A", 1, 5)))
	require.NoError(t, c.AddItem(line("A", 1, 5)))
	require.NoError(t, c.AddItem(line("B", 4, 1)))
	c.Close()

	last := mirror.last()
	require.NotNil(t, last)
	assert.Equal(t, 6, last.TotalItems)
	assert.Len(t, last.Lines, 2)
}

func TestMirrorCoalescesWhileBusy(t *testing.T) {
	mirror := &recordingMirror{block: make(chan struct{})}
	c := New("rest-1", mirror)

	require.NoError(t, c.AddItem(line("A", 1, 5)))
	// let the mirror goroutine pick up the first snapshot and block on it
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.AddItem(line("A", 1, 5)))
	}

	close(mirror.block)
	c.Close()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.LessOrEqual(t, len(mirror.snapshots), 3)
	assert.Equal(t, 11, mirror.snapshots[len(mirror.snapshots)-1].TotalItems)
}

func TestMirrorFailureDoesNotAffectCart(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("offline")}
	c := New("rest-1", mirror)

	require.NoError(t, c.AddItem(line("A", 1, 5)))
	c.Close()

	assert.Equal(t, 1, c.TotalItems())
	// mutations after Close still work, they are just not mirrored
	require.NoError(t, c.AddItem(line("B", 1, 5)))
	assert.Equal(t, 2, c.TotalItems())
}

func TestRestore(t *testing.T) {
	mirror := &recordingMirror{}
	c := New("rest-1", mirror)

	c.Restore(&models.CartSnapshot{Lines: []models.LineItem{line("A", 2, 5), line("B", 0, 5)}})
	c.Close()

	assert.Len(t, c.Lines(), 1)
	assert.Nil(t, mirror.last())
}

func TestRestoreMergesRepeatedProducts(t *testing.T) {
	c := New("rest-1", nil)
	defer c.Close()

	c.Restore(&models.CartSnapshot{Lines: []models.LineItem{line("A", 1, 5), line("B", 1, 2), line("A", 1, 6)}})

	lines := c.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "A", lines[0].ProductID)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.True(t, lines[0].UnitPrice.Equal(decimal.NewFromInt(6)))

	require.NoError(t, c.AddItem(line("A", 3, 6)))
	require.NoError(t, c.UpdateQuantity("A", 0))

	lines = c.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "B", lines[0].ProductID)
}
