package cart

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wataruoguchi/emmett-go/internal/eventlog"
)

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestEvolve_ShoppingCartScenario(t *testing.T) {
	events := []eventlog.Message{
		{MessageType: EventCartCreated, MessageData: marshal(t, CartCreated{Currency: "USD"})},
		{MessageType: EventItemAdded, MessageData: marshal(t, ItemAdded{SKU: "SKU-123", UnitPrice: 25, Qty: 2})},
		{MessageType: EventItemAdded, MessageData: marshal(t, ItemAdded{SKU: "SKU-456", UnitPrice: 15, Qty: 1})},
		{MessageType: EventItemRemoved, MessageData: marshal(t, ItemRemoved{SKU: "SKU-123", Qty: 1})},
		{MessageType: EventCartCheckedOut},
	}

	var state interface{} = InitialState()
	for _, e := range events {
		state = Evolve(state, e)
	}

	s := state.(*State)
	require.Equal(t, "USD", s.Currency)
	require.Equal(t, []LineItem{
		{SKU: "SKU-123", Qty: 1, UnitPrice: 25},
		{SKU: "SKU-456", Qty: 1, UnitPrice: 15},
	}, s.Items)
	require.Equal(t, 40, s.Total)
	require.True(t, s.IsCheckedOut)
	require.False(t, s.IsCancelled)
	require.NotEmpty(t, s.OrderID)
}

func TestMapToColumns_ReflectsState(t *testing.T) {
	s := &State{Currency: "USD", Total: 40, IsCheckedOut: true, OrderID: "order-1"}
	cols := MapToColumns(s)
	require.Equal(t, "USD", cols["currency"])
	require.Equal(t, 40, cols["total"])
	require.Equal(t, true, cols["is_checked_out"])
	require.Equal(t, "order-1", cols["order_id"])
}
