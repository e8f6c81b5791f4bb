// Package cart is a small domain module driving a shopping-cart read model:
// its event payloads, fold logic, and denormalized columns plug directly
// into a projection.Spec.
package cart

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/wataruoguchi/emmett-go/internal/eventlog"
	"github.com/wataruoguchi/emmett-go/internal/projection"
)

const StreamType = "cart"

// Event type discriminators.
const (
	EventCartCreated   = "CartCreated"
	EventItemAdded     = "ItemAdded"
	EventItemRemoved   = "ItemRemoved"
	EventCartCheckedOut = "CartCheckedOut"
	EventCartCancelled  = "CartCancelled"
)

type CartCreated struct {
	Currency string `json:"currency"`
}

type ItemAdded struct {
	SKU       string `json:"sku"`
	UnitPrice int    `json:"unitPrice"`
	Qty       int    `json:"qty"`
}

type ItemRemoved struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// LineItem is one row of State.Items.
type LineItem struct {
	SKU       string `json:"sku"`
	Qty       int    `json:"qty"`
	UnitPrice int    `json:"unitPrice"`
}

// State is the folded read-model shape for one cart.
type State struct {
	Currency     string     `json:"currency"`
	Items        []LineItem `json:"items"`
	Total        int        `json:"total"`
	IsCheckedOut bool       `json:"is_checked_out"`
	IsCancelled  bool       `json:"is_cancelled"`
	OrderID      string     `json:"order_id"`
}

// InitialState produces the zero-value cart.
func InitialState() interface{} {
	return &State{}
}

// Evolve folds one decrypted cart event into state.
func Evolve(raw interface{}, event eventlog.Message) interface{} {
	s, _ := raw.(*State)
	if s == nil {
		s = &State{}
	}

	switch event.MessageType {
	case EventCartCreated:
		var payload CartCreated
		if err := json.Unmarshal(event.MessageData, &payload); err == nil {
			s.Currency = payload.Currency
		}
	case EventItemAdded:
		var payload ItemAdded
		if err := json.Unmarshal(event.MessageData, &payload); err == nil {
			s.applyItemAdded(payload)
		}
	case EventItemRemoved:
		var payload ItemRemoved
		if err := json.Unmarshal(event.MessageData, &payload); err == nil {
			s.applyItemRemoved(payload)
		}
	case EventCartCheckedOut:
		s.IsCheckedOut = true
		if s.OrderID == "" {
			s.OrderID = uuid.NewString()
		}
	case EventCartCancelled:
		s.IsCancelled = true
	}
	return s
}

func (s *State) applyItemAdded(payload ItemAdded) {
	for i := range s.Items {
		if s.Items[i].SKU == payload.SKU {
			s.Items[i].Qty += payload.Qty
			s.recompute()
			return
		}
	}
	s.Items = append(s.Items, LineItem{SKU: payload.SKU, Qty: payload.Qty, UnitPrice: payload.UnitPrice})
	s.recompute()
}

func (s *State) applyItemRemoved(payload ItemRemoved) {
	for i := range s.Items {
		if s.Items[i].SKU == payload.SKU {
			s.Items[i].Qty -= payload.Qty
			if s.Items[i].Qty <= 0 {
				s.Items = append(s.Items[:i], s.Items[i+1:]...)
			}
			break
		}
	}
	s.recompute()
}

func (s *State) recompute() {
	total := 0
	for _, item := range s.Items {
		total += item.Qty * item.UnitPrice
	}
	s.Total = total
}

// ExtractKeys keys a cart's snapshot row by (partition, stream_id).
func ExtractKeys(event eventlog.Message, partition string) map[string]string {
	return map[string]string{"partition": partition, "stream_id": event.StreamID}
}

// MapToColumns derives the denormalized columns cart_snapshots exposes for
// querying without deserializing the JSON snapshot.
func MapToColumns(raw interface{}) map[string]interface{} {
	s, _ := raw.(*State)
	if s == nil {
		s = &State{}
	}
	return map[string]interface{}{
		"currency":       s.Currency,
		"total":          s.Total,
		"is_checked_out": s.IsCheckedOut,
		"is_cancelled":   s.IsCancelled,
		"order_id":       s.OrderID,
	}
}

// Spec is the ready-to-use projection.Spec for the cart read model.
func Spec() projection.Spec {
	return projection.Spec{
		TableName:    "cart_snapshots",
		ExtractKeys:  ExtractKeys,
		Evolve:       Evolve,
		InitialState: InitialState,
		MapToColumns: MapToColumns,
	}
}
