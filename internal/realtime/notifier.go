package realtime

import (
	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/model"
)

// WalletUpdate is the payload of a wallet:update event.
type WalletUpdate struct {
	Balance     decimal.Decimal    `json:"balance"`
	LedgerEntry *model.LedgerEntry `json:"ledgerEntry,omitempty"`
}

// Notifier publishes wallet and order changes to the owner's user topic.
type Notifier struct {
	reg *Registry
}

// NewNotifier creates a Notifier backed by reg.
func NewNotifier(reg *Registry) *Notifier {
	return &Notifier{reg: reg}
}

func (n *Notifier) WalletUpdated(userID string, balance decimal.Decimal, entry *model.LedgerEntry) {
	n.reg.Publish(UserTopic(userID), Message{
		Event: EventWalletUpdate,
		Data:  WalletUpdate{Balance: balance, LedgerEntry: entry},
	})
}

func (n *Notifier) OrderUpdated(o model.Order) {
	n.reg.Publish(UserTopic(o.UserID), Message{Event: EventOrderUpdate, Data: o})
}
