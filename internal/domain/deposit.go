package domain

// DepositInfo describes one detected incoming transfer to a custodial address.
type DepositInfo struct {
	Signature   string
	UserID      string
	ToAddress   string
	Amount      int64 // smallest unit
	AssetSymbol string
	Slot        int64
	BlockTime   int64 // Unix timestamp (seconds)
}

// EventKey is the partition key used when the deposit is published to a
// message broker.
func (d *DepositInfo) EventKey() string {
	return d.Signature
}
