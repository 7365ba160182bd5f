package wallet

import "fmt"

// ParsePocket converts a stored pocket name back to its enum value.
func ParsePocket(s string) (Pocket, error) {
	switch s {
	case "spot":
		return PocketSpot, nil
	case "funding":
		return PocketFunding, nil
	case "futures":
		return PocketFutures, nil
	case "earn":
		return PocketEarn, nil
	default:
		return 0, fmt.Errorf("unknown pocket %q", s)
	}
}

// ParseEntryType converts a stored entry type name back to its enum value.
func ParseEntryType(s string) (EntryType, error) {
	switch s {
	case "deposit":
		return EntryDeposit, nil
	case "withdrawal":
		return EntryWithdrawal, nil
	case "trade":
		return EntryTrade, nil
	case "transfer":
		return EntryTransfer, nil
	case "realized_pnl":
		return EntryRealizedPnL, nil
	case "funding":
		return EntryFunding, nil
	case "liquidation":
		return EntryLiquidation, nil
	case "adjustment":
		return EntryAdjustment, nil
	default:
		return 0, fmt.Errorf("unknown entry type %q", s)
	}
}
