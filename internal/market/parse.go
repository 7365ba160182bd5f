package market

import "fmt"

// Parse helpers convert stored string forms back into enum values. They
// reject unknown input instead of defaulting, so a corrupt row fails
// loudly at load time.

func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

func ParseOrderKind(s string) (OrderKind, error) {
	switch s {
	case "market":
		return KindMarket, nil
	case "limit":
		return KindLimit, nil
	default:
		return 0, fmt.Errorf("unknown order kind %q", s)
	}
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "pending":
		return OrderPending, nil
	case "partially_filled":
		return OrderPartiallyFilled, nil
	case "filled":
		return OrderFilled, nil
	case "cancelled":
		return OrderCancelled, nil
	default:
		return 0, fmt.Errorf("unknown order status %q", s)
	}
}

func ParsePositionSide(s string) (PositionSide, error) {
	switch s {
	case "long":
		return PositionLong, nil
	case "short":
		return PositionShort, nil
	default:
		return 0, fmt.Errorf("unknown position side %q", s)
	}
}

func ParsePositionStatus(s string) (PositionStatus, error) {
	switch s {
	case "open":
		return PositionOpen, nil
	case "closed":
		return PositionClosed, nil
	case "liquidated":
		return PositionLiquidated, nil
	default:
		return 0, fmt.Errorf("unknown position status %q", s)
	}
}
