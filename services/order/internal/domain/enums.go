package domain

import (
	"fmt"
	"strings"
)

type Side uint8

const (
	_ Side = iota
	SideBuy
	SideSell
)

func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", raw)
	}
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

type OrderType uint8

const (
	_ OrderType = iota
	TypeMarket
	TypeLimit
)

func ParseOrderType(raw string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MARKET":
		return TypeMarket, nil
	case "LIMIT":
		return TypeLimit, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", raw)
	}
}

func (t OrderType) String() string {
	switch t {
	case TypeMarket:
		return "MARKET"
	case TypeLimit:
		return "LIMIT"
	default:
		return fmt.Sprintf("OrderType(%d)", uint8(t))
	}
}

func (t OrderType) Valid() bool { return t == TypeMarket || t == TypeLimit }

type TimeInForce uint8

const (
	_ TimeInForce = iota
	TIFDay
	TIFIOC
	TIFFOK
)

func ParseTimeInForce(raw string) (TimeInForce, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DAY":
		return TIFDay, nil
	case "IOC":
		return TIFIOC, nil
	case "FOK":
		return TIFFOK, nil
	default:
		return 0, fmt.Errorf("unknown time in force %q", raw)
	}
}

func (t TimeInForce) String() string {
	switch t {
	case TIFDay:
		return "DAY"
	case TIFIOC:
		return "IOC"
	case TIFFOK:
		return "FOK"
	default:
		return fmt.Sprintf("TimeInForce(%d)", uint8(t))
	}
}

func (t TimeInForce) Valid() bool { return t >= TIFDay && t <= TIFFOK }

type Status uint8

const (
	_ Status = iota
	StatusNew
	StatusWorking
	StatusFilled
	StatusCancelled
	StatusRejected
)

func ParseStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW":
		return StatusNew, nil
	case "WORKING":
		return StatusWorking, nil
	case "FILLED":
		return StatusFilled, nil
	case "CANCELLED":
		return StatusCancelled, nil
	case "REJECTED":
		return StatusRejected, nil
	default:
		return 0, fmt.Errorf("unknown status %q", raw)
	}
}

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusWorking:
		return "WORKING"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	case StatusNew, StatusWorking:
		return false
	default:
		panic(fmt.Sprintf("domain: unknown status %d", uint8(s)))
	}
}

// MarshalText and UnmarshalText let the enums travel as their names in JSON.

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *OrderType) UnmarshalText(b []byte) error {
	v, err := ParseOrderType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t TimeInForce) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeInForce) UnmarshalText(b []byte) error {
	v, err := ParseTimeInForce(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
