package domain

type EventType string

const (
	EventBotStarted        EventType = "BOT_STARTED"
	EventSignalReceived    EventType = "SIGNAL_RECEIVED"
	EventTradeState        EventType = "TRADE_STATE"
	EventLeverageSet       EventType = "LEVERAGE_SET"
	EventOrderPlaced       EventType = "ORDER_PLACED"
	EventOrderFilled       EventType = "ORDER_FILLED"
	EventOrderCancelled    EventType = "ORDER_CANCELLED"
	EventPositionOpened    EventType = "POSITION_OPENED"
	EventPositionClosed    EventType = "POSITION_CLOSED"
	EventTPHit             EventType = "TP_HIT"
	EventSLHit             EventType = "SL_HIT"
	EventPyramidStep       EventType = "PYRAMID_STEP"
	EventBreakevenMoved    EventType = "BREAKEVEN_MOVED"
	EventTrailingActivated EventType = "TRAILING_ACTIVATED"
	EventTrailingMoved     EventType = "TRAILING_MOVED"
	EventHedgeStarted      EventType = "HEDGE_STARTED"
	EventReentryAttempt    EventType = "REENTRY_ATTEMPT"
	EventTradeError        EventType = "TRADE_ERROR"
)

// JournalEntry is one immutable, hash-chained journal line.
type JournalEntry struct {
	Sequence  int64          `json:"sequence"`
	EventType EventType      `json:"event_type"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prev_hash"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}
