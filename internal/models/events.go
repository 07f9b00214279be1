package models

import "time"

type EventType string

const (
	EventStrategyStarted EventType = "strategy_started"
	EventStrategyStopped EventType = "strategy_stopped"
	EventStrategyError   EventType = "strategy_error"
	EventStrategyResumed EventType = "strategy_resumed"
	EventEntryPlaced     EventType = "entry_placed"
	EventBracketArmed    EventType = "bracket_armed"
	EventTP1Hit          EventType = "tp1_hit"
	EventStopTrailed     EventType = "stop_trailed"
	EventPositionClosed  EventType = "position_closed"
	EventEmergencyClose  EventType = "emergency_close"
	EventFatalBracket    EventType = "fatal_bracket"
	EventConnectionLost  EventType = "connection_lost"
	EventConnectionUp    EventType = "connection_up"
)

// Event — доменное событие для внешних потребителей (telegram, webhooks).
type Event struct {
	ID         string    `json:"id"` // uuid
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	UserID     int64     `json:"user_id"`
	Instrument string    `json:"instrument,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Message    string    `json:"message"`
}
