package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateUser        OutboxAggregateType = "user"
	AggregateEntitlement OutboxAggregateType = "entitlement"
)

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	switch a {
	case AggregateUser, AggregateEntitlement:
		return true
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	if a := OutboxAggregateType(value); a.IsValid() {
		return a, nil
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventAccountProvisioned OutboxEventType = "account_provisioned"
	EventEntitlementChanged OutboxEventType = "entitlement_changed"
	EventAccountBlocked     OutboxEventType = "account_blocked"
)

// eventAggregates fixes which aggregate each event type is keyed on. The
// publisher orders by aggregate id, so an event filed under the wrong
// aggregate would race its siblings.
var eventAggregates = map[OutboxEventType]OutboxAggregateType{
	EventAccountProvisioned: AggregateUser,
	EventEntitlementChanged: AggregateEntitlement,
	EventAccountBlocked:     AggregateUser,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	_, ok := eventAggregates[e]
	return ok
}

// Aggregate returns the aggregate type the event belongs to, or "" for an
// unknown event type.
func (e OutboxEventType) Aggregate() OutboxAggregateType {
	return eventAggregates[e]
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	if e := OutboxEventType(value); e.IsValid() {
		return e, nil
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
