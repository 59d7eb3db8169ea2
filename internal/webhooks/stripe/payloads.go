package stripewebhook

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/storyframe/storyframe-backend/internal/billing"
)

// snapshotOf reduces a subscription to what the tier resolver reads. The
// period end is the latest item period, where current API versions report it.
func snapshotOf(sub *stripe.Subscription) billing.SubscriptionSnapshot {
	var (
		prices []string
		end    int64
	)
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil && item.Price.ID != "" {
				prices = append(prices, item.Price.ID)
			}
			end = max(end, item.CurrentPeriodEnd)
		}
	}
	return billing.SubscriptionSnapshot{
		ID:                sub.ID,
		CustomerID:        customerID(sub.Customer),
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PriceIDs:          prices,
		CurrentPeriodEnd:  unixTime(end),
	}
}

// legacyInvoiceFields carries invoice.subscription, which older API versions
// send at the top level and stripe.Invoice no longer declares.
type legacyInvoiceFields struct {
	Subscription *stripe.Subscription `json:"subscription"`
}

// invoiceSubscriptionID reads the parent subscription of an invoice from
// either the current parent details or the legacy top-level field.
func invoiceSubscriptionID(invoice *stripe.Invoice, raw json.RawMessage) string {
	if p := invoice.Parent; p != nil && p.SubscriptionDetails != nil && p.SubscriptionDetails.Subscription != nil {
		if id := p.SubscriptionDetails.Subscription.ID; id != "" {
			return id
		}
	}
	var legacy legacyInvoiceFields
	if err := json.Unmarshal(raw, &legacy); err != nil || legacy.Subscription == nil {
		return ""
	}
	return legacy.Subscription.ID
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func paymentIntentID(p *stripe.PaymentIntent) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func chargeID(c *stripe.Charge) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// eventTime is nil when the event carries no creation time.
func eventTime(event *stripe.Event) *time.Time {
	return unixTime(event.Created)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
