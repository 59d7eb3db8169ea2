package enums

// CreditEventType classifies entries in the credit event log. Together with
// the user and reference id it forms the idempotency key of a mutation.
type CreditEventType string

const (
	CreditEventActivation     CreditEventType = "subscription_activation"
	CreditEventTierDowngrade  CreditEventType = "tier_downgrade"
	CreditEventGraceStarted   CreditEventType = "grace_started"
	CreditEventPurchase       CreditEventType = "credit_purchase"
	CreditEventInvoiceRefill  CreditEventType = "invoice_refill"
	CreditEventChargeRefunded CreditEventType = "charge_refunded"
	CreditEventDispute        CreditEventType = "dispute_created"
	CreditEventPendingClaim   CreditEventType = "pending_claim"
	CreditEventGraceExpired   CreditEventType = "grace_expired"
)

var validCreditEventTypes = []CreditEventType{
	CreditEventActivation,
	CreditEventTierDowngrade,
	CreditEventGraceStarted,
	CreditEventPurchase,
	CreditEventInvoiceRefill,
	CreditEventChargeRefunded,
	CreditEventDispute,
	CreditEventPendingClaim,
	CreditEventGraceExpired,
}

func (e CreditEventType) IsValid() bool {
	for _, candidate := range validCreditEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// LedgerReason explains a balance movement in credit_ledger_entries.
type LedgerReason string

const (
	LedgerPurchase        LedgerReason = "purchase"
	LedgerActivationGrant LedgerReason = "activation_grant"
	LedgerRefill          LedgerReason = "refill"
	LedgerDowngradeClamp  LedgerReason = "downgrade_clamp"
	LedgerRefundRevoke    LedgerReason = "refund_revoke"
	LedgerDisputeRevoke   LedgerReason = "dispute_revoke"
	LedgerGraceExpired    LedgerReason = "grace_expired"
	LedgerPendingClaim    LedgerReason = "pending_claim"
)

// PurchaseStatus tracks a one-off credit pack purchase.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRefunded  PurchaseStatus = "refunded"
	PurchaseDisputed  PurchaseStatus = "disputed"
)

func (s PurchaseStatus) IsValid() bool {
	switch s {
	case PurchasePending, PurchaseCompleted, PurchaseRefunded, PurchaseDisputed:
		return true
	}
	return false
}
