package stripewebhook

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/billing"
	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/internal/customers"
	"github.com/storyframe/storyframe-backend/internal/entitlements"
	"github.com/storyframe/storyframe-backend/internal/identity"
	"github.com/storyframe/storyframe-backend/internal/ledger"
	"github.com/storyframe/storyframe-backend/internal/users"
	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db"
	"github.com/storyframe/storyframe-backend/pkg/db/dbtest"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
	stripeclient "github.com/storyframe/storyframe-backend/pkg/stripe"
)

const (
	priceStandard    = "price_std"
	pricePremium     = "price_pro"
	priceCommunity   = "price_community"
	communityGrant   = 99999
	testCustomer     = "cus_1"
	testSubscription = "sub_1"
)

type stubDirectory struct {
	emails map[string]string
}

func (s *stubDirectory) CustomerEmail(_ context.Context, id string) (string, error) {
	email, ok := s.emails[id]
	if !ok {
		return "", stripeclient.ErrCustomerUnavailable
	}
	return email, nil
}

type stubCharges struct {
	customers map[string]string
}

func (s *stubCharges) ChargeCustomerID(_ context.Context, chargeID string) (string, error) {
	return s.customers[chargeID], nil
}

type harness struct {
	svc  *Service
	conn *gorm.DB
	dir  *stubDirectory
}

func newHarness(t *testing.T, lazy bool) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)
	userRepo := users.NewRepository(conn)
	customerRepo := customers.NewRepository(conn)
	dir := &stubDirectory{emails: map[string]string{}}

	resolver, err := identity.NewResolver(identity.ResolverParams{
		DB:          db.Wrap(conn),
		Customers:   customerRepo,
		Users:       userRepo,
		Provisioner: users.NewProvisioner(userRepo, config.PasswordConfig{ArgonMemoryKB: 64, ArgonTime: 1, ArgonParallelism: 1, ArgonSaltLen: 16, ArgonKeyLen: 32}),
		Directory:   dir,
		Outbox:      emitter,
		JWT:         config.JWTConfig{Secret: "secret", Issuer: "storyframe", ExpirationMinutes: 60, SetupTokenTTL: 60},
		AppURL:      "https://app.storyframe.test",
		Logger:      logg,
	})
	require.NoError(t, err)

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	require.NoError(t, err)
	wallets, err := credits.NewWallets(credits.NewRepository(conn), ledgerSvc)
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		TransactionRunner: db.Wrap(conn),
		Accounts:          resolver,
		Users:             userRepo,
		Billing: billing.NewResolver(billing.NewCatalog(
			billing.TierRule{Tier: enums.TierStandard, PriceIDs: []string{priceStandard}, Grant: 10},
			billing.TierRule{Tier: enums.TierPremium, PriceIDs: []string{pricePremium}, Grant: 100},
			billing.TierRule{Tier: enums.TierUnlimitedCommunity, PriceIDs: []string{priceCommunity}, Grant: communityGrant},
		)),
		Entitlements:     entitlements.NewRepository(conn),
		Pending:          entitlements.NewPendingRepository(conn),
		Customers:        customerRepo,
		Wallets:          wallets,
		Outbox:           emitter,
		Charges:          &stubCharges{customers: map[string]string{"ch_disputed": testCustomer}},
		Logger:           logg,
		LazyProvisioning: lazy,
	})
	require.NoError(t, err)
	return &harness{svc: svc, conn: conn, dir: dir}
}

// seedAccount creates an account already mapped to testCustomer.
func (h *harness) seedAccount(t *testing.T, email string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	account := &models.User{Email: email, PasswordHash: "x"}
	require.NoError(t, users.NewRepository(h.conn).Create(ctx, account))
	_, err := customers.NewRepository(h.conn).Link(ctx, testCustomer, account.ID, email)
	require.NoError(t, err)
	return account.ID
}

func (h *harness) handle(t *testing.T, event *stripe.Event) {
	t.Helper()
	require.NoError(t, h.svc.HandleEvent(context.Background(), event))
}

func (h *harness) wallet(t *testing.T, userID uuid.UUID) models.CreditWallet {
	t.Helper()
	var wallet models.CreditWallet
	require.NoError(t, h.conn.Where("user_id = ?", userID).First(&wallet).Error)
	return wallet
}

func (h *harness) setBalance(t *testing.T, userID uuid.UUID, balance int) {
	t.Helper()
	require.NoError(t, h.conn.Model(&models.CreditWallet{}).Where("user_id = ?", userID).Update("credits_balance", balance).Error)
}

func (h *harness) entitlement(t *testing.T, userID uuid.UUID) models.Entitlement {
	t.Helper()
	var ent models.Entitlement
	require.NoError(t, h.conn.Where("user_id = ?", userID).First(&ent).Error)
	return ent
}

func (h *harness) countEvents(t *testing.T, userID uuid.UUID, eventType enums.CreditEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.conn.Model(&models.CreditEvent{}).Where("user_id = ? AND event_type = ?", userID, eventType).Count(&n).Error)
	return n
}

func (h *harness) countOutbox(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func newEvent(t *testing.T, id string, eventType stripe.EventType, object map[string]any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{ID: id, Type: eventType, Data: &stripe.EventData{Raw: raw}}
}

// createdAt stamps the event's creation time in unix seconds.
func createdAt(event *stripe.Event, sec int64) *stripe.Event {
	event.Created = sec
	return event
}

func subscriptionObject(status, price string, cancelAtPeriodEnd bool, periodEnd int64) map[string]any {
	return map[string]any{
		"id":                   testSubscription,
		"object":               "subscription",
		"customer":             testCustomer,
		"status":               status,
		"cancel_at_period_end": cancelAtPeriodEnd,
		"items": map[string]any{
			"data": []any{
				map[string]any{
					"price":              map[string]any{"id": price},
					"current_period_end": periodEnd,
				},
			},
		},
	}
}

func periodEnd() int64 {
	return time.Now().Add(30 * 24 * time.Hour).Unix()
}

func (h *harness) activatePremium(t *testing.T, userID uuid.UUID) {
	t.Helper()
	h.handle(t, newEvent(t, "evt_activate", stripe.EventTypeCustomerSubscriptionCreated, subscriptionObject("active", pricePremium, false, periodEnd())))
	require.Equal(t, 100, h.wallet(t, userID).CreditsBalance)
}

func TestSubscriptionActivationGrantsOnce(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	end := periodEnd()

	created := newEvent(t, "evt_created", stripe.EventTypeCustomerSubscriptionCreated, subscriptionObject("active", pricePremium, false, end))
	h.handle(t, created)
	h.handle(t, created)
	h.handle(t, newEvent(t, "evt_updated", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, false, end)))

	wallet := h.wallet(t, userID)
	assert.Equal(t, 100, wallet.CreditsBalance)
	assert.Equal(t, 100, wallet.MonthlyAllowance)
	assert.EqualValues(t, 1, h.countEvents(t, userID, enums.CreditEventActivation))

	ent := h.entitlement(t, userID)
	assert.Equal(t, enums.PlanPremium, ent.Plan)
	assert.Equal(t, enums.TierPremium, ent.Tier)
	assert.Equal(t, enums.EntitlementActive, ent.Status)
	require.NotNil(t, ent.StripeSubscriptionID)
	assert.Equal(t, testSubscription, *ent.StripeSubscriptionID)
	require.NotNil(t, ent.CurrentPeriodEnd)
	assert.Equal(t, end, ent.CurrentPeriodEnd.Unix())

	var entries int64
	require.NoError(t, h.conn.Model(&models.CreditLedgerEntry{}).Where("user_id = ?", userID).Count(&entries).Error)
	assert.EqualValues(t, 1, entries)
	assert.EqualValues(t, 1, h.countOutbox(t, enums.EventEntitlementChanged))
}

func TestTierDowngradeClampsBalance(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	h.setBalance(t, userID, 85)

	down := newEvent(t, "evt_down", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", priceStandard, false, periodEnd()))
	h.handle(t, down)

	wallet := h.wallet(t, userID)
	assert.Equal(t, 10, wallet.CreditsBalance)
	assert.Equal(t, 10, wallet.MonthlyAllowance)
	ent := h.entitlement(t, userID)
	assert.Equal(t, enums.TierStandard, ent.Tier)
	assert.Equal(t, enums.PlanStandard, ent.Plan)

	h.setBalance(t, userID, 8)
	h.handle(t, down)
	assert.Equal(t, 8, h.wallet(t, userID).CreditsBalance)
	assert.EqualValues(t, 1, h.countEvents(t, userID, enums.CreditEventTierDowngrade))
}

func TestTierDowngradeNeverRaisesBalance(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	h.setBalance(t, userID, 4)

	h.handle(t, newEvent(t, "evt_down", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", priceStandard, false, periodEnd())))

	assert.Equal(t, 4, h.wallet(t, userID).CreditsBalance)
}

func TestScheduledCancellationStartsGraceAndKeepsBalance(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	h.setBalance(t, userID, 7)
	end := periodEnd()

	cancel := newEvent(t, "evt_cancel", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, true, end))
	h.handle(t, cancel)

	ent := h.entitlement(t, userID)
	assert.Equal(t, enums.PlanPremium, ent.Plan)
	require.NotNil(t, ent.GraceUntil)
	assert.Equal(t, end, ent.GraceUntil.Unix())
	require.NotNil(t, ent.DowngradedAt)
	wallet := h.wallet(t, userID)
	assert.Equal(t, 7, wallet.CreditsBalance)
	assert.Zero(t, wallet.MonthlyAllowance)

	h.handle(t, cancel)
	h.handle(t, newEvent(t, "evt_deleted", stripe.EventTypeCustomerSubscriptionDeleted, subscriptionObject("canceled", pricePremium, false, end)))

	ent = h.entitlement(t, userID)
	assert.Equal(t, enums.PlanPremium, ent.Plan)
	assert.Equal(t, enums.EntitlementInactive, ent.Status)
	require.NotNil(t, ent.GraceUntil)
	assert.Equal(t, end, ent.GraceUntil.Unix())
	assert.Equal(t, 7, h.wallet(t, userID).CreditsBalance)
	assert.EqualValues(t, 1, h.countEvents(t, userID, enums.CreditEventGraceStarted))
}

func TestUndoingCancellationClearsGrace(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	end := periodEnd()

	h.handle(t, newEvent(t, "evt_cancel", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, true, end)))
	h.handle(t, newEvent(t, "evt_resume", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, false, end)))

	ent := h.entitlement(t, userID)
	assert.Nil(t, ent.GraceUntil)
	assert.Nil(t, ent.DowngradedAt)
	wallet := h.wallet(t, userID)
	assert.Equal(t, 100, wallet.CreditsBalance)
	assert.Equal(t, 100, wallet.MonthlyAllowance)
	assert.EqualValues(t, 1, h.countEvents(t, userID, enums.CreditEventActivation))
}

func TestAllowanceResyncsWithoutTouchingBalance(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	require.NoError(t, h.conn.Model(&models.CreditWallet{}).Where("user_id = ?", userID).Update("monthly_allowance", 5).Error)
	h.setBalance(t, userID, 42)

	h.handle(t, newEvent(t, "evt_sync", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, false, periodEnd())))

	wallet := h.wallet(t, userID)
	assert.Equal(t, 100, wallet.MonthlyAllowance)
	assert.Equal(t, 42, wallet.CreditsBalance)
}

func creditPurchaseSession(userID uuid.UUID) map[string]any {
	return map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": "paid",
		"customer":       testCustomer,
		"payment_intent": "pi_pack",
		"amount_total":   1299,
		"currency":       "usd",
		"metadata": map[string]string{
			"package_id": "pack_50",
			"credits":    "50",
			"user_id":    userID.String(),
		},
	}
}

func TestCheckoutCreditsPurchaseOnce(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")

	completed := newEvent(t, "evt_checkout", stripe.EventTypeCheckoutSessionCompleted, creditPurchaseSession(userID))
	h.handle(t, completed)
	h.handle(t, completed)

	assert.Equal(t, 50, h.wallet(t, userID).CreditsBalance)
	purchase, err := credits.NewRepository(h.conn).FindPurchase(context.Background(), "cs_1")
	require.NoError(t, err)
	require.NotNil(t, purchase)
	assert.Equal(t, enums.PurchaseCompleted, purchase.Status)
	assert.Equal(t, "12.99", purchase.AmountPaid.StringFixed(2))
	require.NotNil(t, purchase.PaymentIntentID)
	assert.Equal(t, "pi_pack", *purchase.PaymentIntentID)
}

func TestCheckoutWithInvalidMetadataIsAcknowledged(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	session := creditPurchaseSession(userID)
	session["metadata"] = map[string]string{"package_id": "pack_50", "credits": "zero"}

	h.handle(t, newEvent(t, "evt_checkout", stripe.EventTypeCheckoutSessionCompleted, session))

	var n int64
	require.NoError(t, h.conn.Model(&models.CreditPurchase{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestCheckoutForSubscriptionModeIsIgnored(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	session := creditPurchaseSession(userID)
	session["mode"] = "subscription"

	h.handle(t, newEvent(t, "evt_checkout", stripe.EventTypeCheckoutSessionCompleted, session))

	assert.EqualValues(t, 0, h.countEvents(t, userID, enums.CreditEventPurchase))
}

func TestRefundedPurchaseBlocksAccount(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.handle(t, newEvent(t, "evt_checkout", stripe.EventTypeCheckoutSessionCompleted, creditPurchaseSession(userID)))

	refund := newEvent(t, "evt_refund", stripe.EventTypeChargeRefunded, map[string]any{
		"id":             "ch_pack",
		"object":         "charge",
		"customer":       testCustomer,
		"payment_intent": "pi_pack",
	})
	h.handle(t, refund)
	h.handle(t, refund)

	ent := h.entitlement(t, userID)
	assert.True(t, ent.IsBlocked)
	assert.Equal(t, enums.PlanFree, ent.Plan)
	require.NotNil(t, ent.BlockedReason)
	assert.Equal(t, "charge_refunded", *ent.BlockedReason)
	assert.Zero(t, h.wallet(t, userID).CreditsBalance)

	purchase, err := credits.NewRepository(h.conn).FindPurchase(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, enums.PurchaseRefunded, purchase.Status)
	assert.EqualValues(t, 1, h.countOutbox(t, enums.EventAccountBlocked))

	// A blocked account only picks up subscription metadata.
	h.handle(t, newEvent(t, "evt_sub", stripe.EventTypeCustomerSubscriptionCreated, subscriptionObject("active", pricePremium, false, periodEnd())))
	ent = h.entitlement(t, userID)
	assert.True(t, ent.IsBlocked)
	assert.Equal(t, enums.PlanFree, ent.Plan)
	assert.Zero(t, h.wallet(t, userID).CreditsBalance)
}

func TestRefundedSubscriptionPaymentDowngradesWithoutBlocking(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)

	h.handle(t, newEvent(t, "evt_refund", stripe.EventTypeChargeRefunded, map[string]any{
		"id":             "ch_sub",
		"object":         "charge",
		"customer":       testCustomer,
		"payment_intent": "pi_invoice",
	}))

	ent := h.entitlement(t, userID)
	assert.False(t, ent.IsBlocked)
	assert.Equal(t, enums.PlanFree, ent.Plan)
	assert.Equal(t, enums.TierFree, ent.Tier)
	assert.Equal(t, enums.EntitlementInactive, ent.Status)
	wallet := h.wallet(t, userID)
	assert.Zero(t, wallet.CreditsBalance)
	assert.Zero(t, wallet.MonthlyAllowance)
	assert.EqualValues(t, 0, h.countOutbox(t, enums.EventAccountBlocked))
}

func TestDisputeResolvesCustomerThroughCharge(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)

	h.handle(t, newEvent(t, "evt_dispute", stripe.EventTypeChargeDisputeCreated, map[string]any{
		"id":     "dp_1",
		"object": "dispute",
		"charge": "ch_disputed",
	}))

	assert.Equal(t, enums.PlanFree, h.entitlement(t, userID).Plan)
	assert.Zero(t, h.wallet(t, userID).CreditsBalance)
	assert.EqualValues(t, 1, h.countEvents(t, userID, enums.CreditEventDispute))
}

func TestLazyProvisioningCreatesOneAccount(t *testing.T) {
	h := newHarness(t, true)
	h.dir.emails[testCustomer] = "Newcomer@Example.com"
	end := periodEnd()

	h.handle(t, newEvent(t, "evt_created", stripe.EventTypeCustomerSubscriptionCreated, subscriptionObject("active", pricePremium, false, end)))
	h.handle(t, newEvent(t, "evt_updated", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, false, end)))

	var accounts []models.User
	require.NoError(t, h.conn.Where("email = ?", "newcomer@example.com").Find(&accounts).Error)
	require.Len(t, accounts, 1)
	assert.True(t, accounts[0].NeedsSetup)

	assert.Equal(t, 100, h.wallet(t, accounts[0].ID).CreditsBalance)
	assert.Equal(t, enums.PlanPremium, h.entitlement(t, accounts[0].ID).Plan)
	assert.EqualValues(t, 1, h.countOutbox(t, enums.EventAccountProvisioned))
}

func TestUnknownPayerIsParkedWhenProvisioningDisabled(t *testing.T) {
	h := newHarness(t, false)
	h.dir.emails[testCustomer] = "later@example.com"

	h.handle(t, newEvent(t, "evt_created", stripe.EventTypeCustomerSubscriptionCreated, subscriptionObject("active", pricePremium, false, periodEnd())))

	pending, err := entitlements.NewPendingRepository(h.conn).FindUnclaimed(context.Background(), "later@example.com")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, enums.PlanPremium, pending.Plan)
	assert.Equal(t, 100, pending.CreditsToGrant)
	assert.Equal(t, pendingReasonNoAccount, pending.Reason)

	var n int64
	require.NoError(t, h.conn.Model(&models.User{}).Count(&n).Error)
	assert.Zero(t, n)

	h.handle(t, newEvent(t, "evt_deleted", stripe.EventTypeCustomerSubscriptionDeleted, subscriptionObject("canceled", pricePremium, false, periodEnd())))
	pending, err = entitlements.NewPendingRepository(h.conn).FindUnclaimed(context.Background(), "later@example.com")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, enums.PlanFree, pending.Plan)
	assert.Zero(t, pending.CreditsToGrant)
}

func invoiceObject(id string, object map[string]any) map[string]any {
	object["id"] = id
	object["object"] = "invoice"
	object["customer"] = testCustomer
	return object
}

func TestInvoiceRefillAppliesOncePerInvoice(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	h.setBalance(t, userID, 3)

	paid := newEvent(t, "evt_inv_1", stripe.EventTypeInvoicePaid, invoiceObject("in_1", map[string]any{"subscription": testSubscription}))
	h.handle(t, paid)

	wallet := h.wallet(t, userID)
	assert.Equal(t, 100, wallet.CreditsBalance)
	require.NotNil(t, wallet.LastRefillReference)
	assert.Equal(t, "in_1", *wallet.LastRefillReference)

	h.setBalance(t, userID, 40)
	h.handle(t, paid)
	assert.Equal(t, 40, h.wallet(t, userID).CreditsBalance)

	h.handle(t, newEvent(t, "evt_inv_2", stripe.EventTypeInvoicePaid, invoiceObject("in_2", map[string]any{
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": testSubscription},
		},
	})))
	assert.Equal(t, 100, h.wallet(t, userID).CreditsBalance)
	assert.EqualValues(t, 2, h.countEvents(t, userID, enums.CreditEventInvoiceRefill))
}

func TestPaymentSucceededAndPaidShareOneRefill(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	h.setBalance(t, userID, 3)

	h.handle(t, newEvent(t, "evt_inv_succeeded", stripe.EventTypeInvoicePaymentSucceeded, invoiceObject("in_1", map[string]any{"subscription": testSubscription})))
	h.setBalance(t, userID, 60)
	h.handle(t, newEvent(t, "evt_inv_paid", stripe.EventTypeInvoicePaid, invoiceObject("in_1", map[string]any{"subscription": testSubscription})))

	assert.Equal(t, 60, h.wallet(t, userID).CreditsBalance)
	assert.EqualValues(t, 1, h.countEvents(t, userID, enums.CreditEventInvoiceRefill))
}

func TestInvoiceForOtherSubscriptionIsSkipped(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	h.setBalance(t, userID, 3)

	h.handle(t, newEvent(t, "evt_inv", stripe.EventTypeInvoicePaid, invoiceObject("in_other", map[string]any{"subscription": "sub_other"})))

	assert.Equal(t, 3, h.wallet(t, userID).CreditsBalance)
}

func TestInvoiceDuringGraceIsSkipped(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	h.handle(t, newEvent(t, "evt_cancel", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, true, periodEnd())))
	h.setBalance(t, userID, 3)

	h.handle(t, newEvent(t, "evt_inv", stripe.EventTypeInvoicePaid, invoiceObject("in_1", map[string]any{"subscription": testSubscription})))

	assert.Equal(t, 3, h.wallet(t, userID).CreditsBalance)
}

func TestRefillFallsBackToCatalogWhenAllowanceMissing(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	require.NoError(t, h.conn.Model(&models.CreditWallet{}).Where("user_id = ?", userID).Update("monthly_allowance", 0).Error)

	h.handle(t, newEvent(t, "evt_inv", stripe.EventTypeInvoicePaid, invoiceObject("in_1", map[string]any{"subscription": testSubscription})))

	wallet := h.wallet(t, userID)
	assert.Equal(t, 100, wallet.CreditsBalance)
	assert.Equal(t, 100, wallet.MonthlyAllowance)
}

func TestHandleEventIgnoresUnknownTypes(t *testing.T) {
	h := newHarness(t, false)
	h.handle(t, newEvent(t, "evt_other", stripe.EventType("customer.created"), map[string]any{"id": "cus_x"}))
	assert.False(t, Handles(stripe.EventType("customer.created")))
	assert.True(t, Handles(stripe.EventTypeInvoicePaid))
}

func TestHandleEventRejectsUndecodablePayload(t *testing.T) {
	h := newHarness(t, false)
	event := &stripe.Event{ID: "evt_bad", Type: stripe.EventTypeInvoicePaid, Data: &stripe.EventData{Raw: json.RawMessage(`{"id": 12}`)}}

	err := h.svc.HandleEvent(context.Background(), event)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestLateUpdateCannotUndoDeletion(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)
	end := periodEnd()

	h.handle(t, createdAt(newEvent(t, "evt_deleted", stripe.EventTypeCustomerSubscriptionDeleted, subscriptionObject("canceled", pricePremium, false, end)), 300))
	h.handle(t, createdAt(newEvent(t, "evt_late", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, false, end)), 200))

	ent := h.entitlement(t, userID)
	assert.Equal(t, enums.EntitlementInactive, ent.Status)
	require.NotNil(t, ent.GraceUntil)
	assert.Equal(t, end, ent.GraceUntil.Unix())
	require.NotNil(t, ent.DowngradedAt)
	require.NotNil(t, ent.LastEventAt)
	assert.EqualValues(t, 300, ent.LastEventAt.Unix())
	assert.Zero(t, h.wallet(t, userID).MonthlyAllowance)

	h.handle(t, createdAt(newEvent(t, "evt_renewed", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, false, end)), 400))

	ent = h.entitlement(t, userID)
	assert.Equal(t, enums.EntitlementActive, ent.Status)
	assert.Nil(t, ent.GraceUntil)
	assert.EqualValues(t, 400, ent.LastEventAt.Unix())
	assert.Equal(t, 100, h.wallet(t, userID).MonthlyAllowance)
}

func TestReversalBlocksLateSubscriptionUpdate(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)

	h.handle(t, createdAt(newEvent(t, "evt_refund", stripe.EventTypeChargeRefunded, map[string]any{
		"id":             "ch_sub",
		"object":         "charge",
		"customer":       testCustomer,
		"payment_intent": "pi_invoice",
	}), 500))
	h.handle(t, createdAt(newEvent(t, "evt_late", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, false, periodEnd())), 450))

	ent := h.entitlement(t, userID)
	assert.Equal(t, enums.PlanFree, ent.Plan)
	assert.Equal(t, enums.EntitlementInactive, ent.Status)
	assert.Zero(t, h.wallet(t, userID).MonthlyAllowance)
}

func TestGraceWithoutPeriodEndIsStampedOnce(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.handle(t, newEvent(t, "evt_activate", stripe.EventTypeCustomerSubscriptionCreated, subscriptionObject("active", pricePremium, false, 0)))
	require.Equal(t, 100, h.wallet(t, userID).CreditsBalance)

	clock := time.Date(2030, 3, 17, 17, 46, 40, 0, time.UTC)
	h.svc.now = func() time.Time { return clock }
	cancel := newEvent(t, "evt_c1", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, true, 0))
	h.handle(t, cancel)
	first := h.entitlement(t, userID)
	require.NotNil(t, first.DowngradedAt)
	require.NotNil(t, first.GraceUntil)

	clock = clock.Add(100 * time.Second)
	h.handle(t, cancel)
	second := h.entitlement(t, userID)
	require.NotNil(t, second.DowngradedAt)
	assert.Equal(t, first.DowngradedAt.Unix(), second.DowngradedAt.Unix())
	assert.Equal(t, first.GraceUntil.Unix(), second.GraceUntil.Unix())
	assert.EqualValues(t, 1, h.countEvents(t, userID, enums.CreditEventGraceStarted))
}

func TestGraceFallsBackToStoredPeriodEnd(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	end := periodEnd()
	h.handle(t, newEvent(t, "evt_activate", stripe.EventTypeCustomerSubscriptionCreated, subscriptionObject("active", pricePremium, false, end)))

	h.handle(t, newEvent(t, "evt_cancel", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, true, 0)))

	ent := h.entitlement(t, userID)
	require.NotNil(t, ent.GraceUntil)
	assert.Equal(t, end, ent.GraceUntil.Unix())
}

func TestUnlimitedCommunityRefillKeepsLargeGrant(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")

	h.handle(t, newEvent(t, "evt_activate", stripe.EventTypeCustomerSubscriptionCreated, subscriptionObject("active", priceCommunity, false, periodEnd())))
	ent := h.entitlement(t, userID)
	assert.Equal(t, enums.TierUnlimitedCommunity, ent.Tier)
	assert.Equal(t, enums.PlanPremium, ent.Plan)
	wallet := h.wallet(t, userID)
	assert.Equal(t, communityGrant, wallet.CreditsBalance)
	assert.Equal(t, communityGrant, wallet.MonthlyAllowance)

	h.setBalance(t, userID, 5)
	h.handle(t, newEvent(t, "evt_inv", stripe.EventTypeInvoicePaid, invoiceObject("in_1", map[string]any{"subscription": testSubscription})))

	wallet = h.wallet(t, userID)
	assert.Equal(t, communityGrant, wallet.CreditsBalance)
	assert.Equal(t, communityGrant, wallet.MonthlyAllowance)
}

func TestBlockedAccountTakesPaidUpdateAsMetadataOnly(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.handle(t, newEvent(t, "evt_checkout", stripe.EventTypeCheckoutSessionCompleted, creditPurchaseSession(userID)))
	h.handle(t, newEvent(t, "evt_refund", stripe.EventTypeChargeRefunded, map[string]any{
		"id":             "ch_pack",
		"object":         "charge",
		"customer":       testCustomer,
		"payment_intent": "pi_pack",
	}))
	changed := h.countOutbox(t, enums.EventEntitlementChanged)
	end := periodEnd()

	h.handle(t, newEvent(t, "evt_sub_updated", stripe.EventTypeCustomerSubscriptionUpdated, subscriptionObject("active", pricePremium, false, end)))

	ent := h.entitlement(t, userID)
	assert.True(t, ent.IsBlocked)
	assert.Equal(t, enums.PlanFree, ent.Plan)
	assert.Equal(t, enums.TierFree, ent.Tier)
	require.NotNil(t, ent.StripeSubscriptionID)
	assert.Equal(t, testSubscription, *ent.StripeSubscriptionID)
	require.NotNil(t, ent.CurrentPeriodEnd)
	assert.Equal(t, end, ent.CurrentPeriodEnd.Unix())

	wallet := h.wallet(t, userID)
	assert.Zero(t, wallet.CreditsBalance)
	assert.Zero(t, wallet.MonthlyAllowance)
	assert.EqualValues(t, 0, h.countEvents(t, userID, enums.CreditEventActivation))
	assert.Equal(t, changed, h.countOutbox(t, enums.EventEntitlementChanged))
}

func TestDeletionOfReplacedSubscriptionIsIgnored(t *testing.T) {
	h := newHarness(t, false)
	userID := h.seedAccount(t, "ada@example.com")
	h.activatePremium(t, userID)

	replacement := subscriptionObject("active", pricePremium, false, periodEnd())
	replacement["id"] = "sub_2"
	h.handle(t, newEvent(t, "evt_sub_2", stripe.EventTypeCustomerSubscriptionCreated, replacement))

	h.handle(t, newEvent(t, "evt_deleted", stripe.EventTypeCustomerSubscriptionDeleted, subscriptionObject("canceled", pricePremium, false, periodEnd())))

	ent := h.entitlement(t, userID)
	assert.Equal(t, enums.PlanPremium, ent.Plan)
	assert.Equal(t, enums.EntitlementActive, ent.Status)
	assert.Nil(t, ent.GraceUntil)
	require.NotNil(t, ent.StripeSubscriptionID)
	assert.Equal(t, "sub_2", *ent.StripeSubscriptionID)
	assert.Equal(t, 100, h.wallet(t, userID).MonthlyAllowance)
}

func TestReversalRedeliveryIsAppliedOnce(t *testing.T) {
	cases := []struct {
		name      string
		event     *stripe.Event
		eventType enums.CreditEventType
		reason    enums.LedgerReason
	}{
		{
			name: "refund",
			event: &stripe.Event{ID: "evt_refund", Type: stripe.EventTypeChargeRefunded, Data: &stripe.EventData{Raw: json.RawMessage(
				`{"id":"ch_sub","object":"charge","customer":"` + testCustomer + `","payment_intent":"pi_invoice"}`)}},
			eventType: enums.CreditEventChargeRefunded,
			reason:    enums.LedgerRefundRevoke,
		},
		{
			name: "dispute",
			event: &stripe.Event{ID: "evt_dispute", Type: stripe.EventTypeChargeDisputeCreated, Data: &stripe.EventData{Raw: json.RawMessage(
				`{"id":"dp_1","object":"dispute","charge":"ch_disputed"}`)}},
			eventType: enums.CreditEventDispute,
			reason:    enums.LedgerDisputeRevoke,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, false)
			userID := h.seedAccount(t, "ada@example.com")
			h.activatePremium(t, userID)

			h.handle(t, tc.event)
			require.Zero(t, h.wallet(t, userID).CreditsBalance)
			changed := h.countOutbox(t, enums.EventEntitlementChanged)

			h.setBalance(t, userID, 30)
			h.handle(t, tc.event)

			assert.Equal(t, 30, h.wallet(t, userID).CreditsBalance)
			assert.EqualValues(t, 1, h.countEvents(t, userID, tc.eventType))
			assert.Equal(t, changed, h.countOutbox(t, enums.EventEntitlementChanged))

			var revokes int64
			require.NoError(t, h.conn.Model(&models.CreditLedgerEntry{}).
				Where("user_id = ? AND reason = ?", userID, tc.reason).
				Count(&revokes).Error)
			assert.EqualValues(t, 1, revokes)
		})
	}
}
