package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/repository/memstore"
)

const testWebhookSecret = "whsec_test_secret"

type billingFixture struct {
	*fixture
	events  *memstore.StripeEvents
	billing *BillingService
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	f := newFixture(t)
	events := memstore.NewStripeEvents()
	plans := map[string]int{"price_pro": 500}
	return &billingFixture{
		fixture: f,
		events:  events,
		billing: NewBillingService(testWebhookSecret, plans, f.ledger, f.accounts, events, discardLogger()),
	}
}

func (f *billingFixture) deliver(t *testing.T, payload string) (bool, error) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return f.billing.HandleWebhook(context.Background(), signed.Payload, signed.Header)
}

const checkoutEvent = `{"id":"evt_checkout_1","object":"event","type":"checkout.session.completed","data":{"object":{
	"id":"cs_1","mode":"payment","customer":"cus_1","payment_status":"paid",
	"metadata":{"account_id":"acct","pack_credits":"100"}}}}`

func TestCheckoutGrantsPackCreditsOnce(t *testing.T) {
	f := newBillingFixture(t)
	f.account(t, "acct", 10, 0)

	duplicate, err := f.deliver(t, checkoutEvent)
	require.NoError(t, err)
	assert.False(t, duplicate)

	b := f.balance(t, "acct")
	assert.Equal(t, 10, b.Credits)
	assert.Equal(t, 100, b.CreditsExtras)

	duplicate, err = f.deliver(t, checkoutEvent)
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, 110, f.balance(t, "acct").Total)

	acct, err := f.ledger.Account(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acct.StripeCustomerID)
}

func TestUnpaidCheckoutGrantsNothing(t *testing.T) {
	f := newBillingFixture(t)
	f.account(t, "acct", 0, 0)

	_, err := f.deliver(t, `{"id":"evt_unpaid","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_2","customer":"cus_1","payment_status":"unpaid","metadata":{"account_id":"acct","pack_credits":"100"}}}}`)
	require.NoError(t, err)
	assert.Equal(t, 0, f.balance(t, "acct").Total)
}

func TestInvoicePaidResetsSubscriptionPool(t *testing.T) {
	f := newBillingFixture(t)
	f.account(t, "acct", 37, 20)
	_, err := f.deliver(t, checkoutEvent)
	require.NoError(t, err)

	_, err = f.deliver(t, `{"id":"evt_invoice_1","object":"event","type":"invoice.paid","data":{"object":{
		"id":"in_1","customer":"cus_1",
		"lines":{"data":[{"pricing":{"price_details":{"price":"price_pro"}}}]}}}}`)
	require.NoError(t, err)

	acct, err := f.ledger.Account(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, 500, acct.CreditsSubscription)
	assert.Equal(t, 120, acct.CreditsExtra)
	assert.Equal(t, models.SubscriptionActive, acct.SubscriptionStatus)
}

func TestInvoicePaidReadsLegacyPriceLayout(t *testing.T) {
	f := newBillingFixture(t)
	f.account(t, "acct", 0, 0)

	_, err := f.deliver(t, `{"id":"evt_invoice_legacy","object":"event","type":"invoice.paid","data":{"object":{
		"id":"in_2","customer":"cus_9",
		"subscription_details":{"metadata":{"account_id":"acct"}},
		"lines":{"data":[{"price":{"id":"price_pro"}}]}}}}`)
	require.NoError(t, err)
	assert.Equal(t, 500, f.balance(t, "acct").Credits)

	acct, err := f.ledger.Account(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "cus_9", acct.StripeCustomerID)
}

func TestInvoiceForUnknownCustomerIsRetried(t *testing.T) {
	f := newBillingFixture(t)
	invoiceEvent := `{"id":"evt_invoice_early","object":"event","type":"invoice.paid","data":{"object":{
		"id":"in_3","customer":"cus_1","lines":{"data":[{"price":{"id":"price_pro"}}]}}}}`

	_, err := f.deliver(t, invoiceEvent)
	require.Error(t, err)

	f.account(t, "acct", 0, 0)
	_, err = f.deliver(t, checkoutEvent)
	require.NoError(t, err)

	duplicate, err := f.deliver(t, invoiceEvent)
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, 500, f.balance(t, "acct").Credits)
}

func TestSubscriptionDeletedCancelsAccount(t *testing.T) {
	f := newBillingFixture(t)
	f.account(t, "acct", 0, 0)
	_, err := f.deliver(t, checkoutEvent)
	require.NoError(t, err)

	_, err = f.deliver(t, `{"id":"evt_sub_deleted","object":"event","type":"customer.subscription.deleted","data":{"object":{
		"id":"sub_1","customer":"cus_1","status":"active"}}}`)
	require.NoError(t, err)

	acct, err := f.ledger.Account(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, acct.SubscriptionStatus)
	assert.Equal(t, 100, acct.Total(), "cancellation keeps the balance")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newBillingFixture(t)
	_, err := f.billing.HandleWebhook(context.Background(), []byte(checkoutEvent), "t=1,v1=deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestUnhandledEventTypeIsAcknowledged(t *testing.T) {
	f := newBillingFixture(t)
	duplicate, err := f.deliver(t, `{"id":"evt_other","object":"event","type":"customer.created","data":{"object":{"id":"cus_x"}}}`)
	require.NoError(t, err)
	assert.False(t, duplicate)
}

func TestBillingDisabledWithoutSecret(t *testing.T) {
	f := newFixture(t)
	svc := NewBillingService(" ", nil, f.ledger, f.accounts, memstore.NewStripeEvents(), discardLogger())
	assert.False(t, svc.Enabled())
}
