package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/digkill/GenStudio/internal/metrics"
	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/repository"
)

// BillingService applies Stripe webhook events to accounts. Each event id is
// applied once; deliveries that failed earlier are processed again.
type BillingService struct {
	ledger   *LedgerService
	accounts LedgerStore
	events   EventStore
	plans    map[string]int
	secret   string
	log      *slog.Logger
}

func NewBillingService(secret string, plans map[string]int, ledger *LedgerService, accounts LedgerStore, events EventStore, log *slog.Logger) *BillingService {
	return &BillingService{
		ledger:   ledger,
		accounts: accounts,
		events:   events,
		plans:    plans,
		secret:   secret,
		log:      log,
	}
}

func (s *BillingService) Enabled() bool {
	return strings.TrimSpace(s.secret) != ""
}

// HandleWebhook verifies and applies one delivery. duplicate is true when the
// event had already been processed and nothing was done.
func (s *BillingService) HandleWebhook(ctx context.Context, payload []byte, signature string) (duplicate bool, err error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	eventType := string(event.Type)

	processed, err := s.events.Begin(ctx, event.ID, eventType, string(payload))
	if err != nil {
		return false, fmt.Errorf("record stripe event: %w", err)
	}
	if processed {
		metrics.StripeEvents.WithLabelValues(eventType, "duplicate").Inc()
		s.log.Info("stripe event already processed", "event_id", event.ID, "type", eventType)
		return true, nil
	}

	if err := s.apply(ctx, &event); err != nil {
		metrics.StripeEvents.WithLabelValues(eventType, "failed").Inc()
		if markErr := s.events.MarkStatus(ctx, event.ID, repository.EventStatusFailed); markErr != nil {
			s.log.Error("failed to mark stripe event", "event_id", event.ID, "err", markErr)
		}
		return false, err
	}

	metrics.StripeEvents.WithLabelValues(eventType, "processed").Inc()
	if err := s.events.MarkStatus(ctx, event.ID, repository.EventStatusProcessed); err != nil {
		return false, fmt.Errorf("mark stripe event processed: %w", err)
	}
	return false, nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

type invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Lines    struct {
		Data []struct {
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
}

type subscriptionDetails struct {
	Metadata map[string]string `json:"metadata"`
}

// priceIDs lists the line item prices under both the current and the legacy
// invoice layouts.
func (inv invoice) priceIDs() []string {
	var ids []string
	for _, line := range inv.Lines.Data {
		switch {
		case line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "":
			ids = append(ids, line.Pricing.PriceDetails.Price)
		case line.Price != nil && line.Price.ID != "":
			ids = append(ids, line.Price.ID)
		}
	}
	return ids
}

func (inv invoice) accountID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if id := inv.Parent.SubscriptionDetails.Metadata["account_id"]; id != "" {
			return id
		}
	}
	if inv.SubscriptionDetails != nil {
		return inv.SubscriptionDetails.Metadata["account_id"]
	}
	return ""
}

type subscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func (s *BillingService) apply(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return s.handleCheckout(ctx, session)

	case "invoice.paid":
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoicePaid(ctx, inv)

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		state := models.ParseSubscriptionState(sub.Status)
		if event.Type == "customer.subscription.deleted" {
			state = models.SubscriptionCanceled
		}
		return s.handleSubscriptionState(ctx, sub, state)

	default:
		s.log.Info("stripe webhook ignored", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func (s *BillingService) handleCheckout(ctx context.Context, session checkoutSession) error {
	accountID := session.Metadata["account_id"]
	if accountID == "" {
		accountID = session.ClientReferenceID
	}
	if accountID == "" {
		s.log.Warn("checkout session without account reference", "session_id", session.ID)
		return nil
	}
	if session.PaymentStatus == "unpaid" {
		s.log.Info("checkout session not paid yet", "session_id", session.ID, "account_id", accountID)
		return nil
	}

	if session.Customer != "" {
		if err := s.accounts.LinkStripeCustomer(ctx, accountID, session.Customer); err != nil {
			return err
		}
	}

	raw := session.Metadata["pack_credits"]
	if raw == "" {
		return nil
	}
	credits, err := strconv.Atoi(raw)
	if err != nil || credits <= 0 {
		return fmt.Errorf("checkout %s: invalid pack_credits %q", session.ID, raw)
	}
	if _, err := s.ledger.Grant(ctx, accountID, credits, Memo{Reason: "credit pack " + session.ID}); err != nil {
		return err
	}
	s.log.Info("credit pack granted", "account_id", accountID, "credits", credits, "session_id", session.ID)
	return nil
}

func (s *BillingService) handleInvoicePaid(ctx context.Context, inv invoice) error {
	accountID, err := s.resolveAccount(ctx, inv.Customer, inv.accountID())
	if err != nil {
		return err
	}
	if accountID == "" {
		// The checkout event that links the customer may not have arrived
		// yet. Failing makes Stripe redeliver.
		return fmt.Errorf("invoice %s: no account for customer %q", inv.ID, inv.Customer)
	}

	credits := 0
	for _, priceID := range inv.priceIDs() {
		credits += s.plans[priceID]
	}
	if credits == 0 {
		s.log.Warn("invoice has no configured plan price", "invoice_id", inv.ID, "account_id", accountID, "prices", inv.priceIDs())
		return s.accounts.SetSubscriptionState(ctx, accountID, models.SubscriptionActive)
	}

	if _, err := s.ledger.Renew(ctx, accountID, credits, models.SubscriptionActive, Memo{Reason: "invoice " + inv.ID}); err != nil {
		return err
	}
	s.log.Info("subscription credits renewed", "account_id", accountID, "credits", credits, "invoice_id", inv.ID)
	return nil
}

func (s *BillingService) handleSubscriptionState(ctx context.Context, sub subscription, state models.SubscriptionState) error {
	accountID, err := s.resolveAccount(ctx, sub.Customer, sub.Metadata["account_id"])
	if err != nil {
		return err
	}
	if accountID == "" {
		s.log.Warn("subscription event for unknown customer", "subscription_id", sub.ID, "customer", sub.Customer)
		return nil
	}
	if err := s.accounts.SetSubscriptionState(ctx, accountID, state); err != nil {
		return fmt.Errorf("set subscription state: %w", err)
	}
	s.log.Info("subscription state updated", "account_id", accountID, "state", state)
	return nil
}

func (s *BillingService) resolveAccount(ctx context.Context, customerID, fallback string) (string, error) {
	if customerID != "" {
		acct, err := s.accounts.FindByStripeCustomer(ctx, customerID)
		if err != nil {
			return "", fmt.Errorf("find account by customer: %w", err)
		}
		if acct != nil {
			return acct.ID, nil
		}
	}
	if fallback == "" {
		return "", nil
	}
	acct, err := s.accounts.Get(ctx, fallback)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return "", nil
	}
	if customerID != "" {
		if err := s.accounts.LinkStripeCustomer(ctx, acct.ID, customerID); err != nil {
			return "", err
		}
	}
	return acct.ID, nil
}
