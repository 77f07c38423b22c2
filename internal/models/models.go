package models

import "time"

type Tool string

const (
	ToolSora2        Tool = "sora2"
	ToolVeo3         Tool = "veo3"
	ToolLipSync      Tool = "lipsync"
	ToolInfiniteTalk Tool = "infinitetalk"
	ToolAvatar       Tool = "avatar"
)

// AllTools lists every tool in a stable order.
func AllTools() []Tool {
	return []Tool{ToolSora2, ToolVeo3, ToolLipSync, ToolInfiniteTalk, ToolAvatar}
}

func ParseTool(raw string) (Tool, bool) {
	switch Tool(raw) {
	case ToolSora2, ToolVeo3, ToolLipSync, ToolInfiniteTalk, ToolAvatar:
		return Tool(raw), true
	case "nanobanana":
		return ToolAvatar, true
	}
	return "", false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TransitionSources returns the states a generation may move to target from.
// Terminal states have no outgoing transitions.
func TransitionSources(target Status) []Status {
	switch target {
	case StatusProcessing:
		return []Status{StatusPending, StatusProcessing}
	case StatusCompleted, StatusFailed:
		return []Status{StatusPending, StatusProcessing}
	default:
		return nil
	}
}

func CanTransition(from, to Status) bool {
	for _, s := range TransitionSources(to) {
		if s == from {
			return true
		}
	}
	return false
}

type SubscriptionState string

const (
	SubscriptionInactive SubscriptionState = "inactive"
	SubscriptionTrialing SubscriptionState = "trialing"
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionPastDue  SubscriptionState = "past_due"
	SubscriptionCanceled SubscriptionState = "canceled"
)

// ParseSubscriptionState maps a Stripe subscription status onto the states we track.
func ParseSubscriptionState(raw string) SubscriptionState {
	switch raw {
	case "trialing":
		return SubscriptionTrialing
	case "active":
		return SubscriptionActive
	case "past_due", "unpaid":
		return SubscriptionPastDue
	case "canceled", "incomplete_expired":
		return SubscriptionCanceled
	default:
		return SubscriptionInactive
	}
}

type Account struct {
	ID                  string            `json:"id"`
	Email               string            `json:"email,omitempty"`
	CreditsSubscription int               `json:"credits"`
	CreditsExtra        int               `json:"credits_extras"`
	SubscriptionStatus  SubscriptionState `json:"subscription_status"`
	StripeCustomerID    string            `json:"stripe_customer_id,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (a Account) Total() int {
	return a.CreditsSubscription + a.CreditsExtra
}

func (a Account) Balance() Balance {
	return Balance{
		Credits:       a.CreditsSubscription,
		CreditsExtras: a.CreditsExtra,
		Total:         a.Total(),
	}
}

type Balance struct {
	Credits       int `json:"credits"`
	CreditsExtras int `json:"credits_extras"`
	Total         int `json:"total"`
}

type DebitResult struct {
	PreviousBalance  int
	NewBalance       int
	FromSubscription int
	FromExtras       int
	Balance          Balance
}

type AuditAction string

const (
	AuditDebit               AuditAction = "debit"
	AuditRefund              AuditAction = "refund"
	AuditGrant               AuditAction = "grant"
	AuditSubscriptionRenewal AuditAction = "subscription_renewal"
)

// AuditEntry is one append-only line of the credit audit log.
type AuditEntry struct {
	ID                 int64       `json:"id"`
	AccountID          string      `json:"account_id"`
	Action             AuditAction `json:"action"`
	Amount             int         `json:"amount"`
	BeforeSubscription int         `json:"before_subscription"`
	BeforeExtra        int         `json:"before_extra"`
	AfterSubscription  int         `json:"after_subscription"`
	AfterExtra         int         `json:"after_extra"`
	Reason             string      `json:"reason,omitempty"`
	GenerationID       string      `json:"generation_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

type Generation struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Tool        Tool      `json:"tool"`
	Status      Status    `json:"status"`
	CreditsUsed int       `json:"credits_used"`
	ResultURL   string    `json:"result_url,omitempty"`
	Metadata    Metadata  `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Orphaned reports a non-terminal generation that never received a provider task reference.
func (g Generation) Orphaned() bool {
	return !g.Status.Terminal() && g.Metadata.TaskID == ""
}

// StripeEvent records a processed webhook delivery so retries are applied once.
type StripeEvent struct {
	ID         string
	Type       string
	Status     string
	RawPayload string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PendingScope identifies an account and tool with non-terminal generations.
type PendingScope struct {
	AccountID string
	Tool      Tool
}
