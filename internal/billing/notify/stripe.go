package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v82"
)

// DecodeStripeEvent parses a verified webhook body.
func DecodeStripeEvent(body []byte) (*stripelib.Event, error) {
	var event stripelib.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, berrors.Malformed("stripe.decode_event", err)
	}
	if strings.TrimSpace(event.ID) == "" || event.Type == "" {
		return nil, berrors.Malformed("stripe.decode_event", fmt.Errorf("event id and type are required"))
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, berrors.Malformed("stripe.decode_event", fmt.Errorf("event %s has no data object", event.ID))
	}
	return &event, nil
}

func decodeObject(event *stripelib.Event, v any) error {
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return berrors.Malformed("stripe.decode_object", fmt.Errorf("decode %s: %w", event.Type, err))
	}
	return nil
}

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	Currency          string            `json:"currency"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	LatestInvoice     string `json:"latest_invoice"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// Invoice is a minimal representation of a Stripe invoice event. Both the
// pre-2025 top-level subscription field and the parent.subscription_details
// layout are accepted.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Status            string            `json:"status"`
	BillingReason     string            `json:"billing_reason"`
	Currency          string            `json:"currency"`
	AmountPaid        int64             `json:"amount_paid"`
	AmountDue         int64             `json:"amount_due"`
	Created           int64             `json:"created"`
	PeriodStart       int64             `json:"period_start"`
	PeriodEnd         int64             `json:"period_end"`
	Metadata          map[string]string `json:"metadata"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Lines struct {
		Data []InvoiceLine `json:"data"`
	} `json:"lines"`
}

// InvoiceLine is one line item of an invoice.
type InvoiceLine struct {
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing struct {
		PriceDetails struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

// SubscriptionID returns the subscription the invoice bills.
func (i *Invoice) SubscriptionID() string {
	if id := strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription); id != "" {
		return id
	}
	return strings.TrimSpace(i.Subscription)
}

// FirstPriceID returns the price of the first line that names one.
func (i *Invoice) FirstPriceID() string {
	for _, line := range i.Lines.Data {
		if id := strings.TrimSpace(line.Pricing.PriceDetails.Price); id != "" {
			return id
		}
		if line.Price != nil && strings.TrimSpace(line.Price.ID) != "" {
			return strings.TrimSpace(line.Price.ID)
		}
	}
	return ""
}

// MetadataValue looks key up across every metadata map the invoice carries.
func (i *Invoice) MetadataValue(key string) string {
	for _, md := range []map[string]string{i.Parent.SubscriptionDetails.Metadata, i.SubscriptionDetails.Metadata, i.Metadata} {
		if v := strings.TrimSpace(md[key]); v != "" {
			return v
		}
	}
	return ""
}

// Charge is a minimal representation of a Stripe charge event.
type Charge struct {
	ID             string            `json:"id"`
	Customer       string            `json:"customer"`
	Invoice        string            `json:"invoice"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Refunded       bool              `json:"refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

// zeroDecimal lists currencies Stripe reports without minor units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true, "mga": true,
	"pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// stripeAmount converts a minor-unit amount to a decimal.
func stripeAmount(minor int64, currency string) decimal.Decimal {
	if zeroDecimal[strings.ToLower(currency)] {
		return decimal.New(minor, 0)
	}
	return decimal.New(minor, -2)
}
