package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/subledger/internal/billing/jws"
	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/shopspring/decimal"
)

// AppStoreNotification is the decoded responseBodyV2 payload.
type AppStoreNotification struct {
	NotificationType string       `json:"notificationType"`
	Subtype          string       `json:"subtype,omitempty"`
	NotificationUUID string       `json:"notificationUUID"`
	Version          string       `json:"version"`
	SignedDate       int64        `json:"signedDate"`
	Data             AppStoreData `json:"data"`

	// Decoded from Data.SignedTransactionInfo and Data.SignedRenewalInfo.
	Transaction *AppStoreTransaction `json:"-"`
	Renewal     *AppStoreRenewal     `json:"-"`
}

// AppStoreData carries the app identity and the nested signed payloads.
type AppStoreData struct {
	AppAppleID            int64  `json:"appAppleId,omitempty"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion,omitempty"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
	SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
	Status                int    `json:"status,omitempty"`
}

// AppStoreTransaction is JWSTransactionDecodedPayload.
type AppStoreTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	WebOrderLineItemID    string `json:"webOrderLineItemId,omitempty"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	SubscriptionGroupID   string `json:"subscriptionGroupIdentifier,omitempty"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate,omitempty"`
	ExpiresDate           int64  `json:"expiresDate,omitempty"`
	Quantity              int    `json:"quantity,omitempty"`
	Type                  string `json:"type,omitempty"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	InAppOwnershipType    string `json:"inAppOwnershipType,omitempty"`
	SignedDate            int64  `json:"signedDate,omitempty"`
	Environment           string `json:"environment,omitempty"`
	TransactionReason     string `json:"transactionReason,omitempty"`
	Storefront            string `json:"storefront,omitempty"`
	Price                 int64  `json:"price,omitempty"`
	Currency              string `json:"currency,omitempty"`
	RevocationDate        int64  `json:"revocationDate,omitempty"`
	RevocationReason      *int   `json:"revocationReason,omitempty"`
}

// AppStoreRenewal is JWSRenewalInfoDecodedPayload.
type AppStoreRenewal struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId,omitempty"`
	ProductID              string `json:"productId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	ExpirationIntent       int    `json:"expirationIntent,omitempty"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate,omitempty"`
	RenewalDate            int64  `json:"renewalDate,omitempty"`
	SignedDate             int64  `json:"signedDate,omitempty"`
}

// DecodeAppStoreNotification decodes a verified signedPayload and its nested
// transaction and renewal tokens.
func DecodeAppStoreNotification(signedPayload string) (*AppStoreNotification, error) {
	var n AppStoreNotification
	if _, err := jws.DecodeInto(signedPayload, &n); err != nil {
		return nil, err
	}
	if strings.TrimSpace(n.NotificationType) == "" || strings.TrimSpace(n.NotificationUUID) == "" {
		return nil, berrors.Malformed("appstore.decode_notification", fmt.Errorf("notificationType and notificationUUID are required"))
	}

	var tx AppStoreTransaction
	ok, err := jws.DecodeOptional(n.Data.SignedTransactionInfo, &tx)
	if err != nil {
		return nil, err
	}
	if ok {
		n.Transaction = &tx
	}

	var renewal AppStoreRenewal
	ok, err = jws.DecodeOptional(n.Data.SignedRenewalInfo, &renewal)
	if err != nil {
		return nil, err
	}
	if ok {
		n.Renewal = &renewal
	}
	return &n, nil
}

// EventType joins the notification type and subtype.
func (n *AppStoreNotification) EventType() string {
	if n.Subtype == "" {
		return n.NotificationType
	}
	return n.NotificationType + "/" + n.Subtype
}

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// appStoreAmount converts the milli-unit price the App Store reports.
func appStoreAmount(milli int64) decimal.Decimal {
	return decimal.New(milli, -3)
}
