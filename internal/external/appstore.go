package external

import (
	"context"
	"fmt"

	berrors "github.com/rcourtman/subledger/internal/errors"
)

// AppStoreCanceller is the App Store platform adapter. Apple offers no
// server-side cancellation of auto-renewable subscriptions; the user has to
// turn renewal off on the device.
type AppStoreCanceller struct{}

// CancelAtPeriodEnd always reports the operation as unsupported.
func (AppStoreCanceller) CancelAtPeriodEnd(_ context.Context, subscriptionID, _ string) error {
	return berrors.New(berrors.KindUnsupported, "appstore.cancel_at_period_end",
		fmt.Errorf("original transaction %s can only be cancelled by the subscriber", subscriptionID))
}
