package payment

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/parkgrid/parking/internal/config"
)

// TransferContent mints the reference the payer keys into their banking
// app. Banks uppercase and truncate free-text references, so it is short
// and uppercase from the start.
func TransferContent() string {
	return "PARK-" + strings.ToUpper(uuid.NewString()[:8])
}

// QRURL renders the vietqr.io image URL encoding a transfer to the lot's
// account.
func QRURL(bank config.Bank, amount int64, transferContent string) string {
	return fmt.Sprintf(
		"https://img.vietqr.io/image/%s-%s-compact2.png?amount=%d&addInfo=%s&accountName=%s",
		bank.Code, bank.AccountNo, amount, transferContent, url.QueryEscape(bank.AccountName),
	)
}
