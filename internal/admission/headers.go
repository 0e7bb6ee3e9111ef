package admission

import (
	"net/http"
	"strconv"

	"metergate/internal/models"
)

// SetBalanceHeaders attaches the credit balance to a response so clients
// can track consumption without an extra balance call.
func SetBalanceHeaders(h http.Header, balance *models.Balance) {
	h.Set("X-Credits-Limit", strconv.FormatInt(balance.Monthly+balance.Rollover, 10))
	h.Set("X-Credits-Remaining", strconv.FormatInt(balance.Available, 10))
	h.Set("X-Credits-Used", strconv.FormatInt(balance.Used, 10))
	h.Set("X-Credits-Reset", strconv.FormatInt(balance.ResetDate.Unix(), 10))
}
