package telegram

import (
	"errors"
	"regexp"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"github.com/ifuryst/crosspost/internal/service/publisher"
)

var errorTable = publisher.ErrorTable{
	400: publisher.ErrorClassPermanent, // bad request, e.g. chat not found
	401: publisher.ErrorClassPermanent, // invalid token
	403: publisher.ErrorClassPermanent, // bot blocked or not a member
	404: publisher.ErrorClassPermanent,
	429: publisher.ErrorClassTransient, // flood control
}

// Bot API errors render as "telegram: <description> (<code>)".
var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

// errorCode extracts the Bot API status code, or 0 for network and unknown errors.
func errorCode(err error) int {
	if err == nil {
		return 0
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return apiErr.Code
	}

	if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}
