package adapter

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "schedbot/internal/transport"
)

// Generic Bot API failures surface as "telegram: <description> (<code>)".
var apiCodeRe = regexp.MustCompile(`\((\d{3})\)\s*$`)

// Classify maps a telebot error to a *transport.SendError.
//
// Flood control, 429, 5xx, network errors and deadlines are transient.
// Everything else (blocked, chat not found, bad request, unknown) is fatal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *kit.SendError
	if errors.As(err, &se) {
		return err
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.SendError{
			Kind:       kit.Transient,
			Code:       429,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &kit.SendError{Kind: kit.Transient, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &kit.SendError{Kind: kit.Fatal, Err: err}
	}

	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if m := apiCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	if code != 0 {
		kind := kit.Fatal
		if code == 429 || code >= 500 {
			kind = kit.Transient
		}
		return &kit.SendError{Kind: kind, Code: code, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &kit.SendError{Kind: kit.Transient, Err: err}
	}
	return &kit.SendError{Kind: kit.Fatal, Err: err}
}
