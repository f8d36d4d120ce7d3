package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

// Config configures the Telegram sender.
type Config struct {
	Token string
	// SendTimeout bounds one HTTP call to the Bot API (default 10s).
	SendTimeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot-api servers).
	APIURL string
	// Offline skips the getMe token check at construction.
	Offline bool
}

// Adapter sends messages through the Telegram Bot API. It never polls for
// updates; the conversational bot runs elsewhere.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.SendTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, Classify(err)
	}
	if b.Me != nil && b.Me.Username != "" {
		log.Info("telegram bot ready", logx.String("username", b.Me.Username))
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and, for HTML, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, string(tele.ModeHTML)) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText sends text to a private chat, splitting it when too long. The
// returned error is always a *transport.SendError. A failure after the first
// chunk is reported as fatal so the message is never resent from the start.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
	}

	var first kit.MessageRef
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	for i, chunk := range chunks {
		msg, err := a.send(ctx, chat, chunk, sendOpt)
		if err != nil {
			if i == 0 {
				return first, Classify(err)
			}
			var se *kit.SendError
			errors.As(Classify(err), &se)
			return first, &kit.SendError{
				Kind: kit.Fatal,
				Code: se.Code,
				Err:  fmt.Errorf("partial delivery, %d of %d chunks sent: %w", i, len(chunks), err),
			}
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

type sendResult struct {
	msg *tele.Message
	err error
}

// send runs one Bot API call, returning early when ctx ends. The HTTP client
// timeout bounds the abandoned call.
func (a *Adapter) send(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) (*tele.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan sendResult, 1)
	go func() {
		msg, err := a.bot.Send(chat, text, opt)
		ch <- sendResult{msg: msg, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.msg, r.err
	}
}
