// Package telegram is a long-polling Bot API adapter implementing
// channel.Channel.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wenbnb/wenbnb/pkg/channel"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// Options configures a Client.
type Options struct {
	Token       string
	APIBase     string        // default DefaultAPIBase
	PollTimeout time.Duration // long-poll timeout, default 30s
	HTTPClient  *http.Client
	// Backoff is the pause after a failed poll. Default 1s.
	Backoff time.Duration
}

// Client talks to the Bot API.
type Client struct {
	http    *http.Client
	base    string
	token   string
	timeout time.Duration
	backoff time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	offset int64
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, errors.New("telegram: bot token is empty")
	}
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.PollTimeout + 15*time.Second}
	}
	return &Client{
		http:    opts.HTTPClient,
		base:    strings.TrimRight(opts.APIBase, "/"),
		token:   opts.Token,
		timeout: opts.PollTimeout,
		backoff: opts.Backoff,
	}, nil
}

func (c *Client) Name() string { return "telegram" }

// Start polls getUpdates and hands each update to handler in order. It
// blocks until ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context, handler channel.UpdateHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	slog.Info("telegram polling started", "poll_timeout", c.timeout)
	for {
		updates, err := c.getUpdates(ctx)
		if ctx.Err() != nil {
			slog.Info("telegram polling stopped")
			return nil
		}
		if err != nil {
			wait := c.backoff
			var ae *APIError
			if errors.As(err, &ae) && ae.RetryAfter > 0 {
				wait = time.Duration(ae.RetryAfter) * time.Second
			}
			slog.Warn("telegram getUpdates failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		for _, u := range updates {
			if upd, ok := convert(u); ok {
				handler(ctx, upd)
			}
		}
	}
}

// Stop ends a running Start.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Client) getUpdates(ctx context.Context) ([]update, error) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	req := map[string]any{
		"timeout":         int(c.timeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset > 0 {
		req["offset"] = offset
	}
	var updates []update
	if err := c.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
	}
	c.mu.Unlock()
	return updates, nil
}

// convert maps a Bot API update onto the channel model. Updates the bot
// does not act on are dropped.
func convert(u update) (channel.Update, bool) {
	out := channel.Update{ID: u.UpdateID, Source: "telegram"}
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		out.Kind = channel.UpdateCallback
		out.From = toUser(cq.From)
		out.Callback = &channel.Callback{ID: cq.ID, Data: cq.Data}
		if cq.Message != nil {
			out.Callback.MessageID = cq.Message.MessageID
			if cq.Message.Chat != nil {
				out.ChatID = cq.Message.Chat.ID
			}
		}
		return out, true

	case u.Message != nil && u.Message.Chat != nil:
		m := u.Message
		out.ChatID = m.Chat.ID
		out.MessageID = m.MessageID
		if m.From != nil {
			out.From = toUser(*m.From)
		}
		if len(m.NewChatMembers) > 0 {
			out.Kind = channel.UpdateMemberJoin
			for _, nm := range m.NewChatMembers {
				out.NewMembers = append(out.NewMembers, toUser(nm))
			}
			return out, true
		}
		// Media without a caption still arrives as a message with empty text
		// so pre-dispatch hooks see it.
		out.Kind = channel.UpdateMessage
		out.Text = m.Text
		if out.Text == "" {
			out.Text = m.Caption
		}
		return out, true
	}
	return out, false
}

func toUser(u user) channel.User {
	return channel.User{ID: u.ID, FirstName: u.FirstName, Username: u.Username, IsBot: u.IsBot}
}

func (c *Client) Send(ctx context.Context, resp channel.Response) (int64, error) {
	req := sendMessageRequest{ChatID: resp.ChatID, Text: resp.Text, ReplyToMessageID: resp.ReplyTo}
	if kb := resp.Keyboard; kb != nil {
		rm := &replyMarkup{}
		for _, row := range kb.Inline {
			var r []inlineKeyboardButton
			for _, b := range row {
				r = append(r, inlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
			}
			rm.InlineKeyboard = append(rm.InlineKeyboard, r)
		}
		if len(rm.InlineKeyboard) == 0 {
			for _, row := range kb.Reply {
				var r []replyKeyboardButton
				for _, text := range row {
					r = append(r, replyKeyboardButton{Text: text})
				}
				rm.Keyboard = append(rm.Keyboard, r)
			}
			rm.ResizeKeyboard = len(rm.Keyboard) > 0
		}
		if len(rm.InlineKeyboard) > 0 || len(rm.Keyboard) > 0 {
			req.ReplyMarkup = rm
		}
	}
	var sent message
	if err := c.call(ctx, "sendMessage", req, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (c *Client) Delete(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]int64{"chat_id": chatID, "message_id": messageID}, nil)
}

func (c *Client) Restrict(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "restrictChatMember", map[string]any{
		"chat_id":     chatID,
		"user_id":     userID,
		"permissions": permissions(false),
	}, nil)
}

func (c *Client) Unrestrict(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "restrictChatMember", map[string]any{
		"chat_id":     chatID,
		"user_id":     userID,
		"permissions": permissions(true),
	}, nil)
}

func (c *Client) Typing(ctx context.Context, chatID int64) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": "typing"}, nil)
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	req := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		req["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", req, nil)
}

var _ channel.Channel = (*Client)(nil)
