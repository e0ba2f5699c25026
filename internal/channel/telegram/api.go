package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a Bot API call that returned ok=false or a non-2xx status.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int // seconds, set on 429
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram %s: http %d", e.Method, e.Code)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message,omitempty"`
	CallbackQuery *callbackQuery `json:"callback_query,omitempty"`
}

type message struct {
	MessageID      int64  `json:"message_id"`
	Chat           *chat  `json:"chat,omitempty"`
	From           *user  `json:"from,omitempty"`
	Text           string `json:"text,omitempty"`
	Caption        string `json:"caption,omitempty"`
	NewChatMembers []user `json:"new_chat_members,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	From    user     `json:"from"`
	Message *message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

type replyKeyboardButton struct {
	Text string `json:"text"`
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	Keyboard       [][]replyKeyboardButton  `json:"keyboard,omitempty"`
	ResizeKeyboard bool                     `json:"resize_keyboard,omitempty"`
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard,omitempty"`
}

type sendMessageRequest struct {
	ChatID           int64        `json:"chat_id"`
	Text             string       `json:"text"`
	ReplyToMessageID int64        `json:"reply_to_message_id,omitempty"`
	ReplyMarkup      *replyMarkup `json:"reply_markup,omitempty"`
}

type chatPermissions struct {
	CanSendMessages      bool `json:"can_send_messages"`
	CanSendAudios        bool `json:"can_send_audios"`
	CanSendDocuments     bool `json:"can_send_documents"`
	CanSendPhotos        bool `json:"can_send_photos"`
	CanSendVideos        bool `json:"can_send_videos"`
	CanSendOtherMessages bool `json:"can_send_other_messages"`
	CanAddWebPagePreview bool `json:"can_add_web_page_previews"`
}

func permissions(allow bool) chatPermissions {
	return chatPermissions{
		CanSendMessages:      allow,
		CanSendAudios:        allow,
		CanSendDocuments:     allow,
		CanSendPhotos:        allow,
		CanSendVideos:        allow,
		CanSendOtherMessages: allow,
		CanAddWebPagePreview: allow,
	}
}

// call POSTs body as JSON to method and decodes result into out (may be nil).
func (c *Client) call(ctx context.Context, method string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		// the URL carries the token, keep it out of logs
		return fmt.Errorf("telegram %s: %s", method, redact(err.Error(), c.token))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("telegram %s: read: %w", method, err)
	}

	var ar apiResponse
	if jerr := json.Unmarshal(raw, &ar); jerr != nil || !ar.OK || resp.StatusCode/100 != 2 {
		ae := &APIError{Method: method, Code: resp.StatusCode, Description: ar.Description}
		if ar.ErrorCode != 0 {
			ae.Code = ar.ErrorCode
		}
		if ar.Parameters != nil {
			ae.RetryAfter = ar.Parameters.RetryAfter
		}
		if jerr != nil && ae.Description == "" {
			ae.Description = strings.TrimSpace(string(raw))
		}
		return ae
	}
	if out != nil {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<token>")
}
