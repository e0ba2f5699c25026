package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenbnb/wenbnb/pkg/channel"
)

const token = "123:abc"

type call struct {
	Method string
	Body   map[string]any
}

type fakeAPI struct {
	t     *testing.T
	srv   *httptest.Server
	mu    sync.Mutex
	calls []call
	polls int
	// replies per method; getUpdates pops from batches.
	batches []string
	replies map[string]string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{t: t, replies: map[string]string{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	method, ok := strings.CutPrefix(r.URL.Path, "/bot"+token+"/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, call{Method: method, Body: body})
	var reply string
	if method == "getUpdates" {
		f.polls++
		if len(f.batches) > 0 {
			reply, f.batches = f.batches[0], f.batches[1:]
		}
	} else {
		reply = f.replies[method]
	}
	f.mu.Unlock()

	if method == "getUpdates" && reply == "" {
		select {
		case <-r.Context().Done():
		case <-time.After(20 * time.Millisecond):
		}
		reply = `{"ok":true,"result":[]}`
	}
	if reply == "" {
		reply = `{"ok":true,"result":true}`
	}
	_, _ = w.Write([]byte(reply))
}

func (f *fakeAPI) callsTo(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newClient(t *testing.T, f *fakeAPI) *Client {
	t.Helper()
	c, err := New(Options{Token: token, APIBase: f.srv.URL, PollTimeout: time.Second, HTTPClient: f.srv.Client(), Backoff: 10 * time.Millisecond})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStart_ConvertsAndAdvancesOffset(t *testing.T) {
	f := newFakeAPI(t)
	f.batches = []string{`{"ok":true,"result":[
		{"update_id":10,"message":{"message_id":1,"chat":{"id":-100,"type":"supergroup"},"from":{"id":42,"first_name":"Ava"},"text":"/start"}},
		{"update_id":11,"message":{"message_id":2,"chat":{"id":-100},"from":{"id":1},"new_chat_members":[{"id":77,"first_name":"Nia"},{"id":5,"is_bot":true}]}},
		{"update_id":12,"message":{"message_id":3,"chat":{"id":-100},"from":{"id":42}}},
		{"update_id":13,"callback_query":{"id":"cb9","from":{"id":77},"data":"verify:77:abc","message":{"message_id":4,"chat":{"id":-100}}}}
	]}`}
	c := newClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []channel.Update
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, u channel.Update) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return len(f.callsTo("getUpdates")) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)

	assert.Equal(t, channel.UpdateMessage, got[0].Kind)
	assert.Equal(t, "/start", got[0].Text)
	assert.Equal(t, int64(-100), got[0].ChatID)
	assert.Equal(t, channel.User{ID: 42, FirstName: "Ava"}, got[0].From)

	assert.Equal(t, channel.UpdateMemberJoin, got[1].Kind)
	require.Len(t, got[1].NewMembers, 2)
	assert.True(t, got[1].NewMembers[1].IsBot)

	assert.Equal(t, channel.UpdateMessage, got[2].Kind)
	assert.Empty(t, got[2].Text)
	assert.EqualValues(t, 3, got[2].MessageID)

	assert.Equal(t, channel.UpdateCallback, got[3].Kind)
	assert.Equal(t, &channel.Callback{ID: "cb9", Data: "verify:77:abc", MessageID: 4}, got[3].Callback)
	assert.Equal(t, int64(77), got[3].From.ID)

	polls := f.callsTo("getUpdates")
	assert.NotContains(t, polls[0].Body, "offset")
	assert.EqualValues(t, 14, polls[1].Body["offset"])
}

func TestConvert_MediaMessages(t *testing.T) {
	photo := update{UpdateID: 20, Message: &message{MessageID: 8, Chat: &chat{ID: -100}, From: &user{ID: 42}}}
	got, ok := convert(photo)
	require.True(t, ok)
	assert.Equal(t, channel.UpdateMessage, got.Kind)
	assert.Empty(t, got.Text)
	assert.Equal(t, int64(42), got.From.ID)

	captioned := update{UpdateID: 21, Message: &message{MessageID: 9, Chat: &chat{ID: -100}, Caption: "chart 📈"}}
	got, ok = convert(captioned)
	require.True(t, ok)
	assert.Equal(t, "chart 📈", got.Text)

	_, ok = convert(update{UpdateID: 22})
	assert.False(t, ok)
}

func TestStart_BacksOffOnErrors(t *testing.T) {
	f := newFakeAPI(t)
	f.batches = []string{`{"ok":false,"error_code":502,"description":"Bad Gateway"}`}
	c := newClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, func(context.Context, channel.Update) {}) }()

	require.Eventually(t, func() bool { return len(f.callsTo("getUpdates")) >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	require.NoError(t, <-done)
	cancel()
}

func TestSend_KeyboardsAndMessageID(t *testing.T) {
	f := newFakeAPI(t)
	f.replies["sendMessage"] = `{"ok":true,"result":{"message_id":555,"chat":{"id":-100}}}`
	c := newClient(t, f)
	ctx := context.Background()

	id, err := c.Send(ctx, channel.Response{
		ChatID:   -100,
		Text:     "hi",
		Keyboard: &channel.Keyboard{Reply: [][]string{{"/price", "/tokeninfo"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(555), id)

	_, err = c.Send(ctx, channel.Response{
		ChatID:   -100,
		Text:     "tap",
		ReplyTo:  9,
		Keyboard: &channel.Keyboard{Inline: [][]channel.Button{{{Text: "✅", Data: "verify:1:x"}}}},
	})
	require.NoError(t, err)

	sends := f.callsTo("sendMessage")
	require.Len(t, sends, 2)
	reply := sends[0].Body["reply_markup"].(map[string]any)
	assert.Equal(t, true, reply["resize_keyboard"])
	assert.Equal(t, []any{[]any{
		map[string]any{"text": "/price"},
		map[string]any{"text": "/tokeninfo"},
	}}, reply["keyboard"])

	inline := sends[1].Body["reply_markup"].(map[string]any)
	assert.Equal(t, []any{[]any{
		map[string]any{"text": "✅", "callback_data": "verify:1:x"},
	}}, inline["inline_keyboard"])
	assert.EqualValues(t, 9, sends[1].Body["reply_to_message_id"])
}

func TestModerationCalls(t *testing.T) {
	f := newFakeAPI(t)
	c := newClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.Restrict(ctx, -100, 77))
	require.NoError(t, c.Unrestrict(ctx, -100, 77))
	require.NoError(t, c.Delete(ctx, -100, 4))
	require.NoError(t, c.Typing(ctx, -100))
	require.NoError(t, c.AnswerCallback(ctx, "cb9", "nope"))

	rs := f.callsTo("restrictChatMember")
	require.Len(t, rs, 2)
	assert.Equal(t, false, rs[0].Body["permissions"].(map[string]any)["can_send_messages"])
	assert.Equal(t, true, rs[1].Body["permissions"].(map[string]any)["can_send_messages"])
	assert.EqualValues(t, 4, f.callsTo("deleteMessage")[0].Body["message_id"])
	assert.Equal(t, "typing", f.callsTo("sendChatAction")[0].Body["action"])
	assert.Equal(t, "nope", f.callsTo("answerCallbackQuery")[0].Body["text"])
}

func TestAPIError(t *testing.T) {
	f := newFakeAPI(t)
	f.replies["sendMessage"] = `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`
	c := newClient(t, f)

	_, err := c.Send(context.Background(), channel.Response{ChatID: 1, Text: "x"})
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 429, ae.Code)
	assert.Equal(t, 3, ae.RetryAfter)
	assert.NotContains(t, err.Error(), token)
}
