// Package matrix implements the Matrix channel using mautrix-go. Matrix
// string identifiers are mapped onto the int64 ids of the channel model with
// channel.StableID and remembered so replies can find their way back.
// Inline buttons have no Matrix equivalent and are rendered as text the
// member types back.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/wenbnb/wenbnb/pkg/channel"
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "wenbnb"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

const (
	idCacheSize = 4096
	maxLen      = 4000
)

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.UpdateHandler
	startTime int64
	credFile  string

	rooms  *lru.Cache[int64, id.RoomID]
	users  *lru.Cache[int64, id.UserID]
	events *lru.Cache[int64, id.EventID]

	mu sync.Mutex
	// buttons maps room -> typed payload -> message id of the prompt.
	buttons map[id.RoomID]map[string]int64
	// answers maps a synthetic callback id to the room it came from.
	answers map[string]id.RoomID
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix channel.
func New(cfg Config) *Channel {
	rooms, _ := lru.New[int64, id.RoomID](idCacheSize)
	users, _ := lru.New[int64, id.UserID](idCacheSize)
	events, _ := lru.New[int64, id.EventID](idCacheSize)
	return &Channel{
		config:   cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
		rooms:    rooms,
		users:    users,
		events:   events,
		buttons:  make(map[id.RoomID]map[string]int64),
		answers:  make(map[string]id.RoomID),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start logs in and syncs until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.UpdateHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("matrix data dir: %w", err)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	client.Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "mautrix").Logger().
		Level(zerolog.WarnLevel)
	client.Store = mautrix.NewMemorySyncStore()
	c.client = client

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onMemberEvent)

	slog.Info("matrix channel ready, starting sync")
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry tries saved credentials first, then password login with
// exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	const (
		maxBackoff  = 2 * time.Minute
		maxAttempts = 10
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into Matrix", "user", fullUserID, "homeserver", c.config.Homeserver, "attempt", attempt)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}
		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

// Stop stops syncing.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

// --- outbound ---

func (c *Channel) Send(ctx context.Context, resp channel.Response) (int64, error) {
	roomID, ok := c.rooms.Get(resp.ChatID)
	if !ok {
		return 0, fmt.Errorf("matrix: unknown chat %d", resp.ChatID)
	}
	text, payloads := renderKeyboard(resp.Text, resp.Keyboard)

	var last id.EventID
	for _, chunk := range splitMessage(text, maxLen) {
		sent, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    chunk,
		})
		if err != nil {
			slog.Error("matrix send failed", "room", roomID, "error", err)
			return 0, err
		}
		last = sent.EventID
	}
	msgID := c.remember(last)

	if len(payloads) > 0 {
		c.mu.Lock()
		m := c.buttons[roomID]
		if m == nil {
			m = make(map[string]int64)
			c.buttons[roomID] = m
		}
		for _, p := range payloads {
			m[p] = msgID
		}
		c.mu.Unlock()
	}
	return msgID, nil
}

func (c *Channel) Delete(ctx context.Context, chatID, messageID int64) error {
	roomID, ok := c.rooms.Get(chatID)
	if !ok {
		return fmt.Errorf("matrix: unknown chat %d", chatID)
	}
	eventID, ok := c.events.Get(messageID)
	if !ok {
		return fmt.Errorf("matrix: unknown message %d", messageID)
	}
	c.forgetButtons(roomID, messageID)
	_, err := c.client.RedactEvent(ctx, roomID, eventID)
	return err
}

func (c *Channel) forgetButtons(roomID id.RoomID, messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, m := range c.buttons[roomID] {
		if m == messageID {
			delete(c.buttons[roomID], p)
		}
	}
	if len(c.buttons[roomID]) == 0 {
		delete(c.buttons, roomID)
	}
}

// Restrict drops the member below events_default so they cannot post.
func (c *Channel) Restrict(ctx context.Context, chatID, userID int64) error {
	return c.setLevel(ctx, chatID, userID, func(pl *event.PowerLevelsEventContent) int {
		return pl.EventsDefault - 1
	})
}

// Unrestrict resets the member to the room's default level.
func (c *Channel) Unrestrict(ctx context.Context, chatID, userID int64) error {
	return c.setLevel(ctx, chatID, userID, func(pl *event.PowerLevelsEventContent) int {
		return pl.UsersDefault
	})
}

func (c *Channel) setLevel(ctx context.Context, chatID, userID int64, level func(*event.PowerLevelsEventContent) int) error {
	roomID, ok := c.rooms.Get(chatID)
	if !ok {
		return fmt.Errorf("matrix: unknown chat %d", chatID)
	}
	user, ok := c.users.Get(userID)
	if !ok {
		return fmt.Errorf("matrix: unknown user %d", userID)
	}
	var pl event.PowerLevelsEventContent
	if err := c.client.StateEvent(ctx, roomID, event.StatePowerLevels, "", &pl); err != nil {
		return fmt.Errorf("matrix power levels: %w", err)
	}
	pl.SetUserLevel(user, level(&pl))
	if _, err := c.client.SendStateEvent(ctx, roomID, event.StatePowerLevels, "", &pl); err != nil {
		return fmt.Errorf("matrix set power level: %w", err)
	}
	return nil
}

func (c *Channel) Typing(ctx context.Context, chatID int64) error {
	roomID, ok := c.rooms.Get(chatID)
	if !ok {
		return fmt.Errorf("matrix: unknown chat %d", chatID)
	}
	_, err := c.client.UserTyping(ctx, roomID, true, 5*time.Second)
	return err
}

// AnswerCallback posts the toast as a notice, since Matrix has no popups.
func (c *Channel) AnswerCallback(ctx context.Context, callbackID, text string) error {
	c.mu.Lock()
	roomID, ok := c.answers[callbackID]
	delete(c.answers, callbackID)
	c.mu.Unlock()
	if !ok || text == "" {
		return nil
	}
	_, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	})
	return err
}

// --- inbound ---

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.Timestamp < c.startTime || !c.isAllowed(evt.Sender) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}
	c.handler(ctx, c.toUpdate(evt.RoomID, evt.ID, evt.Sender, msg.Body))
}

// toUpdate builds a message update, or a callback when body is a pending
// button payload of the room.
func (c *Channel) toUpdate(roomID id.RoomID, eventID id.EventID, sender id.UserID, body string) channel.Update {
	upd := channel.Update{
		Source:    "matrix",
		Kind:      channel.UpdateMessage,
		ChatID:    c.rememberRoom(roomID),
		MessageID: c.remember(eventID),
		From:      c.user(sender, ""),
		Text:      body,
	}

	payload := strings.TrimSpace(body)
	c.mu.Lock()
	promptID, isButton := c.buttons[roomID][payload]
	if isButton {
		c.answers[string(eventID)] = roomID
	}
	c.mu.Unlock()
	if isButton {
		upd.Kind = channel.UpdateCallback
		upd.Text = ""
		upd.Callback = &channel.Callback{ID: string(eventID), Data: payload, MessageID: promptID}
	}
	return upd
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil {
		return
	}
	stateKey := evt.GetStateKey()

	if stateKey == string(c.client.UserID) {
		if member.Membership != event.MembershipInvite {
			return
		}
		if !c.isAllowed(evt.Sender) {
			slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
			return
		}
		slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
		if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
			slog.Error("failed to join room", "room", evt.RoomID, "error", err)
		}
		return
	}

	if member.Membership != event.MembershipJoin || evt.Timestamp < c.startTime {
		return
	}
	if prev := evt.Unsigned.PrevContent; prev != nil {
		if pm := prev.AsMember(); pm != nil && pm.Membership == event.MembershipJoin {
			return // profile change, not a join
		}
	}
	joined := c.user(id.UserID(stateKey), member.Displayname)
	c.handler(ctx, channel.Update{
		Source:     "matrix",
		Kind:       channel.UpdateMemberJoin,
		ChatID:     c.rememberRoom(evt.RoomID),
		From:       joined,
		NewMembers: []channel.User{joined},
	})
}

func (c *Channel) rememberRoom(roomID id.RoomID) int64 {
	n := channel.StableID(string(roomID))
	c.rooms.Add(n, roomID)
	return n
}

func (c *Channel) remember(eventID id.EventID) int64 {
	if eventID == "" {
		return 0
	}
	n := channel.StableID(string(eventID))
	c.events.Add(n, eventID)
	return n
}

func (c *Channel) user(u id.UserID, displayName string) channel.User {
	n := channel.StableID(string(u))
	c.users.Add(n, u)
	if displayName == "" {
		displayName = localpart(u)
	}
	return channel.User{ID: n, FirstName: displayName, Username: string(u)}
}

// --- credentials ---

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("saving matrix credentials failed", "error", err)
	}
}

// --- helpers ---

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 || c.config.AllowedUsers[0] == "" {
		return true
	}
	for _, allowed := range c.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

// renderKeyboard appends keyboard rows to text. Inline buttons become
// "label: send <payload>" lines; their payloads are returned.
func renderKeyboard(text string, kb *channel.Keyboard) (string, []string) {
	if kb == nil {
		return text, nil
	}
	var b strings.Builder
	b.WriteString(text)
	var payloads []string
	for _, row := range kb.Inline {
		for _, btn := range row {
			fmt.Fprintf(&b, "\n%s: send %s", btn.Text, btn.Data)
			payloads = append(payloads, btn.Data)
		}
	}
	if len(kb.Inline) == 0 && len(kb.Reply) > 0 {
		b.WriteString("\n")
		for _, row := range kb.Reply {
			b.WriteString("\n" + strings.Join(row, "  "))
		}
	}
	return b.String(), payloads
}

func splitMessage(s string, n int) []string {
	var chunks []string
	for len(s) > n {
		cut := n
		for cut > 0 && !utf8RuneStart(s[cut]) {
			cut--
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 || len(chunks) == 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func localpart(u id.UserID) string {
	s := strings.TrimPrefix(string(u), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

var _ channel.Channel = (*Channel)(nil)
