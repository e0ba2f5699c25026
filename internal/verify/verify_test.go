package verify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wenbnb/wenbnb/pkg/channel"
	"github.com/wenbnb/wenbnb/pkg/channel/channeltest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock fires AfterFunc callbacks when Advance passes their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func newVerifier(t *testing.T) (*Verifier, *channeltest.Recorder, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := channeltest.New()
	v := New(rec, Options{Timeout: 60 * time.Second, Now: clock.Now, AfterFunc: clock.AfterFunc})
	t.Cleanup(v.Close)
	return v, rec, clock
}

func buttonData(t *testing.T, resp channel.Response) string {
	t.Helper()
	require.NotNil(t, resp.Keyboard)
	require.Len(t, resp.Keyboard.Inline, 1)
	return resp.Keyboard.Inline[0][0].Data
}

func TestTimeout_StaysRestrictedAndNotified(t *testing.T) {
	v, rec, clock := newVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.Begin(ctx, -100, channel.User{ID: 9, FirstName: "Nine"}))
	assert.True(t, v.IsPending(9))
	require.Len(t, rec.Actions("restrict"), 1)

	clock.Advance(59 * time.Second)
	assert.True(t, v.IsPending(9))

	clock.Advance(2 * time.Second) // t = 61s
	assert.False(t, v.IsPending(9))
	assert.Empty(t, rec.Actions("unrestrict"))
	assert.Contains(t, rec.Last().Text, "timed out")
}

func TestResolve_CorrectUserAndToken(t *testing.T) {
	v, rec, clock := newVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.Begin(ctx, -100, channel.User{ID: 9}))
	data := buttonData(t, rec.Last())

	out, err := v.Resolve(ctx, 9, data)
	require.NoError(t, err)
	assert.Equal(t, Accepted, out)
	assert.False(t, v.IsPending(9))

	un := rec.Actions("unrestrict")
	require.Len(t, un, 1)
	assert.Equal(t, int64(9), un[0].UserID)
	require.Len(t, rec.Actions("delete"), 1)

	// the expiry timer was cancelled
	before := len(rec.Sent())
	clock.Advance(2 * time.Minute)
	assert.Len(t, rec.Sent(), before)
}

func TestResolve_OnlyPendingUserWithToken(t *testing.T) {
	v, rec, _ := newVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.Begin(ctx, -100, channel.User{ID: 9}))
	data := buttonData(t, rec.Last())
	_, token, ok := ParseCallbackData(data)
	require.True(t, ok)

	out, err := v.Resolve(ctx, 10, data)
	require.NoError(t, err)
	assert.Equal(t, WrongUser, out)

	out, err = v.Resolve(ctx, 9, CallbackData(9, token+"00"))
	require.NoError(t, err)
	assert.Equal(t, BadToken, out)

	out, err = v.Resolve(ctx, 10, CallbackData(10, token))
	require.NoError(t, err)
	assert.Equal(t, NotPending, out)

	out, err = v.Resolve(ctx, 9, "verify:garbage")
	require.NoError(t, err)
	assert.Equal(t, BadToken, out)

	assert.True(t, v.IsPending(9))
	assert.Empty(t, rec.Actions("unrestrict"))
}

func TestBegin_ReissueReplacesToken(t *testing.T) {
	v, rec, clock := newVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.Begin(ctx, -100, channel.User{ID: 9}))
	first := buttonData(t, rec.Last())
	clock.Advance(30 * time.Second)
	require.NoError(t, v.Begin(ctx, -100, channel.User{ID: 9}))
	second := buttonData(t, rec.Last())
	require.NotEqual(t, first, second)

	out, err := v.Resolve(ctx, 9, first)
	require.NoError(t, err)
	assert.Equal(t, BadToken, out)

	// the first timer no longer expires the second challenge
	clock.Advance(45 * time.Second)
	assert.True(t, v.IsPending(9))
	clock.Advance(20 * time.Second)
	assert.False(t, v.IsPending(9))
}

func TestBegin_SendFailureLiftsRestriction(t *testing.T) {
	v, rec, _ := newVerifier(t)
	rec.SendErr = errors.New("chat write forbidden")

	err := v.Begin(context.Background(), -100, channel.User{ID: 9})
	require.ErrorContains(t, err, "chat write forbidden")

	assert.False(t, v.IsPending(9))
	require.Len(t, rec.Actions("restrict"), 1)
	un := rec.Actions("unrestrict")
	require.Len(t, un, 1)
	assert.Equal(t, int64(-100), un[0].ChatID)
	assert.Equal(t, int64(9), un[0].UserID)
}

func TestPendingIn_MatchesChallengeChat(t *testing.T) {
	v, _, _ := newVerifier(t)
	require.NoError(t, v.Begin(context.Background(), -100, channel.User{ID: 9}))

	assert.True(t, v.PendingIn(9, -100))
	assert.False(t, v.PendingIn(9, -200))
	assert.False(t, v.PendingIn(10, -100))
}

func TestRevokeAndPending(t *testing.T) {
	v, _, _ := newVerifier(t)
	ctx := context.Background()
	require.NoError(t, v.Begin(ctx, 1, channel.User{ID: 5}))
	require.NoError(t, v.Begin(ctx, 1, channel.User{ID: 6}))

	assert.Len(t, v.Pending(), 2)
	assert.True(t, v.Revoke(5))
	assert.False(t, v.Revoke(5))
	assert.Len(t, v.Pending(), 1)
}

func TestRealTimerExpiry(t *testing.T) {
	rec := channeltest.New()
	v := New(rec, Options{Timeout: 20 * time.Millisecond})
	defer v.Close()

	require.NoError(t, v.Begin(context.Background(), 1, channel.User{ID: 3}))
	require.Eventually(t, func() bool { return !v.IsPending(3) }, time.Second, 5*time.Millisecond)
}

func TestCallbackDataRoundTrip(t *testing.T) {
	user, token, ok := ParseCallbackData(CallbackData(42, "a1b2c3d4e5f6"))
	require.True(t, ok)
	assert.Equal(t, int64(42), user)
	assert.Equal(t, "a1b2c3d4e5f6", token)

	_, _, ok = ParseCallbackData("menu:price")
	assert.False(t, ok)
}

func TestNewToken48Bits(t *testing.T) {
	tok, err := newToken()
	require.NoError(t, err)
	assert.Len(t, tok, 12)
}
