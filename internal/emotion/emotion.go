// Package emotion tracks a per-user mood in two layers. The short-term vibe
// is an emoji cluster with a smoothed score; the long-term tone is a majority
// vote over recent vibe samples. A third store, the context tracker, keeps
// recent snippets and the detected script. MoodPrefix turns all of it into
// one line for the LLM system prompt.
package emotion

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/wenbnb/wenbnb/pkg/kv"
)

const (
	contextSnippets = 6
	snippetRunes    = 120
)

// Vibe is the short-term layer.
type Vibe struct {
	Cluster   string    `json:"emoji_cluster"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tone is the long-term layer. Samples holds the last T cluster names,
// oldest first.
type Tone struct {
	Label     string    `json:"label"`
	Samples   []string  `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Context is the tracker record for a user.
type Context struct {
	Recent []string `json:"recent"`
	Lang   string   `json:"lang"`
}

// State is the combined view returned to callers.
type State struct {
	Vibe Vibe
	Tone Tone
}

// Emoji returns the emoji for the current vibe cluster.
func (s State) Emoji() string {
	c, _ := ClusterByName(s.Vibe.Cluster)
	return c.Emoji
}

// Options tune the engine. Zero fields take the defaults.
type Options struct {
	Alpha       float64
	Samples     int
	DecayWindow time.Duration
}

// Engine owns the vibe, tone and context stores.
type Engine struct {
	mu    sync.Mutex
	vibe  kv.Store
	tone  kv.Store
	ctx   kv.Store
	alpha float64
	t     int
	decay time.Duration
}

// New builds an Engine.
func New(vibe, tone, ctx kv.Store, opts Options) *Engine {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.35
	}
	if opts.Samples < 1 {
		opts.Samples = 6
	}
	if opts.DecayWindow <= 0 {
		opts.DecayWindow = 6 * time.Hour
	}
	return &Engine{
		vibe:  vibe,
		tone:  tone,
		ctx:   ctx,
		alpha: opts.Alpha,
		t:     opts.Samples,
		decay: opts.DecayWindow,
	}
}

// Observe folds one incoming message into the user's mood and persists both
// layers.
func (e *Engine) Observe(user int64, text string, now time.Time) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now = now.UTC()
	k := key(user)

	var v Vibe
	found, err := e.vibe.Get(k, &v)
	if err != nil {
		return State{}, fmt.Errorf("load vibe for %d: %w", user, err)
	}
	if !found {
		v = Vibe{Cluster: Neutral, Score: neutralScore}
	} else {
		v = e.decayed(v, now)
	}

	c := Classify(text)
	v.Cluster = c.Name
	v.Score = clamp(v.Score + e.alpha*(c.Target-v.Score))
	v.UpdatedAt = now

	var t Tone
	if _, err := e.tone.Get(k, &t); err != nil {
		return State{}, fmt.Errorf("load tone for %d: %w", user, err)
	}
	t.Samples = append(t.Samples, c.Name)
	if over := len(t.Samples) - e.t; over > 0 {
		t.Samples = append([]string(nil), t.Samples[over:]...)
	}
	t.Label = stabilize(t.Samples)
	t.UpdatedAt = now

	if err := e.vibe.Put(k, v); err != nil {
		return State{}, fmt.Errorf("save vibe for %d: %w", user, err)
	}
	if err := e.tone.Put(k, t); err != nil {
		return State{}, fmt.Errorf("save tone for %d: %w", user, err)
	}
	return State{Vibe: v, Tone: t}, nil
}

// Get returns the user's mood as of now with decay applied. ok is false for
// users never observed.
func (e *Engine) Get(user int64, now time.Time) (State, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getLocked(user, now.UTC())
}

func (e *Engine) getLocked(user int64, now time.Time) (State, bool, error) {
	k := key(user)
	var v Vibe
	ok, err := e.vibe.Get(k, &v)
	if err != nil {
		return State{}, false, fmt.Errorf("load vibe for %d: %w", user, err)
	}
	if !ok {
		return State{}, false, nil
	}
	var t Tone
	if _, err := e.tone.Get(k, &t); err != nil {
		return State{}, false, fmt.Errorf("load tone for %d: %w", user, err)
	}
	if t.Label == "" {
		t.Label = stabilize([]string{v.Cluster})
	}
	return State{Vibe: e.decayed(v, now), Tone: t}, true, nil
}

// Track records a message snippet and its script in the context tracker.
func (e *Engine) Track(user int64, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := key(user)
	var c Context
	if _, err := e.ctx.Get(k, &c); err != nil {
		return fmt.Errorf("load context for %d: %w", user, err)
	}
	c.Recent = append(c.Recent, truncate(text, snippetRunes))
	if over := len(c.Recent) - contextSnippets; over > 0 {
		c.Recent = append([]string(nil), c.Recent[over:]...)
	}
	if s := DetectScript(text); s != "" {
		c.Lang = s
	}
	if err := e.ctx.Put(k, c); err != nil {
		return fmt.Errorf("save context for %d: %w", user, err)
	}
	return nil
}

// Context returns the tracker record for user.
func (e *Engine) Context(user int64) (Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var c Context
	if _, err := e.ctx.Get(key(user), &c); err != nil {
		return Context{}, fmt.Errorf("load context for %d: %w", user, err)
	}
	return c, nil
}

// MoodPrefix renders "<Name> seems <Tone> and <adjective>." followed by a
// language hint. Only firstName identifies the user.
func (e *Engine) MoodPrefix(user int64, firstName string, now time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	who := firstName
	if who == "" {
		who = "The user"
	}

	tone, adj := "Calm", "relaxed"
	if st, ok, err := e.getLocked(user, now.UTC()); err == nil && ok {
		tone = st.Tone.Label
		if c, ok := ClusterByName(st.Vibe.Cluster); ok {
			adj = c.Adjective
		}
	}
	line := fmt.Sprintf("%s seems %s and %s.", who, tone, adj)

	var c Context
	if _, err := e.ctx.Get(key(user), &c); err == nil {
		if hint := languageHint(c.Lang); hint != "" {
			line += " " + hint
		}
	}
	return line
}

// Forget drops every layer for user.
func (e *Engine) Forget(user int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := key(user)
	for _, s := range []kv.Store{e.vibe, e.tone, e.ctx} {
		if err := s.Delete(k); err != nil {
			return fmt.Errorf("forget mood for %d: %w", user, err)
		}
	}
	return nil
}

// Reconcile repairs a crash between the memory write and the mood write.
// users maps every user with a memory record to its last_emotion label.
// Users with memory but no vibe are seeded from the label; vibe states for
// users without memory are dropped.
func (e *Engine) Reconcile(users map[int64]string, now time.Time) (seeded, dropped int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now = now.UTC()

	keys, err := e.vibe.Keys()
	if err != nil {
		return 0, 0, fmt.Errorf("list vibe keys: %w", err)
	}
	have := make(map[int64]bool, len(keys))
	for _, k := range keys {
		id, perr := strconv.ParseInt(k, 10, 64)
		if perr != nil {
			continue
		}
		if _, ok := users[id]; !ok {
			if err := e.vibe.Delete(k); err != nil {
				return seeded, dropped, err
			}
			if err := e.tone.Delete(k); err != nil {
				return seeded, dropped, err
			}
			dropped++
			continue
		}
		have[id] = true
	}

	for id, label := range users {
		if have[id] {
			continue
		}
		c, ok := clusterForLabel(label)
		if !ok {
			c, _ = ClusterByName(Neutral)
		}
		k := key(id)
		if err := e.vibe.Put(k, Vibe{Cluster: c.Name, Score: c.Target, UpdatedAt: now}); err != nil {
			return seeded, dropped, err
		}
		if err := e.tone.Put(k, Tone{Label: c.Tone, Samples: []string{c.Name}, UpdatedAt: now}); err != nil {
			return seeded, dropped, err
		}
		seeded++
	}
	return seeded, dropped, nil
}

// decayed moves the score halfway to neutral when the vibe is stale.
func (e *Engine) decayed(v Vibe, now time.Time) Vibe {
	if !v.UpdatedAt.IsZero() && now.Sub(v.UpdatedAt) > e.decay {
		v.Score = clamp(v.Score + (neutralScore-v.Score)/2)
	}
	return v
}

// stabilize returns the tone of the most frequent cluster in samples. Ties
// go to the cluster seen most recently.
func stabilize(samples []string) string {
	counts := make(map[string]int, len(samples))
	lastSeen := make(map[string]int, len(samples))
	for i, s := range samples {
		counts[s]++
		lastSeen[s] = i
	}
	best := Neutral
	bestCount, bestSeen := 0, -1
	for name, n := range counts {
		if n > bestCount || (n == bestCount && lastSeen[name] > bestSeen) {
			best, bestCount, bestSeen = name, n, lastSeen[name]
		}
	}
	c, ok := ClusterByName(best)
	if !ok {
		c, _ = ClusterByName(Neutral)
	}
	return c.Tone
}

func clamp(score float64) float64 {
	if math.IsNaN(score) {
		return neutralScore
	}
	return math.Max(0, math.Min(100, score))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func key(user int64) string { return strconv.FormatInt(user, 10) }
