package telemetry

import (
	"context"
	"math/rand/v2"
	"time"
)

var pulseMoods = []string{
	"😊✨ Inspired",
	"😜🎉 Playful",
	"🧐📊 Analytical",
	"🤔 Focused",
	"🙂 Calm",
}

// Pulse nudges the displayed mood on every tick until ctx ends. It only
// touches the telemetry page, never per-user emotion state.
func Pulse(ctx context.Context, feed *Feed, every time.Duration) {
	if every <= 0 {
		every = 20 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			feed.SetEmotion(pulseMoods[rand.IntN(len(pulseMoods))])
		}
	}
}
