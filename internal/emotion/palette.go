package emotion

import (
	"strings"
)

// Cluster is one entry of the short-term vibe palette.
type Cluster struct {
	Name      string
	Emoji     string
	Target    float64 // score the smoothing pulls toward
	Tone      string  // long-term label this cluster votes for
	Adjective string  // used in the mood prefix
}

// Neutral is the baseline cluster and the decay anchor.
const Neutral = "neutral"

const neutralScore = 50.0

// palette order is the classification tie-break order.
var palette = []Cluster{
	{Name: "positive", Emoji: "😊✨", Target: 80, Tone: "Inspired", Adjective: "upbeat"},
	{Name: "playful", Emoji: "😜🎉", Target: 70, Tone: "Playful", Adjective: "playful"},
	{Name: "analytical", Emoji: "🧐📊", Target: 55, Tone: "Analytical", Adjective: "analytical"},
	{Name: "curious", Emoji: "🤔", Target: 60, Tone: "Focused", Adjective: "curious"},
	{Name: "negative", Emoji: "😔💭", Target: 25, Tone: "Reflective", Adjective: "a little low"},
	{Name: Neutral, Emoji: "🙂", Target: neutralScore, Tone: "Calm", Adjective: "relaxed"},
}

var keywords = map[string][]string{
	"positive":   {"love", "great", "awesome", "amazing", "thanks", "thank you", "happy", "moon", "bullish", "gm", "nice", "wow", "🚀", "❤", "🔥"},
	"playful":    {"lol", "lmao", "haha", "meme", "fun", "joke", "degen", "😂", "🤣", "😜"},
	"analytical": {"price", "chart", "analy", "volume", "supply", "market", "liquidity", "contract", "tokenomics", "data", "stats", "%"},
	"curious":    {"how", "why", "what", "when", "where", "which", "explain", "?"},
	"negative":   {"sad", "bad", "angry", "hate", "scam", "rug", "dump", "bearish", "lost", "worried", "tired", "😢", "😡"},
}

// ClusterByName returns the palette entry called name.
func ClusterByName(name string) (Cluster, bool) {
	for _, c := range palette {
		if c.Name == name {
			return c, true
		}
	}
	return Cluster{}, false
}

// ClusterByEmoji maps a stored emoji label back to its cluster.
func ClusterByEmoji(emoji string) (Cluster, bool) {
	for _, c := range palette {
		if c.Emoji == emoji {
			return c, true
		}
	}
	return Cluster{}, false
}

// clusterForLabel resolves a stored last-emotion label. Emoji labels are
// canonical; cluster names and tone labels are accepted for older records.
func clusterForLabel(label string) (Cluster, bool) {
	if c, ok := ClusterByEmoji(label); ok {
		return c, true
	}
	if c, ok := ClusterByName(label); ok {
		return c, true
	}
	for _, c := range palette {
		if strings.EqualFold(c.Tone, label) {
			return c, true
		}
	}
	return Cluster{}, false
}

// Classify picks the cluster with the most keyword hits in text. Ties go to
// the earlier palette entry; no hits is neutral.
func Classify(text string) Cluster {
	lower := strings.ToLower(text)
	best, bestHits := palette[len(palette)-1], 0
	for _, c := range palette {
		hits := 0
		for _, kw := range keywords[c.Name] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = c, hits
		}
	}
	return best
}
