// Package airdrop implements /airdropcheck and the admin watchlist with its
// periodic sentinel scan.
package airdrop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/market"
	"github.com/wenbnb/wenbnb/internal/plugin"
)

// MoveThreshold is the probability change that triggers an admin alert.
const MoveThreshold = 15

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Market is the upstream surface the plugin needs.
type Market interface {
	SearchPairs(ctx context.Context, query string) ([]market.Pair, error)
	TokenPairs(ctx context.Context, contract string) ([]market.Pair, error)
	TxCount(ctx context.Context, address string) (int64, error)
}

// NotifyFunc delivers a sentinel alert to the admins.
type NotifyFunc func(ctx context.Context, text string)

// Plugin is the airdrop plugin.
type Plugin struct {
	market Market
	watch  *Watchlist
	notify NotifyFunc
	now    func() time.Time
}

// New creates the plugin. notify may be nil.
func New(m Market, watch *Watchlist, notify NotifyFunc) *Plugin {
	return &Plugin{market: m, watch: watch, notify: notify, now: time.Now}
}

func (p *Plugin) Name() string { return "airdrop" }

func (p *Plugin) Register(r plugin.Registrar, _ *config.Config) error {
	if p.market == nil || p.watch == nil {
		return errors.New("airdrop needs a market client and a watchlist")
	}
	r.Commands(
		plugin.Command{Name: "airdropcheck", Help: "score a wallet, contract or symbol", Handler: p.check},
		plugin.Command{Name: "watchlist", Help: "tokens the sentinel watches", Handler: p.list},
		plugin.Command{Name: "watch", Admin: true, Help: "watch a token: /watch <name> <contract>", Handler: p.add},
		plugin.Command{Name: "unwatch", Admin: true, Help: "stop watching a token", Handler: p.remove},
	)
	return nil
}

func (p *Plugin) check(ctx context.Context, req *plugin.Request) error {
	if len(req.Args) == 0 {
		return plugin.Usage("/airdropcheck <wallet|contract|symbol>")
	}
	target := req.Args[0]

	if !addressRe.MatchString(target) {
		pairs, err := p.market.SearchPairs(ctx, target)
		if err != nil {
			return plugin.Upstream(market.ServiceDex, err)
		}
		pairs = matchSymbol(pairs, target)
		if len(pairs) == 0 {
			return req.Reply(ctx, fmt.Sprintf("❓ Nothing found for %s.", strings.ToUpper(target)))
		}
		return req.Reply(ctx, req.Branded(tokenReport(strings.ToUpper(target), "Token symbol", pairs, req.Now)))
	}

	pairs, err := p.market.TokenPairs(ctx, target)
	if err != nil {
		return plugin.Upstream(market.ServiceDex, err)
	}
	if len(pairs) > 0 {
		return req.Reply(ctx, req.Branded(tokenReport(short(target), "Token contract", pairs, req.Now)))
	}

	txs, err := p.market.TxCount(ctx, target)
	if err != nil {
		return plugin.Upstream(market.ServiceExplorer, err)
	}
	text := fmt.Sprintf("🎯 Airdrop Check: %s\nType: Wallet\nTransactions: %s\nActivity score: %d%%",
		short(target), humanize.Comma(txs), WalletScore(txs))
	return req.Reply(ctx, req.Branded(text))
}

func (p *Plugin) list(ctx context.Context, req *plugin.Request) error {
	entries, err := p.watch.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "👀 The watchlist is empty.")
	}
	var b strings.Builder
	b.WriteString("👀 Watchlist")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n• %s %s | %d%% (added %s)",
			e.Name, short(e.Contract), e.LastProbability, humanize.RelTime(e.AddedAt, req.Now, "ago", "from now"))
	}
	return req.Reply(ctx, b.String())
}

func (p *Plugin) add(ctx context.Context, req *plugin.Request) error {
	if len(req.Args) != 2 || !addressRe.MatchString(req.Args[1]) {
		return plugin.Usage("/watch <name> <0x contract>")
	}
	e := Entry{Name: req.Args[0], Contract: req.Args[1], AddedAt: req.Now.UTC()}
	note := ""
	if pairs, err := p.market.TokenPairs(ctx, e.Contract); err != nil {
		note = "\nScore pending: live data unavailable."
	} else {
		e.LastProbability = TokenScore(pairs, req.Now)
	}
	if err := p.watch.Put(e); err != nil {
		return err
	}
	slog.Info("watchlist entry added", "name", e.Name, "contract", e.Contract, "probability", e.LastProbability)
	return req.Reply(ctx, fmt.Sprintf("✅ Watching %s at %d%%.%s", e.Name, e.LastProbability, note))
}

func (p *Plugin) remove(ctx context.Context, req *plugin.Request) error {
	if len(req.Args) != 1 {
		return plugin.Usage("/unwatch <name>")
	}
	ok, err := p.watch.Remove(req.Args[0])
	if err != nil {
		return err
	}
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("❓ %s is not on the watchlist.", req.Args[0]))
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 Stopped watching %s.", req.Args[0]))
}

// Move is a watched token whose probability changed by MoveThreshold or
// more in one scan.
type Move struct {
	Name     string
	From, To int
}

// Scan rescores every watched token, stores the new probabilities and
// alerts the admins about large moves. Tokens whose data cannot be fetched
// keep their last probability.
func (p *Plugin) Scan(ctx context.Context) ([]Move, error) {
	entries, err := p.watch.List()
	if err != nil {
		return nil, err
	}
	now := p.now()
	var moves []Move
	for _, e := range entries {
		pairs, err := p.market.TokenPairs(ctx, e.Contract)
		if err != nil {
			slog.Warn("sentinel fetch failed", "name", e.Name, "error", err)
			continue
		}
		score := TokenScore(pairs, now)
		if d := score - e.LastProbability; d >= MoveThreshold || -d >= MoveThreshold {
			moves = append(moves, Move{Name: e.Name, From: e.LastProbability, To: score})
		}
		e.LastProbability = score
		if err := p.watch.Put(e); err != nil {
			return moves, err
		}
	}
	if len(moves) > 0 && p.notify != nil {
		p.notify(ctx, formatMoves(moves))
	}
	slog.Info("sentinel scan finished", "watched", len(entries), "moves", len(moves))
	return moves, nil
}

func formatMoves(moves []Move) string {
	var b strings.Builder
	b.WriteString("🚨 Airdrop Sentinel")
	for _, m := range moves {
		arrow := "⬆️"
		if m.To < m.From {
			arrow = "⬇️"
		}
		fmt.Fprintf(&b, "\n%s %s: %d%% → %d%%", arrow, m.Name, m.From, m.To)
	}
	return b.String()
}

func tokenReport(label, kind string, pairs []market.Pair, now time.Time) string {
	top := pairs[0]
	var b strings.Builder
	fmt.Fprintf(&b, "🎯 Airdrop Check: %s\nType: %s\n", label, kind)
	fmt.Fprintf(&b, "Top pair: %s on %s (%s)\n", top.BaseSymbol, top.DexID, top.ChainID)
	fmt.Fprintf(&b, "Liquidity: $%s\nVolume 24h: $%s\n",
		humanize.CommafWithDigits(top.LiquidityUSD, 0), humanize.CommafWithDigits(top.Volume24h, 0))
	if !top.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Listed: %s\n", humanize.RelTime(top.CreatedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(&b, "Pairs: %d\nAirdrop probability: %d%%", len(pairs), TokenScore(pairs, now))
	return b.String()
}

// matchSymbol keeps pairs whose base symbol equals query, or all pairs when
// none match exactly.
func matchSymbol(pairs []market.Pair, query string) []market.Pair {
	var exact []market.Pair
	for _, p := range pairs {
		if strings.EqualFold(p.BaseSymbol, query) {
			exact = append(exact, p)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return pairs
}

func short(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
