// Package marketcmd serves /price and /tokeninfo.
package marketcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/market"
	"github.com/wenbnb/wenbnb/internal/plugin"
)

// Plugin is the market plugin.
type Plugin struct {
	client *market.Client
}

// New creates the plugin.
func New(client *market.Client) *Plugin { return &Plugin{client: client} }

func (p *Plugin) Name() string { return "market" }

func (p *Plugin) Register(r plugin.Registrar, _ *config.Config) error {
	if p.client == nil {
		return errors.New("market client is required")
	}
	r.Commands(
		plugin.Command{Name: "price", Help: "live price, e.g. /price bnb", Handler: p.price},
		plugin.Command{Name: "tokeninfo", Help: "token supply from the chain explorer", Handler: p.tokenInfo},
	)
	return nil
}

func (p *Plugin) price(ctx context.Context, req *plugin.Request) error {
	symbol := ""
	if len(req.Args) > 0 {
		symbol = req.Args[0]
	}
	q, err := p.client.Price(ctx, symbol)
	if errors.Is(err, market.ErrNotFound) {
		if symbol == "" {
			symbol = p.client.Config().DefaultSymbol
		}
		return req.Reply(ctx, fmt.Sprintf("❓ No price found for %s.", strings.ToUpper(symbol)))
	}
	if err != nil {
		return plugin.Upstream(market.ServicePrice, err)
	}
	return req.Reply(ctx, req.Branded(FormatQuote(q)))
}

func (p *Plugin) tokenInfo(ctx context.Context, req *plugin.Request) error {
	info, err := p.client.TokenSupply(ctx, "")
	if errors.Is(err, market.ErrNotFound) {
		return req.Reply(ctx, "ℹ️ No token contract is configured.")
	}
	if err != nil {
		return plugin.Upstream(market.ServiceExplorer, err)
	}
	text := fmt.Sprintf("🪙 Token Info\nSymbol: %s\nContract: %s\nTotal supply: %s",
		info.Symbol, info.Contract, groupDigits(info.Supply))
	return req.Reply(ctx, req.Branded(text))
}

// FormatQuote renders a quote for chat.
func FormatQuote(q market.Quote) string {
	arrow := "📈"
	if q.Change24h < 0 {
		arrow = "📉"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "💰 %s: $%s\n", q.Symbol, usd(q.PriceUSD))
	fmt.Fprintf(&b, "%s 24h: %+.2f%%", arrow, q.Change24h)
	if q.MarketCap > 0 {
		fmt.Fprintf(&b, "\nMarket cap: $%s", humanize.CommafWithDigits(q.MarketCap, 0))
	}
	if q.Volume24h > 0 {
		fmt.Fprintf(&b, "\nVolume 24h: $%s", humanize.CommafWithDigits(q.Volume24h, 0))
	}
	fmt.Fprintf(&b, "\nSource: %s", q.Source)
	return b.String()
}

// usd keeps sub-cent prices readable.
func usd(v float64) string {
	switch {
	case v >= 1:
		return humanize.CommafWithDigits(v, 2)
	case v >= 0.01:
		return fmt.Sprintf("%.4f", v)
	default:
		return fmt.Sprintf("%.8f", v)
	}
}

// groupDigits adds thousands separators to a decimal string of any size.
func groupDigits(s string) string {
	whole, frac, hasFrac := strings.Cut(s, ".")
	if len(whole) > 3 {
		var b strings.Builder
		lead := len(whole) % 3
		if lead > 0 {
			b.WriteString(whole[:lead])
		}
		for i := lead; i < len(whole); i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(whole[i : i+3])
		}
		whole = b.String()
	}
	if hasFrac {
		return whole + "." + frac
	}
	return whole
}
