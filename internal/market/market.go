// Package market wraps the upstream price, chain explorer and DEX search
// APIs used by the market and airdrop commands. Responses are cached for a
// short TTL.
package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"

	"github.com/wenbnb/wenbnb/internal/config"
)

// ErrNotFound is returned when an upstream has no data for the query.
var ErrNotFound = errors.New("not found")

// Service names used in errors.
const (
	ServicePrice    = "price"
	ServiceExplorer = "explorer"
	ServiceDex      = "dex"
)

var coinIDs = map[string]string{
	"bnb":  "binancecoin",
	"btc":  "bitcoin",
	"eth":  "ethereum",
	"cake": "pancakeswap-token",
	"usdt": "tether",
	"sol":  "solana",
	"doge": "dogecoin",
}

// Quote is a spot price.
type Quote struct {
	Symbol    string
	PriceUSD  float64
	Change24h float64
	MarketCap float64
	Volume24h float64
	Source    string
}

// Pair is one DEX trading pair.
type Pair struct {
	ChainID        string
	DexID          string
	PairAddress    string
	BaseSymbol     string
	BaseName       string
	BaseAddress    string
	PriceUSD       float64
	LiquidityUSD   float64
	Volume24h      float64
	PriceChange24h float64
	FDV            float64
	CreatedAt      time.Time
}

// TokenInfo describes an on-chain token.
type TokenInfo struct {
	Contract string
	Symbol   string
	Supply   string // whole tokens, decimal string
}

// Client talks to the upstream APIs.
type Client struct {
	cfg   config.MarketConfig
	http  *http.Client
	cache *expirable.LRU[string, any]
}

// New creates a Client. httpClient may be nil.
func New(cfg config.MarketConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout.D()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	ttl := cfg.CacheTTL.D()
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Client{
		cfg:   cfg,
		http:  httpClient,
		cache: expirable.NewLRU[string, any](256, nil, ttl),
	}
}

// Config returns the market settings.
func (c *Client) Config() config.MarketConfig { return c.cfg }

// Price returns a USD quote for symbol. Symbols CoinGecko does not know
// fall back to the most liquid DEX pair.
func (c *Client) Price(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if symbol == "" {
		symbol = strings.ToLower(c.cfg.DefaultSymbol)
	}
	key := "price:" + symbol
	if v, ok := c.cache.Get(key); ok {
		return v.(Quote), nil
	}

	q, err := c.coingecko(ctx, symbol)
	if errors.Is(err, ErrNotFound) {
		q, err = c.dexQuote(ctx, symbol)
	}
	if err != nil {
		return Quote{}, err
	}
	c.cache.Add(key, q)
	return q, nil
}

func (c *Client) coingecko(ctx context.Context, symbol string) (Quote, error) {
	id, ok := coinIDs[symbol]
	if !ok {
		id = symbol
	}
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	q.Set("include_market_cap", "true")
	q.Set("include_24hr_vol", "true")
	body, err := c.get(ctx, ServicePrice, c.cfg.PriceURL+"/simple/price?"+q.Encode())
	if err != nil {
		return Quote{}, err
	}
	res := gjson.GetBytes(body, gjson.Escape(id))
	if !res.Exists() || !res.Get("usd").Exists() {
		return Quote{}, fmt.Errorf("%s %s: %w", ServicePrice, symbol, ErrNotFound)
	}
	return Quote{
		Symbol:    strings.ToUpper(symbol),
		PriceUSD:  res.Get("usd").Float(),
		Change24h: res.Get("usd_24h_change").Float(),
		MarketCap: res.Get("usd_market_cap").Float(),
		Volume24h: res.Get("usd_24h_vol").Float(),
		Source:    "CoinGecko",
	}, nil
}

func (c *Client) dexQuote(ctx context.Context, symbol string) (Quote, error) {
	pairs, err := c.SearchPairs(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	for _, p := range pairs {
		if strings.EqualFold(p.BaseSymbol, symbol) {
			return Quote{
				Symbol:    strings.ToUpper(symbol),
				PriceUSD:  p.PriceUSD,
				Change24h: p.PriceChange24h,
				MarketCap: p.FDV,
				Volume24h: p.Volume24h,
				Source:    "DexScreener",
			}, nil
		}
	}
	return Quote{}, fmt.Errorf("%s %s: %w", ServiceDex, symbol, ErrNotFound)
}

// SearchPairs searches DEX pairs by symbol, name or address, most liquid
// first.
func (c *Client) SearchPairs(ctx context.Context, query string) ([]Pair, error) {
	key := "search:" + strings.ToLower(query)
	if v, ok := c.cache.Get(key); ok {
		return v.([]Pair), nil
	}
	body, err := c.get(ctx, ServiceDex, c.cfg.DexURL+"/latest/dex/search?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	pairs := parsePairs(body)
	c.cache.Add(key, pairs)
	return pairs, nil
}

// TokenPairs returns the DEX pairs of a token contract, most liquid first.
func (c *Client) TokenPairs(ctx context.Context, contract string) ([]Pair, error) {
	key := "token:" + strings.ToLower(contract)
	if v, ok := c.cache.Get(key); ok {
		return v.([]Pair), nil
	}
	body, err := c.get(ctx, ServiceDex, c.cfg.DexURL+"/latest/dex/tokens/"+url.PathEscape(contract))
	if err != nil {
		return nil, err
	}
	pairs := parsePairs(body)
	c.cache.Add(key, pairs)
	return pairs, nil
}

func parsePairs(body []byte) []Pair {
	var pairs []Pair
	gjson.GetBytes(body, "pairs").ForEach(func(_, p gjson.Result) bool {
		pair := Pair{
			ChainID:        p.Get("chainId").String(),
			DexID:          p.Get("dexId").String(),
			PairAddress:    p.Get("pairAddress").String(),
			BaseSymbol:     p.Get("baseToken.symbol").String(),
			BaseName:       p.Get("baseToken.name").String(),
			BaseAddress:    p.Get("baseToken.address").String(),
			PriceUSD:       p.Get("priceUsd").Float(),
			LiquidityUSD:   p.Get("liquidity.usd").Float(),
			Volume24h:      p.Get("volume.h24").Float(),
			PriceChange24h: p.Get("priceChange.h24").Float(),
			FDV:            p.Get("fdv").Float(),
		}
		if ms := p.Get("pairCreatedAt").Int(); ms > 0 {
			pair.CreatedAt = time.UnixMilli(ms).UTC()
		}
		pairs = append(pairs, pair)
		return true
	})
	sortByLiquidity(pairs)
	return pairs
}

func sortByLiquidity(pairs []Pair) {
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].LiquidityUSD > pairs[j].LiquidityUSD })
}

// TokenSupply reads the total supply of contract from the chain explorer.
func (c *Client) TokenSupply(ctx context.Context, contract string) (TokenInfo, error) {
	if contract == "" {
		contract = c.cfg.TokenContract
	}
	if contract == "" {
		return TokenInfo{}, fmt.Errorf("%s: no token contract configured: %w", ServiceExplorer, ErrNotFound)
	}
	key := "supply:" + strings.ToLower(contract)
	if v, ok := c.cache.Get(key); ok {
		return v.(TokenInfo), nil
	}

	q := url.Values{}
	q.Set("module", "stats")
	q.Set("action", "tokensupply")
	q.Set("contractaddress", contract)
	if c.cfg.ExplorerKey != "" {
		q.Set("apikey", c.cfg.ExplorerKey)
	}
	body, err := c.get(ctx, ServiceExplorer, c.cfg.ExplorerURL+"?"+q.Encode())
	if err != nil {
		return TokenInfo{}, err
	}
	if gjson.GetBytes(body, "status").String() != "1" {
		msg := gjson.GetBytes(body, "result").String()
		return TokenInfo{}, fmt.Errorf("%s tokensupply: %s", ServiceExplorer, msg)
	}
	info := TokenInfo{
		Contract: contract,
		Symbol:   c.cfg.TokenSymbol,
		Supply:   scaleDecimals(gjson.GetBytes(body, "result").String(), c.cfg.TokenDecimals),
	}
	c.cache.Add(key, info)
	return info, nil
}

// TxCount returns the nonce of a wallet (number of sent transactions).
func (c *Client) TxCount(ctx context.Context, address string) (int64, error) {
	q := url.Values{}
	q.Set("module", "proxy")
	q.Set("action", "eth_getTransactionCount")
	q.Set("address", address)
	q.Set("tag", "latest")
	if c.cfg.ExplorerKey != "" {
		q.Set("apikey", c.cfg.ExplorerKey)
	}
	body, err := c.get(ctx, ServiceExplorer, c.cfg.ExplorerURL+"?"+q.Encode())
	if err != nil {
		return 0, err
	}
	hex := strings.TrimPrefix(gjson.GetBytes(body, "result").String(), "0x")
	n, err := strconv.ParseInt(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%s tx count %q: %w", ServiceExplorer, hex, err)
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, service, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", service, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", service, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", service, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s returned invalid JSON", service)
	}
	return body, nil
}

// scaleDecimals renders raw / 10^decimals without losing precision.
func scaleDecimals(raw string, decimals int) string {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return raw
	}
	if decimals <= 0 {
		return n.String()
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(n, div, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	fs := frac.String()
	if pad := decimals - len(fs); pad > 0 {
		fs = strings.Repeat("0", pad) + fs
	}
	return whole.String() + "." + strings.TrimRight(fs, "0")
}
