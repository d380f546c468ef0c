package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"GapSentinel/internal/model"
)

const yahooBaseURL = "https://query1.finance.yahoo.com"

// YahooFetcher implements Provider using the Yahoo Finance chart API.
type YahooFetcher struct {
	BaseURL   string
	Client    *http.Client
	SymbolMap map[string]string // maps internal symbol to Yahoo ticker
}

// NewYahooFetcher creates a new Yahoo Finance fetcher with optional proxy support.
func NewYahooFetcher(proxyURL string) *YahooFetcher {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &YahooFetcher{
		BaseURL: yahooBaseURL,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		SymbolMap: map[string]string{
			"SPX500": "^GSPC",
			"SPX":    "^GSPC",
			"NDX":    "^NDX",
		},
	}
}

func (f *YahooFetcher) Name() string { return "yahoo" }

func (f *YahooFetcher) yahooSymbol(symbol string) string {
	if mapped, ok := f.SymbolMap[symbol]; ok {
		return mapped
	}
	return symbol
}

// yahooChart is the response structure from Yahoo Finance chart API.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// yahooInterval maps a timeframe to the chart API interval. 4h bars are not
// served by Yahoo and are aggregated from 1h bars.
func yahooInterval(tf model.Timeframe) (interval string, aggregate time.Duration) {
	switch tf {
	case model.TF1h:
		return "60m", 0
	case model.TF4h:
		return "60m", 4 * time.Hour
	default:
		return string(tf), 0
	}
}

// yahooRange picks the smallest chart range covering lookback candles,
// assuming a 6.5h regular session on 5 days a week.
func yahooRange(tf model.Timeframe, lookback int) string {
	var days float64
	if tf.Duration() >= 24*time.Hour {
		days = float64(lookback)*7/5 + 1
	} else {
		sessions := math.Ceil(float64(lookback) * tf.Duration().Hours() / 6.5)
		days = sessions*7/5 + 1
	}

	ranges := []struct {
		days float64
		rng  string
	}{
		{1, "1d"}, {5, "5d"}, {30, "1mo"}, {90, "3mo"}, {180, "6mo"}, {365, "1y"}, {730, "2y"},
	}
	rng := "5y"
	for _, r := range ranges {
		if days <= r.days {
			rng = r.rng
			break
		}
	}

	// upstream caps on intraday history
	switch {
	case tf == model.TF1m && rng != "1d":
		return "5d"
	case tf.Duration() < time.Hour && (rng == "3mo" || rng == "6mo" || rng == "1y" || rng == "2y" || rng == "5y"):
		return "1mo"
	case tf.Duration() < 24*time.Hour && rng == "5y":
		return "2y"
	}
	return rng
}

func (f *YahooFetcher) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, lookback int) ([]model.Candle, error) {
	if !tf.Valid() {
		return nil, newFetchError(KindPermanent, "yahoo: unsupported timeframe %q", tf)
	}
	interval, aggregate := yahooInterval(tf)
	want := lookback
	if aggregate > 0 {
		want = lookback * int(aggregate/time.Hour)
	}
	bars, err := f.fetchChart(ctx, symbol, interval, yahooRange(tf, lookback))
	if err != nil {
		return nil, err
	}
	if aggregate > 0 {
		bars = aggregateBars(bars, aggregate)
	} else if len(bars) > want {
		bars = bars[len(bars)-want:]
	}
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	return bars, nil
}

func (f *YahooFetcher) fetchChart(ctx context.Context, symbol, interval, rng string) ([]model.Candle, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		f.BaseURL, url.PathEscape(f.yahooSymbol(symbol)), interval, rng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, newFetchError(KindPermanent, "yahoo: build request: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindTransient, Err: fmt.Errorf("yahoo fetch: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Kind: KindTransient, Err: fmt.Errorf("yahoo read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("yahoo", resp.StatusCode, body)
	}

	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, newFetchError(KindPermanent, "yahoo decode: %v", err)
	}
	if e := chart.Chart.Error; e != nil {
		kind := KindPermanent
		if strings.EqualFold(e.Code, "Not Found") {
			kind = KindNotFound
		}
		return nil, newFetchError(kind, "yahoo api error: %s", e.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, newFetchError(KindNotFound, "yahoo: no result for %s", symbol)
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, nil
	}
	quote := result.Indicators.Quote[0]
	bars := make([]model.Candle, 0, len(result.Timestamp))

	at := func(vals []*float64, i int) float64 {
		if i >= len(vals) || vals[i] == nil {
			return 0
		}
		return *vals[i]
	}
	for i, ts := range result.Timestamp {
		o, h, l, c := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if o == 0 && h == 0 && l == 0 && c == 0 {
			continue // skip null bars (halts, holidays)
		}
		bars = append(bars, model.Candle{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   o,
			High:   h,
			Low:    l,
			Close:  c,
			Volume: int64(at(quote.Volume, i)),
		})
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

// aggregateBars folds bars into buckets of the given width aligned to
// Time.Truncate(width).
func aggregateBars(bars []model.Candle, width time.Duration) []model.Candle {
	if len(bars) == 0 {
		return nil
	}
	var out []model.Candle
	var cur model.Candle
	var started bool

	for _, b := range bars {
		bucket := b.Time.Truncate(width)
		if !started || !bucket.Equal(cur.Time) {
			if started {
				out = append(out, cur)
			}
			cur = model.Candle{Time: bucket, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			started = true
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	return append(out, cur)
}
