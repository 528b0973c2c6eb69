package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/po3-trader/internal/metrics"
)

type interval struct {
	pb   pb.CandleInterval
	step time.Duration
}

var intervals = map[string]interval{
	"M1":  {pb.CandleInterval_CANDLE_INTERVAL_1_MIN, time.Minute},
	"M5":  {pb.CandleInterval_CANDLE_INTERVAL_5_MIN, 5 * time.Minute},
	"M15": {pb.CandleInterval_CANDLE_INTERVAL_15_MIN, 15 * time.Minute},
	"M30": {pb.CandleInterval_CANDLE_INTERVAL_30_MIN, 30 * time.Minute},
	"H1":  {pb.CandleInterval_CANDLE_INTERVAL_HOUR, time.Hour},
	"H4":  {pb.CandleInterval_CANDLE_INTERVAL_4_HOUR, 4 * time.Hour},
	"D1":  {pb.CandleInterval_CANDLE_INTERVAL_DAY, 24 * time.Hour},
}

// FetchCandles returns the last count candles of symbol, oldest first. The
// request window is widened to cover exchange breaks and then trimmed.
func (tc *TinkoffClient) FetchCandles(ctx context.Context, symbol, timeframe string, count int) (out []Candle, err error) {
	defer func() { metrics.BrokerCalls.WithLabelValues("ohlcv", metrics.Result(err)).Inc() }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iv, ok := intervals[strings.ToUpper(timeframe)]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	uid, err := tc.resolveTicker(symbol)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	from := now.Add(-time.Duration(count*3) * iv.step)
	if floor := now.Add(-3 * 24 * time.Hour); iv.step < time.Hour && from.After(floor) {
		from = floor
	}

	resp, err := tc.client.NewMarketDataServiceClient().GetCandles(
		uid,
		iv.pb,
		from, now,
		pb.GetCandlesRequest_CANDLE_SOURCE_EXCHANGE,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("get candles %s %s: %w", symbol, timeframe, err)
	}

	hc := resp.GetCandles()
	if len(hc) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, timeframe, ErrInsufficientData)
	}
	if len(hc) > count {
		hc = hc[len(hc)-count:]
	}

	out = make([]Candle, 0, len(hc))
	for _, c := range hc {
		out = append(out, Candle{
			Time:   c.GetTime().AsTime(),
			Open:   c.GetOpen().ToFloat(),
			High:   c.GetHigh().ToFloat(),
			Low:    c.GetLow().ToFloat(),
			Close:  c.GetClose().ToFloat(),
			Volume: float64(c.GetVolume()),
		})
	}
	return out, nil
}
