package broker

import (
	"context"
	"fmt"
	"math"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/po3-trader/internal/metrics"
	"github.com/camuig/po3-trader/internal/po3"
)

// GetActivePositions lists non-currency portfolio positions. Negative
// quantities are shorts.
func (tc *TinkoffClient) GetActivePositions(ctx context.Context) (out []Position, err error) {
	defer func() { metrics.BrokerCalls.WithLabelValues("positions", metrics.Result(err)).Inc() }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var resp interface {
		GetPositions() []*pb.PortfolioPosition
	}
	if tc.sandbox {
		r, err := tc.client.NewSandboxServiceClient().GetSandboxPortfolio(tc.accountID(), pb.PortfolioRequest_RUB)
		if err != nil {
			return nil, fmt.Errorf("get sandbox portfolio: %w", err)
		}
		resp = r.PortfolioResponse
	} else {
		r, err := tc.client.NewOperationsServiceClient().GetPortfolio(tc.accountID(), pb.PortfolioRequest_RUB)
		if err != nil {
			return nil, fmt.Errorf("get portfolio: %w", err)
		}
		resp = r.PortfolioResponse
	}

	for _, pp := range resp.GetPositions() {
		if pp.GetInstrumentType() == "currency" {
			continue
		}
		var qty float64
		if q := pp.GetQuantity(); q != nil {
			qty = q.ToFloat()
		}
		if qty == 0 {
			continue
		}

		p := Position{Symbol: pp.GetInstrumentUid(), Direction: po3.DirectionBuy, Volume: math.Abs(qty)}
		if qty < 0 {
			p.Direction = po3.DirectionSell
		}
		if ticker, err := tc.tickerOf(pp.GetInstrumentUid()); err == nil {
			p.Symbol = ticker
		}
		if ap := pp.GetAveragePositionPrice(); ap != nil {
			p.OpenPrice = ap.ToFloat()
		}
		if cp := pp.GetCurrentPrice(); cp != nil {
			p.CurrentPrice = cp.ToFloat()
		}
		if ey := pp.GetExpectedYield(); ey != nil {
			p.Profit = ey.ToFloat()
		}
		out = append(out, p)
	}
	return out, nil
}
