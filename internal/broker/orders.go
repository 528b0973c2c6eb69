package broker

import (
	"fmt"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/po3-trader/internal/po3"
)

type marketResult struct {
	OrderID       string
	ExecutedPrice float64
	ExecutedLots  int64
}

func (tc *TinkoffClient) marketOrder(uid string, dir po3.Direction, n int64) (*marketResult, error) {
	req := &investgo.PostOrderRequestShort{
		InstrumentId: uid,
		Quantity:     n,
		AccountId:    tc.accountID(),
		OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
		OrderId:      investgo.CreateUid(),
	}

	var (
		resp *investgo.PostOrderResponse
		err  error
	)
	switch {
	case tc.sandbox:
		direction := pb.OrderDirection_ORDER_DIRECTION_BUY
		if dir == po3.DirectionSell {
			direction = pb.OrderDirection_ORDER_DIRECTION_SELL
		}
		resp, err = tc.client.NewSandboxServiceClient().PostSandboxOrder(&investgo.PostOrderRequest{
			InstrumentId: req.InstrumentId,
			Quantity:     req.Quantity,
			Direction:    direction,
			AccountId:    req.AccountId,
			OrderType:    req.OrderType,
			OrderId:      req.OrderId,
		})
	case dir == po3.DirectionBuy:
		resp, err = tc.client.NewOrdersServiceClient().Buy(req)
	default:
		resp, err = tc.client.NewOrdersServiceClient().Sell(req)
	}
	if err != nil {
		return nil, fmt.Errorf("%s market order: %w", dir, err)
	}

	res := &marketResult{
		OrderID:      resp.GetOrderId(),
		ExecutedLots: resp.GetLotsExecuted(),
	}
	if ep := resp.GetExecutedOrderPrice(); ep != nil {
		res.ExecutedPrice = ep.ToFloat()
	}
	return res, nil
}

type exitKind int

const (
	stopLoss exitKind = iota
	takeProfit
)

// placeExit posts a good-till-cancel SL or TP stop order. The sandbox has no
// stop orders, so there it only logs and returns an empty id.
func (tc *TinkoffClient) placeExit(uid string, dir po3.Direction, n int64, price float64, kind exitKind) (string, error) {
	orderType := pb.StopOrderType_STOP_ORDER_TYPE_STOP_LOSS
	if kind == takeProfit {
		orderType = pb.StopOrderType_STOP_ORDER_TYPE_TAKE_PROFIT
	}
	if tc.sandbox {
		tc.logger.Info("stop order skipped in sandbox mode", "instrument", uid, "type", orderType.String(), "price", price)
		return "", nil
	}

	direction := pb.StopOrderDirection_STOP_ORDER_DIRECTION_SELL
	if dir == po3.DirectionBuy {
		direction = pb.StopOrderDirection_STOP_ORDER_DIRECTION_BUY
	}

	resp, err := tc.client.NewStopOrdersServiceClient().PostStopOrder(&investgo.PostStopOrderRequest{
		InstrumentId:   uid,
		Quantity:       n,
		StopPrice:      quotation(price),
		Direction:      direction,
		AccountId:      tc.accountID(),
		ExpirationType: pb.StopOrderExpirationType_STOP_ORDER_EXPIRATION_TYPE_GOOD_TILL_CANCEL,
		StopOrderType:  orderType,
		OrderID:        investgo.CreateUid(),
	})
	if err != nil {
		return "", fmt.Errorf("post %s: %w", orderType.String(), err)
	}
	return resp.GetStopOrderId(), nil
}

func (tc *TinkoffClient) cancelStopOrders(ids []string) {
	if tc.sandbox {
		return
	}
	stopOrders := tc.client.NewStopOrdersServiceClient()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := stopOrders.CancelStopOrder(tc.accountID(), id); err != nil {
			tc.logger.Error("cancel stop order", "order_id", id, "error", err)
		}
	}
}

func quotation(value float64) *pb.Quotation {
	units := int64(value)
	nano := int32((value - float64(units)) * 1e9)
	return &pb.Quotation{Units: units, Nano: nano}
}
