package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/metrics"
	"github.com/camuig/po3-trader/internal/po3"
)

// MT5Client talks to the REST bridge running next to the MetaTrader 5 terminal.
type MT5Client struct {
	base   string
	apiKey string
	magic  int
	hc     *http.Client
	logger *logger.Logger
}

func NewMT5Client(cfg config.MT5Config, log *logger.Logger) *MT5Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MT5Client{
		base:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey: cfg.APIKey,
		magic:  cfg.Magic,
		hc:     &http.Client{Timeout: timeout},
		logger: log,
	}
}

func (c *MT5Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

// statusError is a non-2xx bridge reply.
type statusError struct {
	Op     string
	Code   int
	Detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mt5 %s: http %d: %s", e.Op, e.Code, e.Detail)
}

func (c *MT5Client) do(ctx context.Context, op, method, path string, query url.Values, body any, out any) (err error) {
	defer func() { metrics.BrokerCalls.WithLabelValues(op, metrics.Result(err)).Inc() }()

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mt5 %s: encode request: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("mt5 %s: new request: %w", op, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("mt5 %s: %w", op, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("mt5 %s: read body: %w", op, err)
	}

	if res.StatusCode >= 300 {
		return &statusError{Op: op, Code: res.StatusCode, Detail: bridgeError(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mt5 %s: decode response: %w", op, err)
	}
	return nil
}

func bridgeError(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type mt5Candle struct {
	Time       json.RawMessage `json:"time"`
	Open       float64         `json:"open"`
	High       float64         `json:"high"`
	Low        float64         `json:"low"`
	Close      float64         `json:"close"`
	TickVolume float64         `json:"tick_volume"`
	RealVolume float64         `json:"real_volume"`
}

func (c *MT5Client) FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", strings.ToUpper(timeframe))
	q.Set("count", strconv.Itoa(count))

	var rows []mt5Candle
	if err := c.do(ctx, "ohlcv", http.MethodGet, "/ohlcv", q, nil, &rows); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s %s: %w", symbol, timeframe, ErrInsufficientData)
		}
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, timeframe, ErrInsufficientData)
	}

	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		vol := r.RealVolume
		if vol == 0 {
			vol = r.TickVolume
		}
		candles = append(candles, Candle{
			Time:   parseBridgeTime(r.Time),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: vol,
		})
	}
	return candles, nil
}

type mt5OrderRequest struct {
	Symbol    string  `json:"symbol"`
	Volume    float64 `json:"volume"`
	Type      string  `json:"type"`
	Price     float64 `json:"price,omitempty"`
	SL        float64 `json:"sl,omitempty"`
	TP        float64 `json:"tp,omitempty"`
	Deviation int     `json:"deviation"`
	Magic     int     `json:"magic"`
	Comment   string  `json:"comment"`
}

type mt5OrderReply struct {
	Message string `json:"message"`
	Result  struct {
		Retcode int     `json:"retcode"`
		Order   int64   `json:"order"`
		Deal    int64   `json:"deal"`
		Price   float64 `json:"price"`
		Volume  float64 `json:"volume"`
		Comment string  `json:"comment"`
	} `json:"result"`
}

// OpenOrder sends a market order when spec.Price is zero. Otherwise it places
// a limit or stop order depending on where the price sits against the last close.
func (c *MT5Client) OpenOrder(ctx context.Context, spec OrderSpec) (*OrderHandle, error) {
	orderType, pending, err := c.orderType(ctx, spec)
	if err != nil {
		return nil, err
	}

	req := mt5OrderRequest{
		Symbol:    spec.Symbol,
		Volume:    spec.Volume,
		Type:      orderType,
		SL:        spec.StopLoss,
		TP:        spec.TakeProfit,
		Deviation: 20,
		Magic:     c.magic,
		Comment:   bridgeComment(spec),
	}
	if pending {
		req.Price = spec.Price
	}

	var reply mt5OrderReply
	if err := c.do(ctx, "order", http.MethodPost, "/order", nil, req, &reply); err != nil {
		return nil, err
	}

	ticket := reply.Result.Order
	if ticket == 0 {
		ticket = reply.Result.Deal
	}
	if ticket == 0 {
		return nil, fmt.Errorf("mt5 order %s %s: %w", spec.Symbol, orderType, ErrMissingHandle)
	}

	price := reply.Result.Price
	if price == 0 {
		price = spec.Price
	}

	c.logger.Info("mt5 order accepted",
		"symbol", spec.Symbol, "type", orderType, "ticket", ticket,
		"price", price, "volume", spec.Volume, "request_id", spec.RequestID)

	return &OrderHandle{
		Ticket:    strconv.FormatInt(ticket, 10),
		OrderType: orderType,
		Price:     price,
		Pending:   pending,
	}, nil
}

func (c *MT5Client) orderType(ctx context.Context, spec OrderSpec) (string, bool, error) {
	var side string
	switch spec.Direction {
	case po3.DirectionBuy:
		side = "BUY"
	case po3.DirectionSell:
		side = "SELL"
	default:
		return "", false, fmt.Errorf("mt5 order: unknown direction %q", spec.Direction)
	}
	if spec.Price <= 0 {
		return "ORDER_TYPE_" + side, false, nil
	}

	last, err := c.lastClose(ctx, spec.Symbol)
	if err != nil {
		return "", false, fmt.Errorf("mt5 order: reference price: %w", err)
	}
	return pendingOrderType(spec.Direction, spec.Price, last), true, nil
}

func (c *MT5Client) lastClose(ctx context.Context, symbol string) (float64, error) {
	candles, err := c.FetchCandles(ctx, symbol, "M1", 1)
	if err != nil {
		return 0, err
	}
	return candles[len(candles)-1].Close, nil
}

// pendingOrderType picks LIMIT for entries better than market and STOP for
// entries beyond it.
func pendingOrderType(dir po3.Direction, price, market float64) string {
	if dir == po3.DirectionBuy {
		if price <= market {
			return "ORDER_TYPE_BUY_LIMIT"
		}
		return "ORDER_TYPE_BUY_STOP"
	}
	if price >= market {
		return "ORDER_TYPE_SELL_LIMIT"
	}
	return "ORDER_TYPE_SELL_STOP"
}

// MT5 truncates order comments to 31 characters.
func bridgeComment(spec OrderSpec) string {
	cmt := spec.Comment
	if cmt == "" {
		cmt = "po3"
	}
	if len(cmt) > 31 {
		cmt = cmt[:31]
	}
	return cmt
}

func ticketNumber(ref OrderRef) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(ref.Ticket), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid mt5 ticket %q: %w", ref.Ticket, ErrOrderNotFound)
	}
	return n, nil
}

func (c *MT5Client) ClosePosition(ctx context.Context, ref OrderRef) error {
	ticket, err := ticketNumber(ref)
	if err != nil {
		return err
	}
	body := map[string]int64{"ticket": ticket}
	if err := c.do(ctx, "close", http.MethodPost, "/position/close_by_ticket", nil, body, nil); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("close %s: %w", ref.Ticket, ErrOrderNotFound)
		}
		return err
	}
	c.logger.Info("mt5 position closed", "ticket", ticket, "symbol", ref.Symbol)
	return nil
}

func (c *MT5Client) CancelPendingOrder(ctx context.Context, ref OrderRef) error {
	ticket, err := ticketNumber(ref)
	if err != nil {
		return err
	}
	body := map[string]int64{"ticket": ticket}
	if err := c.do(ctx, "cancel", http.MethodPost, "/order/cancel", nil, body, nil); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("cancel %s: %w", ref.Ticket, ErrOrderNotFound)
		}
		return err
	}
	c.logger.Info("mt5 pending order cancelled", "ticket", ticket, "symbol", ref.Symbol)
	return nil
}

type mt5StatusReply struct {
	Status string   `json:"status"`
	State  string   `json:"state"`
	Profit *float64 `json:"profit"`
}

// GetOrderStatus maps the bridge status. A filled entry ticket that is no
// longer an open position has been closed.
func (c *MT5Client) GetOrderStatus(ctx context.Context, ref OrderRef) (*OrderStatus, error) {
	ticket, err := ticketNumber(ref)
	if err != nil {
		return nil, err
	}

	var reply mt5StatusReply
	path := "/order/status/" + strconv.FormatInt(ticket, 10)
	if err := c.do(ctx, "status", http.MethodGet, path, nil, nil, &reply); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("status %s: %w", ref.Ticket, ErrOrderNotFound)
		}
		return nil, err
	}

	st := &OrderStatus{Raw: strings.ToUpper(reply.Status)}
	if reply.Profit != nil {
		st.Profit = *reply.Profit
		st.ProfitKnown = true
	}
	switch st.Raw {
	case "ACTIVE":
		st.State = StateOpen
	case "PENDING":
		st.State = StatePending
	case "FILLED", "CLOSED":
		st.State = StateClosed
	case "CANCELLED", "REJECTED", "EXPIRED":
		st.State = StateCancelled
	case "NOT_FOUND":
		return nil, fmt.Errorf("status %s: %w", ref.Ticket, ErrOrderNotFound)
	default:
		return nil, fmt.Errorf("status %s: unexpected bridge status %q", ref.Ticket, reply.Status)
	}
	return st, nil
}

type mt5Position struct {
	Ticket       int64           `json:"ticket"`
	Time         json.RawMessage `json:"time"`
	Type         int             `json:"type"`
	Symbol       string          `json:"symbol"`
	Volume       float64         `json:"volume"`
	PriceOpen    float64         `json:"price_open"`
	PriceCurrent float64         `json:"price_current"`
	SL           float64         `json:"sl"`
	TP           float64         `json:"tp"`
	Profit       float64         `json:"profit"`
	Comment      string          `json:"comment"`
}

// GetActivePositions lists positions opened under the configured magic number.
func (c *MT5Client) GetActivePositions(ctx context.Context) ([]Position, error) {
	q := url.Values{}
	q.Set("magic", strconv.Itoa(c.magic))

	var raw json.RawMessage
	if err := c.do(ctx, "positions", http.MethodGet, "/get_positions", q, nil, &raw); err != nil {
		return nil, err
	}
	rows, err := decodePositions(raw)
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		dir := po3.DirectionBuy
		if r.Type == 1 {
			dir = po3.DirectionSell
		}
		positions = append(positions, Position{
			Ticket:       strconv.FormatInt(r.Ticket, 10),
			Symbol:       r.Symbol,
			Direction:    dir,
			Volume:       r.Volume,
			OpenPrice:    r.PriceOpen,
			CurrentPrice: r.PriceCurrent,
			StopLoss:     r.SL,
			TakeProfit:   r.TP,
			Profit:       r.Profit,
			OpenedAt:     parseBridgeTime(r.Time),
			Comment:      r.Comment,
		})
	}
	return positions, nil
}

// decodePositions accepts both the array reply and the {"positions": []}
// shape the bridge uses when nothing is open.
func decodePositions(raw json.RawMessage) ([]mt5Position, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var rows []mt5Position
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("mt5 positions: decode: %w", err)
		}
		return rows, nil
	}
	var wrapped struct {
		Positions []mt5Position `json:"positions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("mt5 positions: decode: %w", err)
	}
	return wrapped.Positions, nil
}

// Zone abbreviations the bridge prints after candle times.
var bridgeZones = map[string]int{
	"UTC":  0,
	"GMT":  0,
	"WIB":  7 * 3600,
	"WITA": 8 * 3600,
	"WIT":  9 * 3600,
	"MSK":  3 * 3600,
	"EET":  2 * 3600,
	"EEST": 3 * 3600,
}

// parseBridgeTime accepts unix seconds, RFC 3339, RFC 1123 and the
// "2006-01-02 15:04:05 ZONE" form. Unknown values yield the zero time.
func parseBridgeTime(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}

	var secs float64
	if json.Unmarshal(raw, &secs) == nil {
		return time.Unix(int64(secs), 0).UTC()
	}

	var s string
	if json.Unmarshal(raw, &s) != nil {
		return time.Time{}
	}
	s = strings.TrimSpace(s)

	for _, layout := range []string{time.RFC3339, time.RFC1123} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	const layout = "2006-01-02 15:04:05"
	if len(s) < len(layout) {
		return time.Time{}
	}
	loc := time.UTC
	if zone := strings.TrimSpace(s[len(layout):]); zone != "" {
		off, ok := bridgeZones[strings.ToUpper(zone)]
		if !ok {
			return time.Time{}
		}
		loc = time.FixedZone(zone, off)
	}
	t, err := time.ParseInLocation(layout, s[:len(layout)], loc)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
