package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"hedge-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceSession 实现了 Session 接口，对接币安USDⓈ-M合约的一个账户。
// 交易路径使用自签名REST请求，行情K线走官方客户端。
type BinanceSession struct {
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	klines     *futures.Client
	logger     *zap.Logger

	retryAttempts int
	retryDelay    time.Duration

	mu         sync.Mutex
	timeOffset int64
	listenKey  string
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewBinanceSession 创建一个新的账户会话，并与服务器同步时间。
func NewBinanceSession(creds models.Credentials, baseURL, wsBaseURL string, retryAttempts, retryDelayMs int, logger *zap.Logger) (*BinanceSession, error) {
	s := &BinanceSession{
		apiKey:        creds.APIKey,
		secretKey:     creds.SecretKey,
		baseURL:       baseURL,
		wsBaseURL:     wsBaseURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		klines:        futures.NewClient(creds.APIKey, creds.SecretKey),
		logger:        logger,
		retryAttempts: retryAttempts,
		retryDelay:    time.Duration(retryDelayMs) * time.Millisecond,
		closed:        make(chan struct{}),
	}

	if err := s.syncTime(); err != nil {
		return nil, fmt.Errorf("与服务器同步时间失败: %w", err)
	}
	return s, nil
}

// syncTime 与交易所服务器同步时间，计算签名用的时间偏移。
func (s *BinanceSession) syncTime() error {
	serverTime, err := s.ServerTime()
	if err != nil {
		return err
	}
	offset := serverTime - time.Now().UnixMilli()
	s.mu.Lock()
	s.timeOffset = offset
	s.mu.Unlock()
	if offset > 1000 || offset < -1000 {
		s.logger.Warn("本地时钟与服务器偏差过大，请检查NTP", zap.Int64("offset_ms", offset))
	}
	return nil
}

// sign 对请求参数进行签名。
func (s *BinanceSession) sign(data string) string {
	h := hmac.New(sha256.New, []byte(s.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// doRequest 是通用的请求处理函数，带瞬时错误重试。
// 返回的错误已归类：*models.ExchangeError（业务拒绝）、
// models.ErrTimeout（状态未知）、*models.TransientError（可重试但已耗尽）。
func (s *BinanceSession) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	var lastErr error
	delay := s.retryDelay
	for attempt := 0; ; attempt++ {
		body, err := s.doRequestOnce(method, endpoint, params, signed)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !models.IsTransient(err) || attempt >= s.retryAttempts {
			return body, err
		}
		s.logger.Warn("请求失败，退避后重试",
			zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-s.closed:
			return nil, lastErr
		}
		delay *= 2
	}
}

func (s *BinanceSession) doRequestOnce(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", s.baseURL, endpoint)
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		s.mu.Lock()
		timestamp := time.Now().UnixMilli() + s.timeOffset
		s.mu.Unlock()
		queryParams.Set("timestamp", fmt.Sprintf("%d", timestamp))
		queryParams.Set("recvWindow", "5000")

		payload := queryParams.Encode()
		encodedParams = fmt.Sprintf("%s&signature=%s", payload, s.sign(payload))
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fmt.Sprintf("%s?%s", fullURL, encodedParams)
		}
		req, err = http.NewRequest(method, finalURL, nil)
	} else {
		req, err = http.NewRequest(method, fullURL, strings.NewReader(encodedParams))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// 超时后订单状态未知，调用方必须先对账
			return nil, models.ErrTimeout
		}
		return nil, &models.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransientError{Err: err}
	}

	var apiErr models.ExchangeError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		if apiErr.Code == -1003 || apiErr.Code == -1007 {
			return body, &models.TransientError{Err: &apiErr}
		}
		return body, &apiErr
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return body, &models.TransientError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// --- 订单接口 ---

// restOrder 是交易所订单响应的原始结构。
type restOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o *restOrder) toUpdate() models.OrderUpdate {
	return models.OrderUpdate{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          models.Side(o.Side),
		PositionSide:  models.PositionSide(o.PositionSide),
		Status:        o.Status,
		Price:         mustDecimal(o.Price),
		OrigQty:       mustDecimal(o.OrigQty),
		CumFilledQty:  mustDecimal(o.ExecutedQty),
		AvgFillPrice:  mustDecimal(o.AvgPrice),
		TradeTime:     time.UnixMilli(o.UpdateTime),
	}
}

// PlaceLimitOrder 挂GTC限价单。价格与数量必须已按规则对齐。
func (s *BinanceSession) PlaceLimitOrder(symbol string, side models.Side, posSide models.PositionSide,
	qty, price decimal.Decimal, clientID string) (*models.TrackedOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("positionSide", string(posSide))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", qty.String())
	params.Set("price", price.String())
	if clientID != "" {
		params.Set("newClientOrderId", clientID)
	}

	data, err := s.doRequest(http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var order restOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("解析下单响应失败: %w", err)
	}

	return &models.TrackedOrder{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Side:          side,
		PositionSide:  posSide,
		Price:         price,
		Quantity:      qty,
		Status:        order.Status,
		PlacedAt:      time.Now(),
	}, nil
}

// PlaceMarketClose 市价平仓。双向持仓模式下positionSide即隐含只减仓。
func (s *BinanceSession) PlaceMarketClose(symbol string, side models.Side, posSide models.PositionSide, qty decimal.Decimal) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("positionSide", string(posSide))
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	_, err := s.doRequest(http.MethodPost, "/fapi/v1/order", params, true)
	return err
}

// CancelOrder 取消订单。订单已不存在时视为成功（幂等）。
func (s *BinanceSession) CancelOrder(symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := s.doRequest(http.MethodDelete, "/fapi/v1/order", params, true)
	var ex *models.ExchangeError
	if errors.As(err, &ex) && ex.Code == -2011 { // Unknown order sent
		return nil
	}
	return err
}

// CancelAllOpenOrders 取消该交易对的全部挂单，幂等。
func (s *BinanceSession) CancelAllOpenOrders(symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := s.doRequest(http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}

// OpenOrders 获取全部挂单的快照。
func (s *BinanceSession) OpenOrders(symbol string) ([]models.OrderUpdate, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := s.doRequest(http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var raw []restOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	orders := make([]models.OrderUpdate, 0, len(raw))
	for i := range raw {
		orders = append(orders, raw[i].toUpdate())
	}
	return orders, nil
}

// Positions 获取非零持仓。
func (s *BinanceSession) Positions(symbol string) ([]models.PositionSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := s.doRequest(http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		PositionSide     string `json:"positionSide"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var positions []models.PositionSnapshot
	for _, p := range raw {
		amt := mustDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		positions = append(positions, models.PositionSnapshot{
			Symbol:        p.Symbol,
			PositionSide:  models.PositionSide(p.PositionSide),
			PositionAmt:   amt,
			EntryPrice:    mustDecimal(p.EntryPrice),
			UnrealizedPnL: mustDecimal(p.UnRealizedProfit),
		})
	}
	return positions, nil
}

// Balance 获取指定资产的可用余额。
func (s *BinanceSession) Balance(asset string) (decimal.Decimal, error) {
	data, err := s.doRequest(http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return decimal.Zero, err
	}
	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(data, &balances); err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return decimal.NewFromString(b.AvailableBalance)
		}
	}
	return decimal.Zero, fmt.Errorf("未找到 %s 余额", asset)
}

// SetLeverage 设置杠杆。
func (s *BinanceSession) SetLeverage(symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := s.doRequest(http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// SetPositionMode 设置双向持仓模式。已是目标模式时的-4059错误被忽略。
func (s *BinanceSession) SetPositionMode(hedge bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", fmt.Sprintf("%v", hedge))
	_, err := s.doRequest(http.MethodPost, "/fapi/v1/positionSide/dual", params, true)
	var ex *models.ExchangeError
	if errors.As(err, &ex) && ex.Code == -4059 {
		return nil
	}
	return err
}

// SymbolRules 获取交易对的下单约束与杠杆分层表。
func (s *BinanceSession) SymbolRules(symbol string) (*models.SymbolRules, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := s.doRequest(http.MethodGet, "/fapi/v1/exchangeInfo", params, false)
	if err != nil {
		return nil, err
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize,omitempty"`
				StepSize    string `json:"stepSize,omitempty"`
				MinQty      string `json:"minQty,omitempty"`
				MinNotional string `json:"notional,omitempty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	rules := &models.SymbolRules{Symbol: symbol}
	found := false
	for _, sym := range info.Symbols {
		if sym.Symbol != symbol {
			continue
		}
		found = true
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.TickSize = mustDecimal(f.TickSize)
			case "LOT_SIZE":
				rules.StepSize = mustDecimal(f.StepSize)
				rules.MinQty = mustDecimal(f.MinQty)
			case "MIN_NOTIONAL":
				rules.MinNotional = mustDecimal(f.MinNotional)
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("未找到交易对 %s 的信息", symbol)
	}

	brackets, err := s.leverageBrackets(symbol)
	if err != nil {
		return nil, err
	}
	rules.Brackets = brackets
	return rules, nil
}

// leverageBrackets 获取杠杆分层表。
func (s *BinanceSession) leverageBrackets(symbol string) ([]models.LeverageBracket, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := s.doRequest(http.MethodGet, "/fapi/v1/leverageBracket", params, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol   string `json:"symbol"`
		Brackets []struct {
			NotionalFloor    float64 `json:"notionalFloor"`
			NotionalCap      float64 `json:"notionalCap"`
			MaintMarginRatio float64 `json:"maintMarginRatio"`
			InitialLeverage  int     `json:"initialLeverage"`
		} `json:"brackets"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var brackets []models.LeverageBracket
	for _, entry := range raw {
		if entry.Symbol != symbol {
			continue
		}
		for _, b := range entry.Brackets {
			brackets = append(brackets, models.LeverageBracket{
				NotionalFloor:   decimal.NewFromFloat(b.NotionalFloor),
				NotionalCap:     decimal.NewFromFloat(b.NotionalCap),
				MaintMarginRate: decimal.NewFromFloat(b.MaintMarginRatio),
				MaxLeverage:     b.InitialLeverage,
			})
		}
	}
	if len(brackets) == 0 {
		return nil, fmt.Errorf("未找到交易对 %s 的杠杆分层", symbol)
	}
	return brackets, nil
}

// FetchOHLCV 通过官方客户端拉取K线，仅供ATR计算使用。
func (s *BinanceSession) FetchOHLCV(symbol, interval string, limit int) ([]models.OHLCV, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc := s.klines.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, &models.TransientError{Err: err}
	}
	bars := make([]models.OHLCV, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePx, _ := strconv.ParseFloat(k.Close, 64)
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		bars = append(bars, models.OHLCV{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePx,
			Volume:   vol,
		})
	}
	return bars, nil
}

// ServerTime 获取服务器时间
func (s *BinanceSession) ServerTime() (int64, error) {
	data, err := s.doRequest(http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return 0, err
	}
	var st struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, err
	}
	return st.ServerTime, nil
}

// Close 停止会话的全部后台任务。
func (s *BinanceSession) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func mustDecimal(v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
