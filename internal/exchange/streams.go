package exchange

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hedge-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 必须小于pongWait
	// listenKey有效期60分钟，提前续期
	listenKeyKeepAlive = 25 * time.Minute
	reconnectDelay     = 5 * time.Second
)

// createListenKey 创建用户数据流的listenKey。
func (s *BinanceSession) createListenKey() (string, error) {
	data, err := s.doRequest(http.MethodPost, "/fapi/v1/listenKey", nil, true)
	if err != nil {
		return "", fmt.Errorf("创建listenKey失败: %w", err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("解析listenKey响应失败: %w", err)
	}
	s.mu.Lock()
	s.listenKey = resp.ListenKey
	s.mu.Unlock()
	return resp.ListenKey, nil
}

// keepAliveListenKey 延长listenKey的有效期。
func (s *BinanceSession) keepAliveListenKey(listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := s.doRequest(http.MethodPut, "/fapi/v1/listenKey", params, true)
	return err
}

// wsOrderUpdate 是 ORDER_TRADE_UPDATE 事件中的订单负载。
type wsOrderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	Price         string `json:"p"`
	OrigQty       string `json:"q"`
	CumQty        string `json:"z"`
	AvgPrice      string `json:"ap"`
	TradeTime     int64  `json:"T"`
	PositionSide  string `json:"ps"`
}

// wsUserEvent 是用户数据流事件的通用外层。
type wsUserEvent struct {
	EventType string        `json:"e"`
	EventTime int64         `json:"E"`
	Order     wsOrderUpdate `json:"o"`
	Account   struct {
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			PositionAmt   string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnl string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// SubscribeUserStream 建立自愈的用户数据流。
// 每次（重）连成功后先推送EventResync，提示消费者做快照对账；
// 断线后以固定间隔重连并重建listenKey鉴权。
func (s *BinanceSession) SubscribeUserStream() (<-chan models.UserEvent, error) {
	events := make(chan models.UserEvent, 256)

	go func() {
		defer close(events)
		for {
			select {
			case <-s.closed:
				return
			default:
			}

			listenKey, err := s.createListenKey()
			if err != nil {
				s.logger.Error("创建listenKey失败，稍后重试", zap.Error(err))
				if !s.sleepOrClosed(reconnectDelay) {
					return
				}
				continue
			}

			wsURL := fmt.Sprintf("%s/ws/%s", s.wsBaseURL, listenKey)
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				s.logger.Error("用户数据流连接失败", zap.Error(err))
				if !s.sleepOrClosed(reconnectDelay) {
					return
				}
				continue
			}
			s.logger.Info("用户数据流已连接")

			// 连接建立后合成Resync事件，消费者据此对账
			events <- models.UserEvent{Type: models.EventResync, Time: time.Now()}

			err = s.readUserStream(conn, listenKey, events)
			conn.Close()
			if err != nil {
				s.logger.Warn("用户数据流断开，准备重连", zap.Error(err))
			}
			if !s.sleepOrClosed(reconnectDelay) {
				return
			}
		}
	}()

	return events, nil
}

// readUserStream 读取单个连接上的事件直到连接断开。
func (s *BinanceSession) readUserStream(conn *websocket.Conn, listenKey string, events chan<- models.UserEvent) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	keepAliveTicker := time.NewTicker(listenKeyKeepAlive)
	defer keepAliveTicker.Stop()

	readErr := make(chan error, 1)
	messages := make(chan []byte, 64)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			messages <- msg
		}
	}()

	for {
		select {
		case <-s.closed:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("发送Ping失败: %w", err)
			}
		case <-keepAliveTicker.C:
			if err := s.keepAliveListenKey(listenKey); err != nil {
				s.logger.Warn("listenKey续期失败", zap.Error(err))
			}
		case err := <-readErr:
			return fmt.Errorf("读取消息失败: %w", err)
		case msg := <-messages:
			s.dispatchUserEvent(msg, events)
		}
	}
}

// dispatchUserEvent 把原始消息转为内部事件并推入队列。
func (s *BinanceSession) dispatchUserEvent(msg []byte, events chan<- models.UserEvent) {
	var event wsUserEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		s.logger.Warn("解析用户数据流消息失败", zap.Error(err))
		return
	}

	switch event.EventType {
	case "ORDER_TRADE_UPDATE":
		o := event.Order
		events <- models.UserEvent{
			Type: models.EventOrderUpdate,
			Time: time.UnixMilli(event.EventTime),
			Order: &models.OrderUpdate{
				Symbol:        o.Symbol,
				OrderID:       o.OrderID,
				ClientOrderID: o.ClientOrderID,
				Side:          models.Side(o.Side),
				PositionSide:  models.PositionSide(o.PositionSide),
				Status:        o.Status,
				Price:         mustDecimal(o.Price),
				OrigQty:       mustDecimal(o.OrigQty),
				CumFilledQty:  mustDecimal(o.CumQty),
				AvgFillPrice:  mustDecimal(o.AvgPrice),
				TradeTime:     time.UnixMilli(o.TradeTime),
			},
		}
	case "ACCOUNT_UPDATE":
		ts := time.UnixMilli(event.EventTime)
		for _, b := range event.Account.Balances {
			events <- models.UserEvent{
				Type:    models.EventBalanceUpdate,
				Time:    ts,
				Balance: &models.BalanceSnapshot{Asset: b.Asset, Balance: mustDecimal(b.WalletBalance)},
			}
		}
		for _, p := range event.Account.Positions {
			events <- models.UserEvent{
				Type: models.EventPositionUpdate,
				Time: ts,
				Position: &models.PositionSnapshot{
					Symbol:        p.Symbol,
					PositionSide:  models.PositionSide(p.PositionSide),
					PositionAmt:   mustDecimal(p.PositionAmt),
					EntryPrice:    mustDecimal(p.EntryPrice),
					UnrealizedPnL: mustDecimal(p.UnrealizedPnl),
				},
			}
		}
	}
}

// SubscribeBookTicker 订阅盘口最优买卖价，断线自动重连。
func (s *BinanceSession) SubscribeBookTicker(symbol string) (<-chan models.BookTicker, error) {
	ticks := make(chan models.BookTicker, 256)
	wsURL := fmt.Sprintf("%s/ws/%s@bookTicker", s.wsBaseURL, strings.ToLower(symbol))

	go func() {
		defer close(ticks)
		for {
			select {
			case <-s.closed:
				return
			default:
			}

			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				s.logger.Error("盘口流连接失败", zap.Error(err))
				if !s.sleepOrClosed(reconnectDelay) {
					return
				}
				continue
			}

			if err := s.readBookTicker(conn, ticks); err != nil {
				s.logger.Warn("盘口流断开，准备重连", zap.Error(err))
			}
			conn.Close()
			if !s.sleepOrClosed(reconnectDelay) {
				return
			}
		}
	}()

	return ticks, nil
}

func (s *BinanceSession) readBookTicker(conn *websocket.Conn, ticks chan models.BookTicker) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	readErr := make(chan error, 1)
	messages := make(chan []byte, 256)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			messages <- msg
		}
	}()

	for {
		select {
		case <-s.closed:
			return nil
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case err := <-readErr:
			return err
		case msg := <-messages:
			var raw struct {
				BestBid   string `json:"b"`
				BestAsk   string `json:"a"`
				EventTime int64  `json:"E"`
			}
			if err := json.Unmarshal(msg, &raw); err != nil {
				continue
			}
			tick := models.BookTicker{
				BestBid: mustDecimal(raw.BestBid),
				BestAsk: mustDecimal(raw.BestAsk),
				Time:    time.UnixMilli(raw.EventTime),
			}
			// 队列满时丢弃旧tick，消费者只关心最新盘口
			select {
			case ticks <- tick:
			default:
				select {
				case <-ticks:
				default:
				}
				ticks <- tick
			}
		}
	}
}

// sleepOrClosed 等待指定时长；会话关闭时提前返回false。
func (s *BinanceSession) sleepOrClosed(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.closed:
		return false
	}
}
