package binance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"main/internal/connector"
	"main/internal/model"
)

const (
	// Listen keys expire after 60 minutes; the venue asks for a
	// keepalive every 30.
	listenKeyRefresh = 30 * time.Minute

	// The venue pings every ~3 minutes. A silent socket past this
	// deadline is treated as dead and reconnected.
	readDeadline = 5 * time.Minute

	writeTimeout = 10 * time.Second
)

// Stream maintains the user data websocket: dial, listen-key lifecycle,
// reconnect with backoff, and normalization into StreamEvents.
//
// Update sequences are synthesized as max(transactionTime, last+1), so
// a burst of updates sharing one millisecond still orders correctly and
// replays after reconnect stay idempotent at the ledger.
type Stream struct {
	gateway *Gateway
	backoff connector.Backoff
	events  chan model.StreamEvent
	lastSeq uint64

	messages    atomic.Uint64
	reconnects  atomic.Uint64
	lastMessage atomic.Int64
}

// StreamStats is a point-in-time view of stream activity.
type StreamStats struct {
	Messages    uint64
	Reconnects  uint64
	LastMessage time.Time
}

// Stats reports messages read, reconnect count, and the last read time.
func (s *Stream) Stats() StreamStats {
	st := StreamStats{
		Messages:   s.messages.Load(),
		Reconnects: s.reconnects.Load(),
	}
	if unix := s.lastMessage.Load(); unix > 0 {
		st.LastMessage = time.Unix(0, unix).UTC()
	}
	return st
}

func newStream(g *Gateway) *Stream {
	return &Stream{
		gateway: g,
		backoff: connector.DefaultBackoff(),
		events:  make(chan model.StreamEvent, 1024),
	}
}

// Events returns the push channel. It closes when Run returns.
func (s *Stream) Events() <-chan model.StreamEvent {
	return s.events
}

// Run reconnects forever until ctx is done.
//
// The connected signal is emitted only after the socket is live, so the
// consumer can order a reconciliation pass against a working stream.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.events)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		before := s.messages.Load()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.emitConnectivity(false, err)
		s.reconnects.Add(1)
		attempt = nextAttempt(attempt, s.messages.Load() > before)
		wait := s.backoff.Next(attempt)
		logs.Infof("binance: stream reconnecting attempt=%d wait=%s, err: %+v", attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// nextAttempt advances the backoff ladder, restarting it once a session
// has delivered traffic so a drop after hours of healthy streaming
// reconnects at the minimum wait, not at the cap.
func nextAttempt(attempt int, progressed bool) int {
	if progressed {
		return 1
	}
	return attempt + 1
}

// runOnce performs one full connect/read/teardown cycle.
func (s *Stream) runOnce(ctx context.Context) error {
	key, err := s.gateway.createListenKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.gateway.cfg.StreamURL+"/"+key, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	s.emitConnectivity(true, nil)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessionCtx, conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.messages.Add(1)
		s.lastMessage.Store(time.Now().UnixNano())
		s.dispatch(raw)
	}
}

// keepAlive refreshes the listen key and closes the socket when the
// refresh fails, forcing a clean reconnect.
func (s *Stream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(listenKeyRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.gateway.keepAliveListenKey(ctx); err != nil {
				logs.Errorf("binance: listen key keepalive, err: %+v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Stream) dispatch(raw []byte) {
	var env streamEnvelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		logs.Errorf("binance: decode stream envelope, err: %+v", err)
		return
	}

	switch env.Event {
	case "ORDER_TRADE_UPDATE":
		var u orderTradeUpdate
		if err := sonic.Unmarshal(raw, &u); err != nil {
			logs.Errorf("binance: decode order update, err: %+v", err)
			return
		}
		update := u.toUpdate(s.nextSeq(uint64(u.TransactionTime)))
		s.emit(model.StreamEvent{Kind: model.EventKindOrderUpdate, Order: &update})

	case "ACCOUNT_UPDATE":
		var u accountUpdate
		if err := sonic.Unmarshal(raw, &u); err != nil {
			logs.Errorf("binance: decode account update, err: %+v", err)
			return
		}
		update := u.toUpdate()
		s.emit(model.StreamEvent{Kind: model.EventKindAccountUpdate, Account: &update})

	case "listenKeyExpired":
		// Let the read loop fail on the dead socket and reconnect.
		logs.Info("binance: listen key expired")
	}
}

// nextSeq keeps sequences strictly increasing across one stream's life.
// The raw transaction time is bumped by one so a stream event never ties
// the updateTime-derived sequence of a REST ack from the same
// millisecond; a tie would be discarded as a stale replay.
func (s *Stream) nextSeq(tx uint64) uint64 {
	tx++
	if tx <= s.lastSeq {
		tx = s.lastSeq + 1
	}
	s.lastSeq = tx
	return tx
}

func (s *Stream) emitConnectivity(connected bool, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	ev := model.ConnectivityEvent{Connected: connected, Reason: reason, At: time.Now().UTC()}
	s.emit(model.StreamEvent{Kind: model.EventKindConnectivity, Connectivity: &ev})
}

// emit never blocks the read loop; an overrun consumer drops events and
// relies on the next reconciliation pass to converge.
func (s *Stream) emit(e model.StreamEvent) {
	select {
	case s.events <- e:
	default:
		logs.Errorf("binance: event channel full, dropping kind=%d", e.Kind)
	}
}
