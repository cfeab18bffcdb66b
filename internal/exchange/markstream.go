package exchange

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// MarkStream consumes the Binance futures mark-price stream and fans the
// updates out to a handler. It is a best-effort price feed: the position
// manager falls back to REST polling whenever the stream is behind or down.
type MarkStream struct {
	url     string
	handler func(symbol string, price decimal.Decimal)
	logger  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	running   bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	lastEvent time.Time
}

const defaultMarkStreamURL = "wss://fstream.binance.com/ws/!markPrice@arr@1s"

func NewMarkStream(handler func(symbol string, price decimal.Decimal), logger zerolog.Logger) *MarkStream {
	return &MarkStream{
		url:     defaultMarkStreamURL,
		handler: handler,
		logger:  logger.With().Str("component", "mark_stream").Logger(),
	}
}

// Start launches the read loop. Reconnects with doubling backoff capped
// at 30s; a clean Stop exits without reconnecting.
func (m *MarkStream) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.run()
	m.logger.Info().Str("url", m.url).Msg("Mark price stream started")
}

func (m *MarkStream) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("Mark price stream stopped")
}

// Healthy reports whether an event arrived within the last 15 seconds
func (m *MarkStream) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && time.Since(m.lastEvent) < 15*time.Second
}

func (m *MarkStream) run() {
	defer m.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		if err := m.connectAndRead(); err != nil {
			select {
			case <-m.stopChan:
				return
			default:
			}
			m.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Mark stream disconnected, reconnecting")
			select {
			case <-time.After(backoff):
			case <-m.stopChan:
				return
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

type markEvent struct {
	Symbol    string          `json:"s"`
	MarkPrice decimal.Decimal `json:"p"`
}

func (m *MarkStream) connectAndRead() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(m.url, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		select {
		case <-m.stopChan:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var events []markEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			// single-event payloads arrive unwrapped
			var single markEvent
			if err := json.Unmarshal(raw, &single); err != nil {
				continue
			}
			events = []markEvent{single}
		}

		m.mu.Lock()
		m.lastEvent = time.Now()
		m.mu.Unlock()

		for _, e := range events {
			if e.Symbol == "" || e.MarkPrice.IsZero() {
				continue
			}
			m.handler(CanonicalSymbol(e.Symbol), e.MarkPrice)
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	}
}
