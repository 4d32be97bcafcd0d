package detector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/clob"
	"github.com/web3guy0/polycopy/storage"
)

const (
	defaultStreamURL = "wss://ws-live-data.polymarket.com"
	streamPingEvery  = 5 * time.Second
	reconnectMax     = 30 * time.Second
)

// Stream listens to the real-time activity feed and inserts leader trades the
// moment they print, cutting detection latency from the poll interval to
// roughly nothing. The poll loop stays on as the source of truth; the stream
// is a latency optimization and shares its dedupe with it.
type Stream struct {
	url     string
	store   *storage.Store
	leaders map[string]bool
}

func NewStream(url string, store *storage.Store, leaders []string) *Stream {
	if url == "" {
		url = defaultStreamURL
	}
	set := make(map[string]bool, len(leaders))
	for _, l := range leaders {
		set[l] = true
	}
	return &Stream{url: url, store: store, leaders: set}
}

// Run maintains the connection until the context is cancelled, reconnecting
// with capped exponential backoff.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("Activity stream disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

type streamEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type streamTrade struct {
	clob.Activity
	ProxyWallet string `json:"proxyWallet"`
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": "activity", "type": "trades"},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Info().Str("url", s.url).Msg("Activity stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		var env streamEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if env.Topic != "activity" {
			continue
		}
		var trade streamTrade
		if err := json.Unmarshal(env.Payload, &trade); err != nil {
			continue
		}
		s.handleTrade(trade)
	}
}

func (s *Stream) handleTrade(trade streamTrade) {
	if !s.leaders[trade.ProxyWallet] || trade.TransactionHash == "" {
		return
	}

	has, err := s.store.HasRecords(trade.ProxyWallet)
	if err != nil || !has {
		// First contact with this leader goes through the poll loop's
		// bootstrap, never through the stream.
		return
	}

	rec := recordFromActivity(trade.ProxyWallet, trade.Activity)
	inserted, err := s.store.InsertDetected(rec)
	if err != nil {
		log.Error().Err(err).Msg("Stream insert failed")
		return
	}
	if inserted {
		log.Info().
			Str("leader", trade.ProxyWallet).
			Str("side", string(trade.Side)).
			Str("market", trade.Slug).
			Msg("Leader trade detected via stream")
	}
}
