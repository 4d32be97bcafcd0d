// Package bot pushes operator alerts to Telegram: stuck records, fills that
// need manual review, and reconciliation discrepancies.
package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/reconcile"
	"github.com/web3guy0/polycopy/storage"
)

// Notifier sends alert messages to a single chat. With no token configured it
// degrades to a logging no-op so callers never need to special-case it.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

func New(token string, chatID int64) (*Notifier, error) {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram alerts disabled")
		return &Notifier{}, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("Telegram alerts enabled")
	return &Notifier{api: api, chatID: chatID}, nil
}

// NotifyStuck reports executing records whose lease expired. These are the
// ones a human must resolve: the order may have reached the exchange.
func (n *Notifier) NotifyStuck(leader string, records []storage.TradeRecord) {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ %d stuck record(s) for %s\n", len(records), shortAddr(leader))
	for _, rec := range records {
		fmt.Fprintf(&b, "• #%d %s %s %s (key %s)\n",
			rec.ID, rec.Side, rec.Slug, rec.UsdcSize.StringFixed(2), derefKey(rec.IdempotencyKey))
	}
	b.WriteString("Check the exchange before resetting.")
	n.send(b.String())
}

// NotifyManualReview reports a fill whose size disagrees with the intent.
func (n *Notifier) NotifyManualReview(record storage.TradeRecord, reason string) {
	n.send(fmt.Sprintf("🔍 Manual review: record #%d %s %s\nintended %s, reason: %s",
		record.ID, record.Side, record.Slug, record.IntendedSize.StringFixed(2), reason))
}

// NotifyDiscrepancies reports reconciliation mismatches, critical ones first.
func (n *Notifier) NotifyDiscrepancies(leader string, discrepancies []reconcile.Discrepancy) {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %d position discrepancies for %s\n", len(discrepancies), shortAddr(leader))
	for _, d := range discrepancies {
		if d.Severity != reconcile.SeverityCritical {
			continue
		}
		fmt.Fprintf(&b, "🚨 %s expected %s actual %s\n",
			shortAddr(d.TokenID), d.Expected.StringFixed(2), d.Actual.StringFixed(2))
	}
	for _, d := range discrepancies {
		if d.Severity == reconcile.SeverityCritical {
			continue
		}
		fmt.Fprintf(&b, "• [%s] %s expected %s actual %s\n",
			d.Severity, shortAddr(d.TokenID), d.Expected.StringFixed(2), d.Actual.StringFixed(2))
	}
	n.send(b.String())
}

func (n *Notifier) send(text string) {
	if n.api == nil {
		log.Debug().Str("alert", text).Msg("Alert suppressed, Telegram disabled")
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Telegram send failed")
	}
}

func shortAddr(s string) string {
	if len(s) > 12 {
		return s[:8] + "…" + s[len(s)-4:]
	}
	return s
}

func derefKey(key *string) string {
	if key == nil {
		return "none"
	}
	return *key
}
