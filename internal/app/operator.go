package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"premium-hedge-bot/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID      int64     `json:"update_id"`
	Time          time.Time `json:"time"`
	Action        string    `json:"action"`
	Command       string    `json:"command"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	RunningBefore bool      `json:"running_before"`
	RunningAfter  bool      `json:"running_after"`
	SafeBefore    bool      `json:"safe_mode_before"`
	SafeAfter     bool      `json:"safe_mode_after"`
	Reason        string    `json:"reason,omitempty"`
}

// startOperator polls the Telegram bot for operator commands from the
// configured chat.
func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.telegram == nil || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	allowed := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowed, a.cfg.Telegram.OperatorPollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowed map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.telegram.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowed)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowed map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.Chat.ID != chatID {
		return
	}
	if len(allowed) > 0 {
		if _, ok := allowed[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	resp := a.handleOperatorCommand(ctx, cmd, args, operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	})
	if resp == "" {
		return
	}
	if err := a.telegram.Send(ctx, alerts.Alert{Key: "operator:" + cmd, Level: alerts.LevelInfo, Text: resp, At: time.Now().UTC()}); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /cmd@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "stop":
		before := a.engine.Status()
		reason := operatorReason(args, meta, "stopped via telegram")
		after := a.engine.Stop(ctx, reason)
		a.auditOperatorEvent(ctx, meta, "stop", reason, before.Engine.Running, after.Engine.Running, before.Safety.SafeMode, after.Safety.SafeMode)
		if !before.Engine.Running {
			return "engine already stopped"
		}
		return "engine stopped"
	case "reset":
		before := a.engine.Status()
		reason := operatorReason(args, meta, "reset via telegram")
		snap := a.engine.ResetSafety(reason)
		a.auditOperatorEvent(ctx, meta, "reset", reason, before.Engine.Running, before.Engine.Running, before.Safety.SafeMode, snap.SafeMode)
		return fmt.Sprintf("safety reset (was safe_mode=%t, failures=%d)", before.Safety.SafeMode, before.Safety.ConsecutiveFailures)
	default:
		return operatorHelpText()
	}
}

func operatorReason(args []string, meta operatorMeta, fallback string) string {
	reason := strings.TrimSpace(strings.Join(args, " "))
	if reason == "" {
		reason = fallback
	}
	if meta.Username != "" {
		reason += " by @" + meta.Username
	}
	return reason
}

func (a *App) operatorStatus() string {
	st := a.engine.Status()
	premium := "n/a"
	if st.Engine.LastPremium != nil {
		premium = fmt.Sprintf("%.3f%%", *st.Engine.LastPremium)
	}
	lines := []string{
		fmt.Sprintf("engine: %s (leader=%t)", st.Engine.ID, st.Leader),
		fmt.Sprintf("running: %t (desired=%t)", st.Engine.Running, st.Engine.DesiredRunning),
		fmt.Sprintf("symbol: %s %s dry_run=%t", st.Engine.Symbol, st.Engine.MarketType, st.Engine.DryRun),
		fmt.Sprintf("position: %s open=%.8f", st.Engine.Position, st.Engine.OpenAmount),
		fmt.Sprintf("thresholds: entry=%.3f exit=%.3f", st.Engine.Thresholds.Entry, st.Engine.Thresholds.Exit),
		fmt.Sprintf("last_premium: %s", premium),
		fmt.Sprintf("trades: %d", st.Engine.TradeCount),
		fmt.Sprintf("safe_mode: %t failures=%d/%d", st.Safety.SafeMode, st.Safety.ConsecutiveFailures, st.Safety.Threshold),
	}
	if a.market != nil {
		if snap, ok := a.market.Last(); ok {
			lines = append(lines, fmt.Sprintf("market: domestic=%.2f offshore=%.2f at %s", snap.DomesticPrice, snap.OffshorePrice, snap.Timestamp.Format(time.RFC3339)))
		}
	}
	if st.Engine.LastError != "" {
		lines = append(lines, "last_error: "+st.Engine.LastError)
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - engine and safety status",
		"/stop [reason] - stop the engine",
		"/reset [reason] - reset the safety breaker",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, meta operatorMeta, action, reason string, runningBefore, runningAfter, safeBefore, safeAfter bool) {
	now := time.Now().UTC()
	event := operatorAuditEvent{
		UpdateID:      meta.UpdateID,
		Time:          now,
		Action:        action,
		Command:       meta.Raw,
		UserID:        meta.UserID,
		Username:      meta.Username,
		ChatID:        meta.ChatID,
		RunningBefore: runningBefore,
		RunningAfter:  runningAfter,
		SafeBefore:    safeBefore,
		SafeAfter:     safeAfter,
		Reason:        reason,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", now.UnixNano(), meta.UpdateID)
	_ = a.store.Set(ctx, key, string(payload))
}
