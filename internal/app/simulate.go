package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"cgm-ingest/internal/alerting"
)

// SimulateAlert 使用给定的 in-range 百分比模拟一次告警发送。
func (a *App) SimulateAlert(ctx context.Context, pct decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("percentage must be within [0, 100]")
	}

	bounds, err := a.bounds()
	if err != nil {
		return err
	}
	target := decimal.NewFromFloat(a.Config.Alerting.TargetPct)
	if !pct.LessThan(target) {
		a.Logger.Info().Str("pct", pct.StringFixed(1)).Str("target", target.StringFixed(1)).
			Msg("percentage not below target; no alert would be sent")
		return nil
	}

	note := alerting.Notification{
		At:            time.Now().UTC(),
		InRangePct:    pct.Round(1),
		TargetPct:     target,
		Low:           bounds.Low,
		High:          bounds.High,
		Unit:          string(bounds.Unit),
		Window:        a.Config.Range.Window,
		AdditionalMsg: "(simulated)",
	}
	return a.newNotifier().Notify(ctx, note)
}
