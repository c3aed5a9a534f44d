package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装一次低于目标的 in-range 告警。
type Notification struct {
	At            time.Time
	InRangePct    decimal.Decimal
	TargetPct     decimal.Decimal
	Low           decimal.Decimal
	High          decimal.Decimal
	Unit          string
	Window        time.Duration
	Latest        decimal.NullDecimal
	LatestAt      time.Time
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	http     *resty.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		http:     resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")).SetTimeout(timeout),
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": n.chatID,
			"text":    RenderMessage(note),
		}).
		SetResult(&result).
		Post(fmt.Sprintf("/bot%s/sendMessage", n.botToken))
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode())
	}
	if !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Time("at", note.At).
		Str("in_range_pct", note.InRangePct.StringFixed(1)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[CGM In-Range Alert]\n")
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("In range: %s%% (target %s%%) over %s\n",
		note.InRangePct.StringFixed(1), note.TargetPct.StringFixed(1), note.Window))
	builder.WriteString(fmt.Sprintf("Range: %s-%s %s\n", note.Low.String(), note.High.String(), note.Unit))
	if note.Latest.Valid {
		builder.WriteString(fmt.Sprintf("Latest: %s %s at %s UTC\n",
			note.Latest.Decimal.StringFixed(1), note.Unit, note.LatestAt.UTC().Format(time.RFC3339)))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// LogNotifier 仅写日志，用于未配置任何通道时。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the rendered message at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("in_range_pct", note.InRangePct.StringFixed(1)).
		Str("target_pct", note.TargetPct.StringFixed(1)).
		Msg(RenderMessage(note))
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
