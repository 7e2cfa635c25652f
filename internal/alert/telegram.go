package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"sdn-guard/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	telegramAttempts   = 3
)

// TelegramNotifier posts alerts to a chat through the Bot API
type TelegramNotifier struct {
	endpoint   string
	token      string
	chat       string
	parseMode  string
	enabled    bool
	retryDelay time.Duration
	tmpl       *template.Template
	httpClient *http.Client
	logger     *logrus.Logger
}

type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type TelegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func NewTelegramNotifier(botToken, chatID, parseMode string, enabled bool, logger *logrus.Logger) *TelegramNotifier {
	return NewTelegramNotifierWithTemplate(botToken, chatID, parseMode, enabled, "", logger)
}

// NewTelegramNotifierWithTemplate renders alerts with a text/template over
// model.Alert. A template that fails to parse falls back to the built-in
// layout.
func NewTelegramNotifierWithTemplate(botToken, chatID, parseMode string, enabled bool, messageTemplate string, logger *logrus.Logger) *TelegramNotifier {
	tn := &TelegramNotifier{
		endpoint:   defaultTelegramAPI,
		token:      botToken,
		chat:       chatID,
		parseMode:  parseMode,
		enabled:    enabled && botToken != "" && chatID != "",
		retryDelay: time.Second,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}

	if strings.TrimSpace(messageTemplate) == "" {
		return tn
	}
	tmpl, err := template.New("telegram").Funcs(template.FuncMap{
		"formatTime": func(t time.Time, layout string) string { return t.Format(layout) },
	}).Parse(messageTemplate)
	if err != nil {
		logger.Warnf("[Telegram] Bad message template, using the default layout: %v", err)
		return tn
	}
	tn.tmpl = tmpl
	return tn
}

// WithAPIURL points the notifier at another Bot API endpoint
func (tn *TelegramNotifier) WithAPIURL(url string) *TelegramNotifier {
	tn.endpoint = strings.TrimRight(url, "/")
	return tn
}

// WithRetryDelay sets the first backoff interval between attempts
func (tn *TelegramNotifier) WithRetryDelay(d time.Duration) *TelegramNotifier {
	tn.retryDelay = d
	return tn
}

func (tn *TelegramNotifier) IsEnabled() bool {
	return tn.enabled
}

// SendAlert delivers one alert, retrying with exponential backoff
func (tn *TelegramNotifier) SendAlert(alert model.Alert) error {
	if !tn.enabled {
		tn.logger.Debug("[Telegram] Notifier disabled, skipping alert")
		return nil
	}

	text := tn.formatAlertMessage(alert)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return tn.sendMessage(context.Background(), text)
	}, tn.backOff(), func(err error, wait time.Duration) {
		tn.logger.Warnf("[Telegram] Attempt %d/%d failed, retrying in %v: %v", attempt, telegramAttempts, wait, err)
	})
	if err != nil {
		return fmt.Errorf("telegram: alert %s not delivered after %d attempts: %w", alert.ID, attempt, err)
	}
	tn.logger.Debugf("[Telegram] Alert %s delivered", alert.ID)
	return nil
}

func (tn *TelegramNotifier) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = tn.retryDelay
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, telegramAttempts-1)
}

func (tn *TelegramNotifier) SendTestMessage(ctx context.Context) error {
	if !tn.enabled {
		return fmt.Errorf("telegram notifier is disabled")
	}
	return tn.sendMessage(ctx, "Test Message\n\nSDN Guard alerting is working correctly!")
}

func (tn *TelegramNotifier) formatAlertMessage(alert model.Alert) string {
	if tn.tmpl != nil {
		var buf bytes.Buffer
		err := tn.tmpl.Execute(&buf, alert)
		if err == nil {
			return buf.String()
		}
		tn.logger.Warnf("[Telegram] Template failed, using the default layout: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ALERT FIRING: %s\n\n", strings.ToUpper(alert.Category))
	fmt.Fprintf(&b, "alert_name: %s\n", alert.Type)
	fmt.Fprintf(&b, "time: %s\n", alert.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "severity: %s\n", alert.Severity)
	fmt.Fprintf(&b, "switch: %d\n", alert.SwitchID)
	fmt.Fprintf(&b, "target: %s\n", alertTarget(alert))
	fmt.Fprintf(&b, "description: %s", alert.Message)
	return b.String()
}

// alertTarget names what an alert is about: the flow, else the endpoints
func alertTarget(alert model.Alert) string {
	switch {
	case alert.FlowID != "":
		return alert.FlowID
	case alert.SrcIP != "" && alert.DstIP != "":
		return alert.SrcIP + " -> " + alert.DstIP
	case alert.SrcIP != "":
		return alert.SrcIP
	}
	return "n/a"
}

func (tn *TelegramNotifier) sendMessage(ctx context.Context, text string) error {
	// Markdown modes choke on the brackets in flow ids
	mode := tn.parseMode
	if mode == "Markdown" || mode == "MarkdownV2" {
		mode = ""
	}

	body, err := json.Marshal(TelegramMessage{ChatID: tn.chat, Text: text, ParseMode: mode})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode message: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", tn.endpoint, tn.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post to bot api: %w", err)
	}
	defer resp.Body.Close()

	var result TelegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode bot api response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram API error: %s", result.Description)
	}
	return nil
}
