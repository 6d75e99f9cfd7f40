package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/orderbook-replay/internal/utils"
)

const telegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration
	BaseURL string
	Client  *http.Client
}

func NewTelegramNotifier(token, chatID string, retries int, delay time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		Retries: retries,
		Delay:   delay,
		BaseURL: telegramAPI,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	form := url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry attempts Send up to Retries times, waiting Delay between attempts.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, message string) error {
	attempts := max(t.Retries, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		if err = t.Send(ctx, message); err == nil {
			return nil
		}
		utils.GetLogger().Warn().Err(err).Int("attempt", i).Int("attempts", attempts).Msg("Notifier | telegram send failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.Delay):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", attempts, err)
}
