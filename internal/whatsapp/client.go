// Package whatsapp предоставляет клиент для шлюза WhatsApp-уведомлений.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/smartlaundry/pos-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие со шлюзом WhatsApp.
type Client struct {
	gatewayURL string
	apiKey     string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент шлюза. apiKey в формате "user:pass" включает
// Basic-авторизацию, любое другое непустое значение передаётся как Bearer.
func NewClient(gatewayURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	return &Client{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		apiKey:     apiKey,
		httpClient: rc,
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send отправляет сообщение на указанный номер. Номер должен быть
// в международном формате (+62...).
func (c *Client) Send(ctx context.Context, phone, message string) error {
	if c == nil || c.gatewayURL == "" {
		return fmt.Errorf("whatsapp client not configured")
	}
	if phone == "" || message == "" {
		return fmt.Errorf("phone and message are required")
	}

	body, err := json.Marshal(sendRequest{To: phone, Message: message})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		if user, pass, ok := strings.Cut(c.apiKey, ":"); ok {
			req.SetBasicAuth(user, pass)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// Шаблоны уведомлений на индонезийском, как в клиентском приложении.
const (
	templateOrderCreated = "Halo %s! 👋\n\nPesanan laundry Anda telah diterima.\n📋 No. Pesanan: %s\n💰 Total: %s\n\nKami akan memberitahu saat pesanan siap. Terima kasih! 🙏"
	templateOrderReady   = "Halo %s! 🎉\n\nKabar baik! Laundry Anda sudah SIAP DIAMBIL!\n📋 No. Pesanan: %s\n💰 Total: %s\n\nSilakan ambil di outlet kami. Ditunggu ya! 😊"
	templateCompleted    = "Halo %s! ⭐\n\nTerima kasih sudah menggunakan layanan kami!\nKami senang bisa melayani Anda.\n\nSampai jumpa di pesanan berikutnya! 👋"
	templateReminder     = "Halo %s! 📢\n\nIni pengingat untuk pembayaran pesanan:\n📋 No. Pesanan: %s\n💰 Total: %s\n\nSilakan selesaikan pembayaran. Terima kasih! 🙏"
)

// OrderCreatedMessage формирует уведомление о приёме заказа.
func OrderCreatedMessage(customerName string, o model.Order) string {
	return fmt.Sprintf(templateOrderCreated, customerName, o.Number, FormatRupiah(o.TotalAmount))
}

// OrderReadyMessage формирует уведомление о готовности заказа.
func OrderReadyMessage(customerName string, o model.Order) string {
	return fmt.Sprintf(templateOrderReady, customerName, o.Number, FormatRupiah(o.TotalAmount))
}

// OrderCompletedMessage формирует благодарность после выдачи заказа.
func OrderCompletedMessage(customerName string) string {
	return fmt.Sprintf(templateCompleted, customerName)
}

// PaymentReminderMessage формирует напоминание об оплате.
func PaymentReminderMessage(customerName string, o model.Order) string {
	return fmt.Sprintf(templateReminder, customerName, o.Number, FormatRupiah(o.TotalAmount))
}

// FormatRupiah форматирует сумму в рупиях с разделителями тысяч: Rp12.500.
func FormatRupiah(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}

	digits := fmt.Sprintf("%d", amount)
	var b strings.Builder
	for i, ch := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(ch)
	}

	if neg {
		return "-Rp" + b.String()
	}
	return "Rp" + b.String()
}
