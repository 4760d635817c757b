package yoomoney

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const quickpayURL = "https://yoomoney.ru/quickpay/confirm"

// CheckoutClient builds hosted-checkout payment links. The label encodes the
// paying user as "user_id:<id>" so the notification verifier can resolve it
// without the lenient digit fallback.
type CheckoutClient struct {
	receiver    string
	paymentType string
	price       string
	successURL  string
	baseURL     string
	http        *http.Client
}

func NewCheckoutClient(receiver, paymentType, price, successURL string) *CheckoutClient {
	return &CheckoutClient{
		receiver:    receiver,
		paymentType: paymentType,
		price:       price,
		successURL:  successURL,
		baseURL:     quickpayURL,
		http:        &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether a receiving wallet is configured.
func (c *CheckoutClient) Enabled() bool {
	return c.receiver != ""
}

// PaymentURL posts the quickpay form and follows redirects to the hosted
// payment page, returning its final URL for the user.
func (c *CheckoutClient) PaymentURL(ctx context.Context, userID int64) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("payments are disabled: no receiver wallet configured")
	}

	form := url.Values{
		"receiver":      {c.receiver},
		"quickpay-form": {"button"},
		"paymentType":   {c.paymentType},
		"sum":           {c.price},
		"label":         {"user_id:" + strconv.FormatInt(userID, 10)},
		"successURL":    {c.successURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "klingbot/1.0 (+https://github.com/susu3304/klingbot)")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("checkout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("checkout returned status %d", resp.StatusCode)
	}

	// The final URL after redirects is the hosted payment page.
	return resp.Request.URL.String(), nil
}
