package yoomoney

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
)

// Notification is the fixed set of fields a payment notification may carry.
// Keys are normalized through the alias table before landing here, so there
// is never a free-form map at the trust boundary.
type Notification struct {
	NotificationType   string
	OperationID        string
	Amount             string
	Currency           string
	Datetime           string
	Sender             string
	Codepro            string
	Label              string
	SHA1Hash           string
	MD5                string
	NotificationSecret string
	Secret             string
}

// set stores a value under its canonical key, ignoring unknown keys.
func (n *Notification) set(key, value string) {
	switch key {
	case "notificationtype", "notification_type":
		n.NotificationType = value
	case "operationid", "operation_id":
		n.OperationID = value
	case "amount":
		n.Amount = value
	case "currency":
		n.Currency = value
	case "datetime":
		n.Datetime = value
	case "sender":
		n.Sender = value
	case "codepro":
		n.Codepro = value
	case "label":
		n.Label = value
	case "sha1-hash", "sha1_hash":
		n.SHA1Hash = value
	case "md5":
		n.MD5 = value
	case "notification_secret":
		n.NotificationSecret = value
	case "secret":
		n.Secret = value
	}
}

// receivedHash is the hash field to compare against, in priority order.
func (n *Notification) receivedHash() string {
	if n.SHA1Hash != "" {
		return n.SHA1Hash
	}
	if n.MD5 != "" {
		return n.MD5
	}
	return n.NotificationSecret
}

// Parse reads a textual notification: multi-line key=value pairs or a single
// &-joined query string, optionally preceded by a human-readable header line.
func Parse(text string) Notification {
	var n Notification

	lines := strings.Split(strings.ReplaceAll(text, "\r", ""), "\n")
	var kept []string
	for _, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			kept = append(kept, ln)
		}
	}
	// Drop a header line such as "Платеж получен!"
	if len(kept) > 0 && !strings.ContainsAny(kept[0], "=&") {
		kept = kept[1:]
	}

	content := strings.ReplaceAll(strings.Join(kept, "\n"), "\n", "&")
	for _, part := range strings.Split(content, "&") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		n.set(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value))
	}
	return n
}

// FromValues builds a Notification from decoded form or JSON fields.
func FromValues(values url.Values) Notification {
	var n Notification
	for key := range values {
		n.set(strings.ToLower(key), values.Get(key))
	}
	return n
}

// UserIDFromLabel resolves the paying user from the label field. Tried in
// order: the whole label as digits, a "user_id:<digits>" prefix, and finally
// any digits found in the label. The last form is lenient on purpose: labels
// produced by the hosted checkout append the payer's display name to the id.
func UserIDFromLabel(label string) (int64, bool) {
	if label == "" {
		return 0, false
	}
	if id, err := strconv.ParseInt(label, 10, 64); err == nil {
		return id, true
	}
	if rest, ok := strings.CutPrefix(label, "user_id:"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return id, true
		}
	}
	var digits strings.Builder
	for _, ch := range label {
		if ch >= '0' && ch <= '9' {
			digits.WriteRune(ch)
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// VerifyResult carries the verdict plus the diagnostics logged on rejection.
type VerifyResult struct {
	Valid      bool
	UserID     int64
	UserFound  bool
	Computed   string
	Received   string
	WeakSecret bool
	Reason     string
}

// Verifier checks notification authenticity against the pre-shared secret.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify computes the canonical SHA-1 signature and applies the business
// checks: the digest must match the received hash and codepro must not be
// set. With requireRUB the currency must additionally be 643.
func (v *Verifier) Verify(n Notification, requireRUB bool) VerifyResult {
	secret := v.secret
	weak := false
	if secret == "" {
		// Fallback to a secret carried in the payload itself. This defeats
		// the point of the signature and is surfaced to the caller.
		secret = n.Secret
		weak = true
	}

	base := strings.Join([]string{
		n.NotificationType,
		n.OperationID,
		n.Amount,
		n.Currency,
		n.Datetime,
		n.Sender,
		n.Codepro,
		n.Label,
		secret,
	}, "&")
	sum := sha1.Sum([]byte(base))
	computed := hex.EncodeToString(sum[:])
	received := n.receivedHash()

	res := VerifyResult{
		Computed:   computed,
		Received:   received,
		WeakSecret: weak,
	}

	if !strings.EqualFold(received, computed) {
		res.Reason = "signature mismatch"
		return res
	}
	if n.Codepro != "" && !strings.EqualFold(n.Codepro, "false") {
		res.Reason = "operation is protected by a redemption code (codepro)"
		return res
	}
	if requireRUB && n.Currency != "643" {
		res.Reason = "currency is not RUB (643)"
		return res
	}

	res.Valid = true
	res.UserID, res.UserFound = UserIDFromLabel(n.Label)
	if !res.UserFound {
		res.Reason = "could not resolve a user id from label"
	}
	return res
}
