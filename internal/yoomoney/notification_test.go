package yoomoney

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
)

const testSecret = "test-secret"

// sampleNotice is the notification from the provider's test delivery.
func sampleNotice() Notification {
	return Notification{
		NotificationType: "p2p-incoming",
		OperationID:      "test-notification",
		Amount:           "255.80",
		Currency:         "643",
		Datetime:         "2025-10-29T23:57:00Z",
		Sender:           "41001000040",
		Codepro:          "false",
		Label:            "user_id:123456789",
	}
}

// sign computes the canonical SHA-1 for a notification and secret, the same
// way the provider does when it builds sha1_hash.
func sign(n Notification, secret string) string {
	base := strings.Join([]string{
		n.NotificationType, n.OperationID, n.Amount, n.Currency,
		n.Datetime, n.Sender, n.Codepro, n.Label, secret,
	}, "&")
	sum := sha1.Sum([]byte(base))
	return hex.EncodeToString(sum[:])
}

func TestVerifySampleNotification(t *testing.T) {
	n := sampleNotice()
	n.SHA1Hash = sign(n, testSecret)

	res := NewVerifier(testSecret).Verify(n, false)
	if !res.Valid {
		t.Fatalf("expected valid notification, got reason %q", res.Reason)
	}
	if !res.UserFound || res.UserID != 123456789 {
		t.Errorf("expected user 123456789, got %d (found=%v)", res.UserID, res.UserFound)
	}
	if res.WeakSecret {
		t.Error("expected configured secret, not the weak payload fallback")
	}
}

func TestVerifyRejectsCodepro(t *testing.T) {
	n := sampleNotice()
	n.Codepro = "true"
	n.SHA1Hash = sign(n, testSecret)

	res := NewVerifier(testSecret).Verify(n, false)
	if res.Valid {
		t.Fatal("codepro-protected payment must never verify, even with a correct signature")
	}
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	n := sampleNotice()
	good := sign(n, testSecret)

	for i := 0; i < len(good); i++ {
		flipped := []byte(good)
		if flipped[i] == '0' {
			flipped[i] = '1'
		} else {
			flipped[i] = '0'
		}
		n.SHA1Hash = string(flipped)
		if res := NewVerifier(testSecret).Verify(n, false); res.Valid {
			t.Fatalf("hash with flipped character %d must not verify", i)
		}
	}
}

func TestVerifyHashCaseInsensitive(t *testing.T) {
	n := sampleNotice()
	n.SHA1Hash = strings.ToUpper(sign(n, testSecret))

	if res := NewVerifier(testSecret).Verify(n, false); !res.Valid {
		t.Errorf("uppercase hash should verify, got reason %q", res.Reason)
	}
}

func TestVerifyCurrencyRequirement(t *testing.T) {
	n := sampleNotice()
	n.Currency = "978"
	n.SHA1Hash = sign(n, testSecret)
	v := NewVerifier(testSecret)

	if res := v.Verify(n, true); res.Valid {
		t.Error("non-RUB currency must be rejected on the strict path")
	}
	if res := v.Verify(n, false); !res.Valid {
		t.Errorf("non-RUB currency should pass the lenient path, got %q", res.Reason)
	}
}

func TestVerifyWeakSecretFallback(t *testing.T) {
	n := sampleNotice()
	n.Secret = "payload-secret"
	n.SHA1Hash = sign(n, "payload-secret")

	res := NewVerifier("").Verify(n, false)
	if !res.Valid {
		t.Fatalf("expected payload-secret fallback to verify, got %q", res.Reason)
	}
	if !res.WeakSecret {
		t.Error("expected the weak-secret flag to be set")
	}
}

func TestVerifyHashFieldPriority(t *testing.T) {
	n := sampleNotice()
	n.MD5 = sign(n, testSecret)

	if res := NewVerifier(testSecret).Verify(n, false); !res.Valid {
		t.Errorf("md5 field should be accepted when sha1_hash is absent, got %q", res.Reason)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Notification
	}{
		{
			name: "multiline with header",
			text: "Платеж получен!\noperationid=test-notification\nnotificationtype=p2p-incoming\namount=255.80\ncurrency=643\ndatetime=2025-10-29T23:57:00Z\nsender=41001000040\ncodepro=false\nlabel=user_id:123456789\nsha1-hash=abc",
			want: Notification{
				NotificationType: "p2p-incoming",
				OperationID:      "test-notification",
				Amount:           "255.80",
				Currency:         "643",
				Datetime:         "2025-10-29T23:57:00Z",
				Sender:           "41001000040",
				Codepro:          "false",
				Label:            "user_id:123456789",
				SHA1Hash:         "abc",
			},
		},
		{
			name: "query string form",
			text: "notification_type=p2p-incoming&operation_id=op-1&amount=50.00&sha1_hash=def",
			want: Notification{
				NotificationType: "p2p-incoming",
				OperationID:      "op-1",
				Amount:           "50.00",
				SHA1Hash:         "def",
			},
		},
		{
			name: "windows line endings and blank lines",
			text: "Платеж получен!\r\n\r\namount=10.00\r\nlabel=42\r\n",
			want: Notification{
				Amount: "10.00",
				Label:  "42",
			},
		},
		{
			name: "uppercase keys normalize",
			text: "NotificationType=p2p-incoming\nSHA1-HASH=xyz",
			want: Notification{
				NotificationType: "p2p-incoming",
				SHA1Hash:         "xyz",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.text); got != tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFromValues(t *testing.T) {
	values := url.Values{
		"notification_type": {"p2p-incoming"},
		"operationId":       {"op-2"},
		"sha1-hash":         {"fff"},
		"unknown_key":       {"ignored"},
	}
	got := FromValues(values)
	if got.NotificationType != "p2p-incoming" || got.OperationID != "op-2" || got.SHA1Hash != "fff" {
		t.Errorf("FromValues() = %+v", got)
	}
}

func TestUserIDFromLabel(t *testing.T) {
	tests := []struct {
		label  string
		wantID int64
		wantOK bool
	}{
		{"123456789", 123456789, true},
		{"user_id:123456789", 123456789, true},
		{"5808424974Иван Петров", 5808424974, true},
		{"order 42 for user 7", 427, true},
		{"no digits here", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			id, ok := UserIDFromLabel(tt.label)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("UserIDFromLabel(%q) = (%d, %v), want (%d, %v)", tt.label, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
