package kling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewClientRequiresKeys(t *testing.T) {
	if _, err := NewClient("", "sk", ""); !errors.Is(err, ErrCredentials) {
		t.Errorf("expected ErrCredentials with empty access key, got %v", err)
	}
	if _, err := NewClient("ak", "", ""); !errors.Is(err, ErrCredentials) {
		t.Errorf("expected ErrCredentials with empty secret key, got %v", err)
	}
	if _, err := NewClient("ak", "sk", ""); err != nil {
		t.Errorf("expected client with both keys, got %v", err)
	}
}

func TestAuthTokenClaims(t *testing.T) {
	client, err := NewClient("access-key", "secret-key", "")
	if err != nil {
		t.Fatal(err)
	}

	signed, err := client.AuthToken()
	if err != nil {
		t.Fatal(err)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			t.Fatalf("unexpected signing method %v", token.Method)
		}
		return []byte("secret-key"), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("token did not parse as valid: %v", err)
	}

	if claims.Issuer != "access-key" {
		t.Errorf("expected issuer access-key, got %q", claims.Issuer)
	}
	ttl := claims.ExpiresAt.Sub(time.Now())
	if ttl < 29*time.Minute || ttl > 30*time.Minute {
		t.Errorf("expected ~30 minute expiry, got %v", ttl)
	}
	if !claims.NotBefore.Before(time.Now()) {
		t.Error("not-before must be in the past")
	}
}

func TestSubmit(t *testing.T) {
	var gotBody submitRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"task_id": "task-42"},
		})
	}))
	defer server.Close()

	client, err := NewClient("ak", "sk", server.URL)
	if err != nil {
		t.Fatal(err)
	}

	handle, err := client.Submit(context.Background(), "c3RhcnQ=", "ZW5k")
	if err != nil {
		t.Fatal(err)
	}

	if handle.TaskID != "task-42" {
		t.Errorf("expected task-42, got %q", handle.TaskID)
	}
	if gotBody.ModelName != "kling-v2-1" || gotBody.Mode != "pro" || gotBody.Duration != "5" {
		t.Errorf("unexpected model parameters: %+v", gotBody)
	}
	if gotBody.Image != "c3RhcnQ=" || gotBody.ImageTail != "ZW5k" {
		t.Errorf("unexpected image payloads: %+v", gotBody)
	}
	if gotAuth == "" || gotAuth == "Bearer " {
		t.Errorf("expected a bearer token, got %q", gotAuth)
	}
}

func TestSubmitAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code":    1102,
			"message": "insufficient balance",
		})
	}))
	defer server.Close()

	client, _ := NewClient("ak", "sk", server.URL)
	_, err := client.Submit(context.Background(), "a", "b")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 1102 || apiErr.Message != "insufficient balance" {
		t.Errorf("unexpected error contents: %+v", apiErr)
	}
}

func TestPollOnce(t *testing.T) {
	tests := []struct {
		name     string
		response map[string]any
		wantKind StatusKind
		wantURL  string
		wantMsg  string
	}{
		{
			name: "succeed",
			response: map[string]any{
				"code": 0,
				"data": map[string]any{
					"task_status": "succeed",
					"task_result": map[string]any{
						"videos": []map[string]any{{"url": "https://cdn.example/v.mp4"}},
					},
				},
			},
			wantKind: StatusSucceeded,
			wantURL:  "https://cdn.example/v.mp4",
		},
		{
			name: "failed",
			response: map[string]any{
				"code": 0,
				"data": map[string]any{
					"task_status":     "failed",
					"task_status_msg": "content policy",
				},
			},
			wantKind: StatusFailed,
			wantMsg:  "content policy",
		},
		{
			name: "processing",
			response: map[string]any{
				"code": 0,
				"data": map[string]any{"task_status": "processing"},
			},
			wantKind: StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/task-42" {
					t.Errorf("expected status request for /task-42, got %s", r.URL.Path)
				}
				json.NewEncoder(w).Encode(tt.response)
			}))
			defer server.Close()

			client, _ := NewClient("ak", "sk", server.URL)
			status, err := client.PollOnce(context.Background(), JobHandle{TaskID: "task-42"})
			if err != nil {
				t.Fatal(err)
			}

			if status.Kind != tt.wantKind {
				t.Errorf("expected kind %v, got %v", tt.wantKind, status.Kind)
			}
			if status.VideoURL != tt.wantURL {
				t.Errorf("expected URL %q, got %q", tt.wantURL, status.VideoURL)
			}
			if status.Reason != tt.wantMsg {
				t.Errorf("expected reason %q, got %q", tt.wantMsg, status.Reason)
			}
		})
	}
}

func TestPollOnceStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 1000, "message": "auth failed"})
	}))
	defer server.Close()

	client, _ := NewClient("ak", "sk", server.URL)
	_, err := client.PollOnce(context.Background(), JobHandle{TaskID: "task-42"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
}
