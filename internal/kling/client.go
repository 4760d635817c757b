package kling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultAPIURL = "https://api-singapore.klingai.com/v1/videos/image2video"

// ErrCredentials means the access key or secret key is missing.
var ErrCredentials = errors.New("kling: access key and secret key are required")

// APIError is a non-zero status code returned by the Kling service.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kling API error %d: %s", e.Code, e.Message)
}

// JobHandle identifies one submitted image2video task.
type JobHandle struct {
	TaskID      string
	SubmittedAt time.Time
	StartImage  string
	EndImage    string
}

type StatusKind int

const (
	StatusPending StatusKind = iota
	StatusSucceeded
	StatusFailed
)

// JobStatus is the outcome of a single status poll.
type JobStatus struct {
	Kind     StatusKind
	VideoURL string
	Reason   string
}

type Client struct {
	accessKey string
	secretKey string
	apiURL    string
	http      *http.Client
}

func NewClient(accessKey, secretKey, apiURL string) (*Client, error) {
	if accessKey == "" || secretKey == "" {
		return nil, ErrCredentials
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		accessKey: accessKey,
		secretKey: secretKey,
		apiURL:    apiURL,
		http:      &http.Client{},
	}, nil
}

// AuthToken builds the short-lived bearer token the Kling API expects:
// issuer = access key, expiry 30 minutes out, not-before 5 seconds back.
func (c *Client) AuthToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.accessKey,
		ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign kling token: %w", err)
	}
	return signed, nil
}

// EncodeImage converts raw image bytes to the base64 form the API accepts.
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

type submitRequest struct {
	ModelName string `json:"model_name"`
	Mode      string `json:"mode"`
	Duration  string `json:"duration"`
	Image     string `json:"image"`
	ImageTail string `json:"image_tail"`
}

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID        string `json:"task_id"`
		TaskStatus    string `json:"task_status"`
		TaskStatusMsg string `json:"task_status_msg"`
		TaskResult    struct {
			Videos []struct {
				URL string `json:"url"`
			} `json:"videos"`
		} `json:"task_result"`
	} `json:"data"`
}

// Submit creates an image2video task from two base64-encoded images.
func (c *Client) Submit(ctx context.Context, startB64, endB64 string) (JobHandle, error) {
	body, err := json.Marshal(submitRequest{
		ModelName: "kling-v2-1",
		Mode:      "pro",
		Duration:  "5",
		Image:     startB64,
		ImageTail: endB64,
	})
	if err != nil {
		return JobHandle{}, fmt.Errorf("failed to encode submit request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := c.do(reqCtx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return JobHandle{}, err
	}
	if resp.Code != 0 {
		return JobHandle{}, &APIError{Code: resp.Code, Message: resp.Message}
	}
	return JobHandle{
		TaskID:      resp.Data.TaskID,
		SubmittedAt: time.Now(),
		StartImage:  startB64,
		EndImage:    endB64,
	}, nil
}

// PollOnce issues one status request for the task. A transport-level timeout
// is reported as StatusPending so the caller retries instead of failing.
func (c *Client) PollOnce(ctx context.Context, handle JobHandle) (JobStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	resp, err := c.do(reqCtx, http.MethodGet, c.apiURL+"/"+handle.TaskID, nil)
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return JobStatus{Kind: StatusPending}, nil
		}
		return JobStatus{}, err
	}
	if resp.Code != 0 {
		return JobStatus{}, &APIError{Code: resp.Code, Message: resp.Message}
	}

	switch resp.Data.TaskStatus {
	case "succeed":
		if len(resp.Data.TaskResult.Videos) == 0 {
			return JobStatus{}, fmt.Errorf("task %s succeeded without a video result", handle.TaskID)
		}
		return JobStatus{Kind: StatusSucceeded, VideoURL: resp.Data.TaskResult.Videos[0].URL}, nil
	case "failed":
		reason := resp.Data.TaskStatusMsg
		if reason == "" {
			reason = "unknown reason"
		}
		return JobStatus{Kind: StatusFailed, Reason: reason}, nil
	default:
		return JobStatus{Kind: StatusPending}, nil
	}
}

func (c *Client) do(ctx context.Context, method, url string, body *bytes.Reader) (*apiResponse, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, err
	}

	token, err := c.AuthToken()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("kling API returned status %d", resp.StatusCode)
	}

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode kling response: %w", err)
	}
	return &decoded, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
