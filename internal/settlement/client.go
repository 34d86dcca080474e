package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/deltayeb/iofteoi/pkg/signing"
)

// Handler responses larger than this are treated as failures rather
// than buffered without bound.
const maxHandlerResponseBytes = 10 << 20 // 10MB

// HandlerClient issues the single outbound call of a settlement: POST
// the caller's input to the protocol's handler endpoint under the
// configured deadline.
type HandlerClient struct {
	HTTPClient *http.Client
	Timeout    time.Duration

	// SigningSecret, when set, signs every dispatch so handlers can
	// authenticate the exchange.
	SigningSecret string
}

func NewHandlerClient(timeout time.Duration) *HandlerClient {
	return &HandlerClient{
		HTTPClient: &http.Client{},
		Timeout:    timeout,
	}
}

type handlerRequest struct {
	Input        any    `json:"input"`
	InvocationID string `json:"invocationId"`
}

// HandlerResponse is the raw outcome of a handler call; classification
// into success/refusal/failure belongs to the engine.
type HandlerResponse struct {
	StatusCode int
	Body       []byte
}

func (c *HandlerClient) Invoke(ctx context.Context, handlerURL, invocationID string, input any) (*HandlerResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	body, err := json.Marshal(handlerRequest{Input: input, InvocationID: invocationID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handlerURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.SigningSecret != "" {
		req.Header.Set(signing.Header, signing.Sign(c.SigningSecret, body, time.Now()))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxHandlerResponseBytes))
	if err != nil {
		return nil, err
	}
	return &HandlerResponse{StatusCode: resp.StatusCode, Body: b}, nil
}
