package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meetai/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StreamConfig configures the video call provider client.
type StreamConfig struct {
	APIKey       string
	APISecret    string
	BaseURL      string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Stream verifies inbound webhooks and ends calls on the provider side.
type Stream struct {
	apiKey  string
	secret  []byte
	baseURL string
	client  *http.Client
	policy  retryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

var _ domain.CallController = (*Stream)(nil)

func NewStream(cfg StreamConfig) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = SharedHTTPClient(cfg.Timeout)
	}
	return &Stream{
		apiKey:  cfg.APIKey,
		secret:  []byte(cfg.APISecret),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		policy:  retryPolicy{retries: cfg.Retries, base: cfg.RetryBackoff},
		logger:  logger.With("component", "stream"),
		now:     time.Now,
	}
}

// VerifyWebhook checks the x-signature and x-api-key headers against the raw
// body. It returns a *domain.Error: KindValidation when a header is missing,
// KindAuthentication when verification fails.
func (s *Stream) VerifyWebhook(body []byte, signature, apiKey string) error {
	if signature == "" || apiKey == "" {
		return domain.NewError(domain.KindValidation, "Missing signature or API key", nil)
	}
	if s.apiKey != "" && !hmac.Equal([]byte(apiKey), []byte(s.apiKey)) {
		return domain.NewError(domain.KindAuthentication, "Invalid API key", nil)
	}
	if len(s.secret) == 0 || !s.validSignature(body, signature) {
		return domain.NewError(domain.KindAuthentication, "Invalid signature", nil)
	}
	return nil
}

func (s *Stream) validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Sign returns the signature the provider would send for body.
func (s *Stream) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ServerToken mints a short-lived server-side JWT signed with the API secret.
func (s *Stream) ServerToken() (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("stream api secret is not configured")
	}
	now := s.now()
	claims := jwt.MapClaims{
		"server": true,
		"iat":    now.Add(-5 * time.Second).Unix(),
		"exp":    now.Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// EndCall marks the call ended for every participant.
func (s *Stream) EndCall(ctx context.Context, callType, callID string) error {
	ctx, span := tracer.Start(ctx, "stream.end_call")
	defer span.End()
	span.SetAttributes(attribute.String("call.type", callType), attribute.String("call.id", callID))

	token, err := s.ServerToken()
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/video/call/%s/%s/mark_ended?api_key=%s",
		s.baseURL, url.PathEscape(callType), url.PathEscape(callID), url.QueryEscape(s.apiKey))

	resp, err := doWithRetry(ctx, s.client, s.policy, "end call", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", token)
		req.Header.Set("Stream-Auth-Type", "jwt")
		return req, nil
	}, s.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := readStatusError("end call", resp)
		span.RecordError(serr)
		span.SetStatus(codes.Error, "rejected")
		return serr
	}
	io.Copy(io.Discard, resp.Body)
	s.logger.Info("call ended", "call_type", callType, "call_id", callID)
	return nil
}
