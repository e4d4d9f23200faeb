package conn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrMissingCredential is returned when neither the configured key nor the
	// auth endpoint yields a credential.
	ErrMissingCredential = errors.New("trove: store credential not found")

	// ErrMalformedCredential is returned when the credential is not base64
	// encoded "<access key id>:<secret access key>".
	ErrMalformedCredential = errors.New("trove: store credential is malformed")
)

// authResponse is the body returned by the /.auth/me style collaborator.
type authResponse struct {
	ClientPrincipal *struct {
		StoreKey string `json:"storeKey"`
	} `json:"clientPrincipal"`
}

// resolveKey returns the configured key, or fetches one from the auth endpoint.
func (m *Manager) resolveKey(ctx context.Context) (string, error) {
	if m.cfg.Key != "" {
		m.logger.Info("using store credential from configuration")
		return m.cfg.Key, nil
	}
	if m.cfg.AuthURL == "" {
		return "", ErrMissingCredential
	}

	var body authResponse
	resp, err := m.http.R().
		SetContext(ctx).
		SetResult(&body).
		ForceContentType("application/json").
		Get(m.cfg.AuthURL)
	if err != nil {
		return "", fmt.Errorf("fetch credential from %s: %w", m.cfg.AuthURL, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch credential from %s: unexpected status %s", m.cfg.AuthURL, resp.Status())
	}
	if body.ClientPrincipal == nil || body.ClientPrincipal.StoreKey == "" {
		m.logger.Warn("auth endpoint response carries no store credential",
			zap.String("url", m.cfg.AuthURL))
		return "", ErrMissingCredential
	}

	m.logger.Info("store credential retrieved from auth endpoint",
		zap.String("url", m.cfg.AuthURL))
	return body.ClientPrincipal.StoreKey, nil
}

// DecodeCredential validates a base64 credential and splits it into static
// AWS credentials.
func DecodeCredential(key string) (aws.Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("%w: not valid base64", ErrMalformedCredential)
	}

	id, secret, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" || secret == "" {
		return aws.Credentials{}, fmt.Errorf("%w: expected <access key id>:<secret access key>", ErrMalformedCredential)
	}

	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		Source:          "trove",
	}, nil
}

// EncodeCredential is the inverse of DecodeCredential.
func EncodeCredential(accessKeyID, secretAccessKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(accessKeyID + ":" + secretAccessKey))
}

// maskKey renders a credential safe for logs.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func newHTTPClient(cfg Config) *resty.Client {
	return resty.New().
		SetTimeout(cfg.AuthTimeout).
		SetHeader("Accept", "application/json")
}
