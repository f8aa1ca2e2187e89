package evi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
	"github.com/zhouzirui/evi-chat/backend/internal/pkg/transport"
)

// TokenURL 返回换取访问令牌的端点。
func TokenURL(host string) string {
	return "https://" + strings.TrimSpace(host) + "/oauth2-cc/token"
}

// FetchAccessToken 使用 API Key + Secret Key 通过 client credentials 换取访问令牌。
func FetchAccessToken(ctx context.Context, tokenURL, apiKey, secretKey string) (string, error) {
	if apiKey == "" || secretKey == "" {
		return "", fmt.Errorf("%w: token fetch needs both api key and secret key", config.ErrConfiguration)
	}

	cc := clientcredentials.Config{
		ClientID:     apiKey,
		ClientSecret: secretKey,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	token, err := cc.Token(ctx)
	if err != nil {
		terr := &transport.Error{Op: "token", URL: tokenURL, Err: err}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			terr.StatusCode = rerr.Response.StatusCode
		}
		return "", terr
	}

	if token.AccessToken == "" {
		return "", &transport.Error{Op: "token", URL: tokenURL, Err: fmt.Errorf("empty access token")}
	}
	return token.AccessToken, nil
}

// CredentialSource 为每次连接提供凭证。配置了 Secret Key 时每次都换取新的访问令牌，
// 之后 socket 只携带 access_token。
type CredentialSource struct {
	cfg      config.EVIConfig
	tokenURL string
}

// NewCredentialSource 根据 EVI 配置创建凭证来源。
func NewCredentialSource(cfg config.EVIConfig) *CredentialSource {
	return &CredentialSource{cfg: cfg, tokenURL: TokenURL(cfg.Host)}
}

// ConfigID 返回默认的 EVI 配置 ID，可能为空。
func (s *CredentialSource) ConfigID() string {
	return s.cfg.ConfigID
}

// Credentials 返回本次连接使用的凭证。
func (s *CredentialSource) Credentials(ctx context.Context) (Credentials, error) {
	if !s.cfg.FetchesToken() {
		creds := Credentials{APIKey: s.cfg.APIKey, AccessToken: s.cfg.AccessToken}
		return creds, creds.Validate()
	}

	token, err := FetchAccessToken(ctx, s.tokenURL, s.cfg.APIKey, s.cfg.SecretKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetch access token: %w", err)
	}
	return Credentials{AccessToken: token}, nil
}
