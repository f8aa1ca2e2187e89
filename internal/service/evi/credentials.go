package evi

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
)

// ChatPath 语音会话的 websocket 路径。
const ChatPath = "/v0/evi/chat"

// Credentials 连接凭证，APIKey 与 AccessToken 必须且只能设置一个。
type Credentials struct {
	APIKey      string
	AccessToken string
}

// Validate 校验凭证互斥规则。
func (c Credentials) Validate() error {
	apiKey := strings.TrimSpace(c.APIKey)
	token := strings.TrimSpace(c.AccessToken)

	switch {
	case apiKey != "" && token != "":
		return fmt.Errorf("%w: api key and access token are mutually exclusive", config.ErrConfiguration)
	case apiKey == "" && token == "":
		return fmt.Errorf("%w: an api key or access token is required", config.ErrConfiguration)
	}
	return nil
}

// ChatURL 拼接会话地址，凭证和可选的 config_id 作为查询参数。
func ChatURL(host string, creds Credentials, configID string) (string, error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}

	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("%w: evi host is empty", config.ErrConfiguration)
	}

	query := url.Values{}
	if key := strings.TrimSpace(creds.APIKey); key != "" {
		query.Set("api_key", key)
	} else {
		query.Set("access_token", strings.TrimSpace(creds.AccessToken))
	}
	if id := strings.TrimSpace(configID); id != "" {
		query.Set("config_id", id)
	}

	target := url.URL{
		Scheme:   "wss",
		Host:     host,
		Path:     ChatPath,
		RawQuery: query.Encode(),
	}
	return target.String(), nil
}
