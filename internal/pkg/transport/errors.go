package transport

import (
	"fmt"
	"net/url"
)

// Error 描述一次 HTTP 或 websocket 调用的失败。
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.StatusCode != 0:
		return fmt.Sprintf("transport error during %s %s: status %d: %v", e.Op, redact(e.URL), e.StatusCode, e.Err)
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redact(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// redact 去掉 URL 中的凭证（userinfo 与 query），避免密钥进入日志。
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
