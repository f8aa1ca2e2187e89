package utils

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// SendSSEChunk 发送Server-Sent Events数据块
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		zap.L().Warn("marshal sse payload failed", zap.Error(err))
		return
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		zap.L().Debug("write sse chunk failed", zap.Error(err))
		return
	}
	flusher.Flush()
}

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SendSSEEvent 发送带事件类型的SSE消息
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		zap.L().Warn("marshal sse event failed", zap.String("event", event), zap.Error(err))
		return
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		zap.L().Debug("write sse event failed", zap.String("event", event), zap.Error(err))
		return
	}
	flusher.Flush()
}

// SendSSEComment 发送注释行，用作心跳。
func SendSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return
	}
	flusher.Flush()
}
