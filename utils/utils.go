// Package utils 与Python旁路服务(推理、训练、语音合成)通信的公共代码
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"signglove/log"
)

// ErrUnavailable 旁路服务无法连接
var ErrUnavailable = errors.New("sidecar unavailable")

// StatusError 旁路服务返回了非200状态码
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("服务返回错误状态码: %d, 响应: %s", e.Code, e.Body)
}

// NewHTTPClient 创建带超时的HTTP客户端，timeout为0时使用10秒
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// PostJSON 发送JSON请求并解析JSON响应
// 参数:
//   - ctx: 请求上下文
//   - client: HTTP客户端
//   - url: 完整地址
//   - in: 请求体，会被序列化为JSON
//   - out: 响应体，可以为nil
//
// 返回:
//   - error: 连接失败时包装ErrUnavailable，非200时为*StatusError
func PostJSON(ctx context.Context, client *http.Client, url string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req, out)
}

// GetJSON 发送GET请求并解析JSON响应
func GetJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	return do(client, req, out)
}

func do(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		// 调用方主动取消不算服务不可用
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// WaitReady 轮询 {baseURL}/health 直到返回200
// 参数:
//   - ctx: 取消等待
//   - baseURL: 服务根地址
//   - attempts: 最多尝试次数
//   - interval: 两次尝试的间隔
//
// 返回:
//   - error: 超过次数仍未就绪时返回ErrUnavailable
func WaitReady(ctx context.Context, baseURL string, attempts int, interval time.Duration) error {
	client := NewHTTPClient(interval)
	url := strings.TrimRight(baseURL, "/") + "/health"
	log.Infof("等待服务就绪，地址: %s...", baseURL)

	for i := 0; i < attempts; i++ {
		if err := GetJSON(ctx, client, url, nil); err == nil {
			log.Infof("服务已就绪: %s", baseURL)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, baseURL)
}

// GetLocalIP 返回第一个非回环的IPv4地址，用于日志显示，找不到时返回127.0.0.1
func GetLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
