// Package discovery 在局域网内用mDNS广播和查找预测服务，设备端不需要写死服务器地址
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"

	"signglove/config"
	"signglove/log"
)

// ErrNotFound 在超时前没有发现服务
var ErrNotFound = errors.New("discovery: service not found")

// Advertise 广播预测服务，返回的函数用于停止广播
// 参数:
//   - cfg: mDNS配置
//   - port: 服务端口
//   - path: WebSocket路径，写入TXT记录
//   - arity: 通道数，写入TXT记录
func Advertise(cfg config.MDNSConfig, port int, path string, arity int) (func(), error) {
	txt := []string{"path=" + path, fmt.Sprintf("arity=%d", arity)}
	server, err := zeroconf.Register(cfg.Instance, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mDNS注册失败: %w", err)
	}
	log.Infof("mDNS: 已广播 %s (%s%s) 端口 %d", cfg.Instance, cfg.Service, cfg.Domain, port)
	return server.Shutdown, nil
}

// Lookup 查找第一个预测服务，返回 ws:// 地址
func Lookup(ctx context.Context, cfg config.MDNSConfig) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("创建mDNS解析器失败: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return "", fmt.Errorf("mDNS浏览失败: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if cfg.Instance != "" && entry.Instance != cfg.Instance {
				continue
			}
			if url, ok := EndpointURL(entry); ok {
				log.Infof("mDNS: 发现预测服务 %s -> %s", entry.Instance, url)
				return url, nil
			}
		}
	}
}

// EndpointURL 根据服务记录拼出WebSocket地址，优先使用IPv4
func EndpointURL(entry *zeroconf.ServiceEntry) (string, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return "", false
	}

	path := "/ws/predict"
	for _, t := range entry.Text {
		if v, ok := strings.CutPrefix(t, "path="); ok && v != "" {
			path = v
		}
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, fmt.Sprint(entry.Port)), path), true
}
