// Package inference 调用推理旁路服务，把一帧传感器数据转换为手势标签
package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"signglove/config"
	"signglove/utils"
)

// PredictRequest 发送到推理服务的请求
type PredictRequest struct {
	Values []float64 `json:"values"` // 按通道顺序排列的读数
}

// PredictResponse 推理服务的响应
type PredictResponse struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// Client 推理服务客户端
type Client struct {
	url  string
	http *http.Client
}

// New 创建推理服务客户端
func New(cfg config.SidecarConfig) *Client {
	return &Client{
		url:  strings.TrimRight(cfg.URL, "/") + "/predict",
		http: utils.NewHTTPClient(cfg.Timeout.D()),
	}
}

// Predict 对一组通道读数做推理
// 参数:
//   - ctx: 请求上下文
//   - channels: 通道读数
//
// 返回:
//   - string: 标签
//   - float64: 置信度(未裁剪)
//   - error: 服务不可用或返回错误
func (c *Client) Predict(ctx context.Context, channels []float64) (string, float64, error) {
	var resp PredictResponse
	if err := utils.PostJSON(ctx, c.http, c.url, PredictRequest{Values: channels}, &resp); err != nil {
		return "", 0, err
	}
	if resp.Error != "" {
		return "", 0, errors.New(resp.Error)
	}
	if resp.Prediction == "" {
		return "", 0, fmt.Errorf("推理服务没有返回标签")
	}
	return resp.Prediction, resp.Confidence, nil
}
