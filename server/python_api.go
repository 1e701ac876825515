package server

import (
	"context"
	"fmt"
	"time"

	"signglove/config"
	"signglove/log"
	"signglove/utils"
)

var (
	// 最多等待30秒
	readyAttempts = 30
	readyInterval = time.Second
)

// InitializeSidecars 等待Python旁路服务就绪
// 参数:
//   - ctx: 取消等待
//   - cfg: 服务器配置信息，包含推理和训练服务的地址
//
// 返回:
//   - error: 推理服务不可用时返回错误；训练服务只在自动训练时用到，不可用时只记录警告
func InitializeSidecars(ctx context.Context, cfg *config.Config) error {
	if err := utils.WaitReady(ctx, cfg.Inference.URL, readyAttempts, readyInterval); err != nil {
		return fmt.Errorf("推理服务不可用: %w", err)
	}
	if err := utils.WaitReady(ctx, cfg.Trainer.URL, readyAttempts, readyInterval); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnf("训练服务暂不可用，自动训练将在触发时重试: %v", err)
	}
	log.Infof("Python旁路服务初始化成功")
	return nil
}
