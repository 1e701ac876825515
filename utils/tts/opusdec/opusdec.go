// Package opusdec 用libopus解码TTS服务返回的Opus帧
package opusdec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"signglove/utils/tts"
)

// New 创建单声道解码器，可直接作为tts.DecoderFactory
func New(sampleRate int) (tts.Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("创建Opus解码器失败: %w", err)
	}
	return dec, nil
}

// Check 验证Opus库可用
func Check() error {
	_, err := New(16000)
	return err
}
