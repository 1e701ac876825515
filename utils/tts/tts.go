// Package tts 调用语音合成旁路服务并按帧时长播放PCM
package tts

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"signglove/config"
	"signglove/log"
	"signglove/utils"
)

// TTSRequest 表示发送到TTS服务的请求
type TTSRequest struct {
	Text   string                 `json:"text"`   // 要转换为语音的文本
	Config map[string]interface{} `json:"config"` // 配置参数
}

// TTSResponse 表示从TTS服务接收的响应
type TTSResponse struct {
	Status        string   `json:"status"`         // 状态，如 "success" 或 "error"
	AudioData     []string `json:"audio_data"`     // base64编码的音频数据列表
	Duration      float64  `json:"duration"`       // 音频持续时间（秒）
	Format        string   `json:"format"`         // 音频格式，如 "opus"
	FrameDuration int      `json:"frame_duration"` // 每帧持续时间（毫秒）
}

// Decoder 把一帧Opus解码为PCM采样
type Decoder interface {
	Decode(frame []byte, pcm []int16) (int, error)
}

// DecoderFactory 按采样率创建单声道解码器
type DecoderFactory func(sampleRate int) (Decoder, error)

// Speaker 实现speech.Speaker
type Speaker struct {
	url        string
	http       *http.Client
	voice      string
	sampleRate int
	out        io.Writer
	newDecoder DecoderFactory

	mu     sync.Mutex
	cancel context.CancelFunc

	// sleep 按帧时长等待，测试中替换
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSpeaker 创建语音输出
// 参数:
//   - cfg: TTS服务配置
//   - out: PCM(16位小端)输出，nil时丢弃音频只保留节奏
//   - newDecoder: Opus解码器工厂
func NewSpeaker(cfg config.TTSConfig, out io.Writer, newDecoder DecoderFactory) *Speaker {
	if out == nil {
		out = io.Discard
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &Speaker{
		url:        strings.TrimRight(cfg.URL, "/") + "/tts",
		http:       utils.NewHTTPClient(cfg.Timeout.D()),
		voice:      cfg.Voice,
		sampleRate: rate,
		out:        out,
		newDecoder: newDecoder,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Speak 合成并播放一句话，播放完毕、Cancel或ctx结束时返回
func (s *Speaker) Speak(ctx context.Context, text string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	resp, err := s.synthesize(ctx, text)
	if err != nil {
		return err
	}

	dec, err := s.newDecoder(s.sampleRate)
	if err != nil {
		return fmt.Errorf("创建Opus解码器失败: %w", err)
	}

	frameDur := time.Duration(resp.FrameDuration) * time.Millisecond
	if frameDur <= 0 {
		frameDur = 60 * time.Millisecond
	}
	// 60ms@48kHz 是Opus单帧最大采样数
	pcm := make([]int16, 2880)
	buf := make([]byte, len(pcm)*2)

	for i, encoded := range resp.AudioData {
		frame, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("解码base64音频数据失败: %w", err)
		}
		n, err := dec.Decode(frame, pcm)
		if err != nil {
			log.Warnf("第%d帧Opus解码失败: %v", i, err)
			continue
		}
		for j := 0; j < n; j++ {
			binary.LittleEndian.PutUint16(buf[j*2:], uint16(pcm[j]))
		}
		if _, err := s.out.Write(buf[:n*2]); err != nil {
			return fmt.Errorf("写入音频失败: %w", err)
		}
		if err := s.sleep(ctx, frameDur); err != nil {
			return err
		}
	}
	return nil
}

func (s *Speaker) synthesize(ctx context.Context, text string) (*TTSResponse, error) {
	cfg := map[string]interface{}{"sample_rate": s.sampleRate}
	if s.voice != "" {
		cfg["voice"] = s.voice
	}

	var resp TTSResponse
	if err := utils.PostJSON(ctx, s.http, s.url, TTSRequest{Text: text, Config: cfg}, &resp); err != nil {
		return nil, fmt.Errorf("TTS请求失败: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("TTS服务返回错误状态: %s", resp.Status)
	}
	return &resp, nil
}

// Cancel 停止当前正在播放的一句
func (s *Speaker) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
