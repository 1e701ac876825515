package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"signglove/codec"
	"signglove/config"
	"signglove/discovery"
	"signglove/log"
	"signglove/model"
	"signglove/speech"
	"signglove/streamclient"
	"signglove/utils/tts"
	"signglove/utils/tts/opusdec"

	"github.com/spf13/cobra"
)

type streamOptions struct {
	url      string
	encoding string
	token    string
	input    string
	discover bool
	noSpeech bool
	interval time.Duration
	linger   time.Duration
}

func newStreamCmd(load func(*cobra.Command) (*config.Config, error)) *cobra.Command {
	var opts streamOptions
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "设备端：把传感器帧推送到预测服务并播报识别结果",
		Long: `从标准输入或--input文件逐行读取传感器数据(逗号或空白分隔的浮点数)，
推送到预测服务。以下控制行不会当作数据发送:
  speech on | speech off | speech flush | reconnect
以#开头的行被忽略。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if opts.url != "" {
				cfg.Stream.URL = opts.url
			}
			if opts.encoding != "" {
				cfg.Stream.Encoding = opts.encoding
			}
			if opts.token != "" {
				cfg.Stream.Token = opts.token
			}
			if opts.discover {
				cfg.Stream.Discover = true
			}
			if opts.noSpeech {
				cfg.Speech.Enabled = false
			}
			return runStream(cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "预测服务地址，例如 ws://127.0.0.1:8000/ws/predict")
	cmd.Flags().StringVar(&opts.encoding, "encoding", "", "帧编码: json 或 msgpack")
	cmd.Flags().StringVar(&opts.token, "token", "", "认证令牌")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "-", "传感器数据文件，-表示标准输入")
	cmd.Flags().BoolVar(&opts.discover, "discover", false, "通过mDNS查找预测服务")
	cmd.Flags().BoolVar(&opts.noSpeech, "no-speech", false, "关闭语音播报")
	cmd.Flags().DurationVar(&opts.interval, "interval", 30*time.Millisecond, "两帧之间的间隔")
	cmd.Flags().DurationVar(&opts.linger, "linger", 2*time.Second, "输入结束后等待剩余结果和播报的时间")
	return cmd
}

func runStream(cfg *config.Config, opts streamOptions) error {
	if err := log.Init(&cfg.Log); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := codec.ForName(cfg.Stream.Encoding)
	if err != nil {
		return err
	}

	url := cfg.Stream.URL
	if cfg.Stream.Discover {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		found, err := discovery.Lookup(lookupCtx, cfg.MDNS)
		cancel()
		if err != nil {
			if url == "" {
				return err
			}
			log.Warnf("mDNS查找失败，使用配置的地址 %s: %v", url, err)
		} else {
			url = found
		}
	}
	if url == "" {
		return errors.New("没有预测服务地址，请设置stream.url或使用--discover")
	}

	in, closeInput, err := openInput(opts.input)
	if err != nil {
		return err
	}
	defer closeInput()

	header := http.Header{}
	if cfg.Stream.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Stream.Token)
	}
	if cfg.Stream.DeviceID != "" {
		header.Set("device-id", cfg.Stream.DeviceID)
	}
	client := streamclient.New(streamclient.Config{
		BaseDelay:        cfg.Stream.BaseBackoff.D(),
		MaxDelay:         cfg.Stream.MaxBackoff.D(),
		HandshakeTimeout: cfg.Stream.HandshakeTimeout.D(),
		ChannelArity:     cfg.ChannelArity,
		EventBuffer:      cfg.Stream.EventBuffer,
	}, &streamclient.WSDialer{
		URL:         url,
		Header:      header,
		MessageType: c.MessageType(),
		IdleTimeout: cfg.WebSocket.ReadTimeout.D(),
	}, c)

	pcm, closePCM, err := openOutput(cfg.TTS.Output)
	if err != nil {
		return err
	}
	defer closePCM()
	if cfg.Speech.Enabled {
		if err := opusdec.Check(); err != nil {
			log.Warnf("Opus解码不可用，关闭语音播报: %v", err)
			cfg.Speech.Enabled = false
		}
	}
	queue := speech.New(speech.Config{
		Enabled:       cfg.Speech.Enabled,
		Cooldown:      cfg.SpeechCooldown(),
		SpeakTimeout:  cfg.Speech.SpeakTimeout.D(),
		MinConfidence: cfg.Speech.MinConfidence,
		Phrases:       cfg.Speech.Phrases,
		IdleLabels:    cfg.Speech.IdleLabels,
	}, tts.NewSpeaker(cfg.TTS, pcm, opusdec.New))

	var wg sync.WaitGroup
	speechCtx, stopSpeech := context.WithCancel(context.Background())
	wg.Add(3)
	go func() {
		defer wg.Done()
		queue.Run(speechCtx)
	}()
	go func() {
		defer wg.Done()
		for ev := range client.Events() {
			log.Infof("识别结果: %s (%.2f)", ev.Label, ev.Confidence)
			queue.OnPrediction(ev)
		}
	}()
	go func() {
		defer wg.Done()
		for s := range client.States() {
			log.Infof("连接状态: %s", s)
		}
	}()

	log.Infof("正在连接预测服务: %s (%s)", url, c.Name())
	if err := client.Connect(); err != nil {
		return err
	}

	sendErr := pump(ctx, in, client, queue, cfg.Stream.DeviceID, opts.interval)
	if sendErr == nil && ctx.Err() == nil && opts.linger > 0 {
		// 输入结束，留时间接收最后的结果
		select {
		case <-ctx.Done():
		case <-time.After(opts.linger):
		}
	}

	client.Close()
	stopSpeech()
	wg.Wait()
	if sendErr != nil && !errors.Is(sendErr, context.Canceled) {
		return sendErr
	}
	return nil
}

// frameSender 是pump需要的StreamClient操作
type frameSender interface {
	Connect() error
	Send(frame model.SensorFrame) error
}

// speechControl 是pump需要的播报队列操作
type speechControl interface {
	SetEnabled(enabled bool)
	Flush() int
}

// pump 逐行读取输入并发送，直到输入结束或ctx结束
func pump(ctx context.Context, in io.Reader, client frameSender, queue speechControl, deviceID string, interval time.Duration) error {
	scanner := bufio.NewScanner(in)
	sent, dropped := 0, 0
	defer func() {
		log.Infof("输入结束: 已发送 %d 帧, 丢弃 %d 帧", sent, dropped)
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if handleControl(line, client, queue) {
			continue
		}

		values, err := parseSensorLine(line)
		if err != nil {
			log.Warnf("跳过无效的输入行: %v", err)
			continue
		}
		frame := model.NewSensorFrame(values, float64(time.Now().UnixNano())/1e9, deviceID, "")
		switch err := client.Send(frame); {
		case err == nil:
			sent++
		case errors.Is(err, streamclient.ErrNotConnected):
			dropped++
		default:
			log.Warnf("发送失败: %v", err)
			dropped++
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return scanner.Err()
}

// handleControl 处理控制行，返回true表示该行已处理
func handleControl(line string, client frameSender, queue speechControl) bool {
	switch strings.ToLower(line) {
	case "speech on":
		queue.SetEnabled(true)
	case "speech off":
		queue.SetEnabled(false)
	case "speech flush":
		log.Infof("已清空 %d 条待播内容", queue.Flush())
	case "reconnect":
		if err := client.Connect(); err != nil {
			log.Warnf("重连失败: %v", err)
		}
	default:
		return false
	}
	return true
}

// parseSensorLine 解析一行传感器数据，逗号或空白分隔
func parseSensorLine(line string) ([]float64, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, errors.New("空行")
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("第%d列 %q 不是数字", i+1, f)
		}
		values[i] = v
	}
	return values, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("打开输入文件失败: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// openOutput 打开PCM输出，空表示丢弃
func openOutput(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("打开音频输出失败: %w", err)
	}
	return f, func() { f.Close() }, nil
}
