package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"signglove/log"

	"gopkg.in/yaml.v3"
)

// Config 表示服务的完整配置，服务端(serve)与设备端(stream)共用一个文件
type Config struct {
	ChannelArity int             `yaml:"channel_arity"` // 每帧传感器通道数，例如11(单手)或22(双手)
	WebSocket    WebSocketConfig `yaml:"websocket"`     // WebSocket服务器配置
	Inference    SidecarConfig   `yaml:"inference"`     // 推理服务
	Trainer      TrainerConfig   `yaml:"trainer"`       // 训练服务
	TTS          TTSConfig       `yaml:"tts"`           // 语音合成服务
	Stream       StreamConfig    `yaml:"stream"`        // 设备端长连接配置
	Speech       SpeechConfig    `yaml:"speech"`        // 语音播报队列
	AutoTrain    AutoTrainConfig `yaml:"autotrain"`     // 自动重训练
	Store        StoreConfig     `yaml:"store"`         // 样本存储
	MQTT         MQTTConfig      `yaml:"mqtt"`          // MQTT事件发布（可选）
	MDNS         MDNSConfig      `yaml:"mdns"`          // 局域网服务发现（可选）
	Log          log.LogConfig   `yaml:"log"`           // 日志配置
	ConfigPath   string          `yaml:"-"`             // 配置文件路径，不存储在YAML中
}

// WebSocketConfig 表示WebSocket服务器的配置
type WebSocketConfig struct {
	Host string `yaml:"host"` // 服务器主机地址，如"0.0.0.0"表示所有网络接口
	Port int    `yaml:"port"` // 服务器端口
	Path string `yaml:"path"` // 预测端点路径
	Auth struct {
		Enabled bool        `yaml:"enabled"` // 是否启用认证
		Tokens  []AuthToken `yaml:"tokens"`  // 有效的认证令牌列表
	} `yaml:"auth"` // 认证配置

	ReadTimeout  Duration `yaml:"read_timeout"`  // 超过该时长未收到任何消息(含pong)则断开
	PingInterval Duration `yaml:"ping_interval"` // 服务端ping间隔
	RateLimit    float64  `yaml:"rate_limit"`    // 每个连接每秒最多处理的帧数
	FrameQueue   int      `yaml:"frame_queue"`   // 每个连接待推理帧缓冲
}

// AuthToken 一个设备令牌
type AuthToken struct {
	Token string `yaml:"token"` // 认证令牌
	Name  string `yaml:"name"`  // 设备名称
}

// SidecarConfig 表示一个HTTP旁路服务
type SidecarConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// TrainerConfig 训练服务配置
type TrainerConfig struct {
	SidecarConfig `yaml:",inline"`
	PollInterval  Duration `yaml:"poll_interval"`
}

// TTSConfig 语音合成服务配置
type TTSConfig struct {
	SidecarConfig `yaml:",inline"`
	Voice         string `yaml:"voice"`
	SampleRate    int    `yaml:"sample_rate"`
	Output        string `yaml:"output"` // PCM输出，"-"表示标准输出，空表示丢弃
}

// StreamConfig 设备端长连接配置
type StreamConfig struct {
	URL              string   `yaml:"url"`
	Encoding         string   `yaml:"encoding"` // json 或 msgpack
	Token            string   `yaml:"token"`
	DeviceID         string   `yaml:"device_id"`
	BaseBackoff      Duration `yaml:"base_backoff"`
	MaxBackoff       Duration `yaml:"max_backoff"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	EventBuffer      int      `yaml:"event_buffer"`
	Discover         bool     `yaml:"discover"`
}

// SpeechConfig 语音播报配置
type SpeechConfig struct {
	Enabled       bool              `yaml:"enabled"`
	CooldownMs    int               `yaml:"cooldown_ms"`
	SpeakTimeout  Duration          `yaml:"speak_timeout"`
	MinConfidence float64           `yaml:"min_confidence"`
	Phrases       map[string]string `yaml:"phrases"`
	IdleLabels    []string          `yaml:"idle_labels"`
}

// AutoTrainConfig 自动重训练配置
type AutoTrainConfig struct {
	RepeatThreshold int      `yaml:"repeat_threshold"`
	TrainThreshold  int      `yaml:"train_threshold"`
	DatasetRef      string   `yaml:"dataset_ref"`
	TrainTimeout    Duration `yaml:"train_timeout"`
	QueueSize       int      `yaml:"queue_size"`
	HistorySize     int      `yaml:"history_size"`
}

// StoreConfig 存储配置
type StoreConfig struct {
	Driver   string   `yaml:"driver"` // memory 或 mongo
	MongoURI string   `yaml:"mongo_uri"`
	Database string   `yaml:"database"`
	Timeout  Duration `yaml:"timeout"`
}

// MQTTConfig MQTT配置，Broker为空时不启用
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// MDNSConfig 服务发现配置
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

// Duration 支持 "400ms"、"30s" 这样的YAML写法
type Duration time.Duration

// UnmarshalYAML 解析时长字符串，纯数字按秒处理
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("无效的时长 %q", s)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML 输出为字符串形式
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D 返回 time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// Default 返回带全部默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Speech.Enabled = true
	cfg.Log.EnableConsole = true
	return cfg
}

// LoadConfig 从YAML文件加载配置
// 参数:
//   - configPath: 配置文件路径
//
// 返回:
//   - *Config: 加载的配置对象
//   - error: 如果加载失败，返回错误信息
func LoadConfig(configPath string) (*Config, error) {
	// 读取配置文件内容
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// 存储配置文件路径
	cfg.ConfigPath = configPath
	return cfg, nil
}

// Parse 解析YAML内容，填充默认值并校验
func Parse(data []byte) (*Config, error) {
	// 先放入默认值再解析，未出现的布尔开关保持默认
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ChannelArity == 0 {
		c.ChannelArity = 11
	}

	if c.WebSocket.Host == "" {
		c.WebSocket.Host = "0.0.0.0"
	}
	if c.WebSocket.Port == 0 {
		c.WebSocket.Port = 8000
	}
	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/ws/predict"
	}
	if c.WebSocket.ReadTimeout == 0 {
		c.WebSocket.ReadTimeout = Duration(60 * time.Second)
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = Duration(20 * time.Second)
	}
	if c.WebSocket.RateLimit == 0 {
		c.WebSocket.RateLimit = 33 // 约每30ms一帧
	}
	if c.WebSocket.FrameQueue == 0 {
		c.WebSocket.FrameQueue = 32
	}

	if c.Inference.URL == "" {
		c.Inference.URL = "http://127.0.0.1:8001"
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = Duration(2 * time.Second)
	}
	if c.Trainer.URL == "" {
		c.Trainer.URL = "http://127.0.0.1:8001"
	}
	if c.Trainer.Timeout == 0 {
		c.Trainer.Timeout = Duration(10 * time.Second)
	}
	if c.Trainer.PollInterval == 0 {
		c.Trainer.PollInterval = Duration(5 * time.Second)
	}
	if c.TTS.URL == "" {
		c.TTS.URL = "http://127.0.0.1:8002"
	}
	if c.TTS.Timeout == 0 {
		c.TTS.Timeout = Duration(5 * time.Second)
	}
	if c.TTS.SampleRate == 0 {
		c.TTS.SampleRate = 16000
	}

	if c.Stream.URL == "" {
		c.Stream.URL = "ws://127.0.0.1:8000/ws/predict"
	}
	if c.Stream.Encoding == "" {
		c.Stream.Encoding = "json"
	}
	if c.Stream.BaseBackoff == 0 {
		c.Stream.BaseBackoff = Duration(time.Second)
	}
	if c.Stream.MaxBackoff == 0 {
		c.Stream.MaxBackoff = Duration(30 * time.Second)
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = Duration(5 * time.Second)
	}
	if c.Stream.EventBuffer == 0 {
		c.Stream.EventBuffer = 64
	}

	if c.Speech.CooldownMs == 0 {
		c.Speech.CooldownMs = 400
	}
	if c.Speech.SpeakTimeout == 0 {
		c.Speech.SpeakTimeout = Duration(10 * time.Second)
	}
	if c.Speech.IdleLabels == nil {
		c.Speech.IdleLabels = []string{"hand_resting", "basic_movement", "none", "unknown"}
	}

	if c.AutoTrain.RepeatThreshold == 0 {
		c.AutoTrain.RepeatThreshold = 10
	}
	if c.AutoTrain.TrainThreshold == 0 {
		c.AutoTrain.TrainThreshold = 50
	}
	if c.AutoTrain.DatasetRef == "" {
		c.AutoTrain.DatasetRef = "sensor_data"
	}
	if c.AutoTrain.TrainTimeout == 0 {
		c.AutoTrain.TrainTimeout = Duration(30 * time.Minute)
	}
	if c.AutoTrain.QueueSize == 0 {
		c.AutoTrain.QueueSize = 256
	}
	if c.AutoTrain.HistorySize == 0 {
		c.AutoTrain.HistorySize = 32
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.MongoURI == "" {
		c.Store.MongoURI = "mongodb://localhost:27017"
	}
	if c.Store.Database == "" {
		c.Store.Database = "sign_glove"
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = Duration(5 * time.Second)
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "signglove-server"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "signglove"
	}

	if c.MDNS.Instance == "" {
		c.MDNS.Instance = "signglove"
	}
	if c.MDNS.Service == "" {
		c.MDNS.Service = "_signglove._tcp"
	}
	if c.MDNS.Domain == "" {
		c.MDNS.Domain = "local."
	}

	// 设置日志配置的默认值（如果未指定）
	if c.Log.LogLevel == "" {
		c.Log.LogLevel = "info"
	}
}

// Validate 检查配置之间的约束
func (c *Config) Validate() error {
	var errs []error
	if c.ChannelArity < 0 {
		errs = append(errs, fmt.Errorf("channel_arity 不能为负数: %d", c.ChannelArity))
	}
	if c.Stream.MaxBackoff < c.Stream.BaseBackoff {
		errs = append(errs, fmt.Errorf("stream.max_backoff(%s) 小于 base_backoff(%s)",
			c.Stream.MaxBackoff.D(), c.Stream.BaseBackoff.D()))
	}
	if c.Stream.Encoding != "json" && c.Stream.Encoding != "msgpack" {
		errs = append(errs, fmt.Errorf("未知的 stream.encoding: %s", c.Stream.Encoding))
	}
	if c.AutoTrain.RepeatThreshold < 1 {
		errs = append(errs, fmt.Errorf("autotrain.repeat_threshold 必须大于0"))
	}
	if c.AutoTrain.TrainThreshold < 1 {
		errs = append(errs, fmt.Errorf("autotrain.train_threshold 必须大于0"))
	}
	if c.Speech.CooldownMs < 0 {
		errs = append(errs, fmt.Errorf("speech.cooldown_ms 不能为负数"))
	}
	if c.Speech.MinConfidence < 0 || c.Speech.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("speech.min_confidence 必须在[0,1]之间"))
	}
	switch c.Store.Driver {
	case "memory", "mongo":
	default:
		errs = append(errs, fmt.Errorf("未知的 store.driver: %s", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// SpeechCooldown 返回播报冷却时间
func (c *Config) SpeechCooldown() time.Duration {
	return time.Duration(c.Speech.CooldownMs) * time.Millisecond
}

// ListenAddr 返回服务监听地址
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.WebSocket.Host, c.WebSocket.Port)
}
