package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	cfg  *Config
	once sync.Once
)

// Config 全局配置结构
type Config struct {
	App     AppConfig     `yaml:"app"`
	OneBot  OneBotConfig  `yaml:"onebot"`
	Groups  []GroupConfig `yaml:"groups"`
	Chat    ChatConfig    `yaml:"chat"`    // 学习/回复引擎配置
	Storage StorageConfig `yaml:"storage"` // 持久化配置
	TTS     TTSConfig     `yaml:"tts"`     // 语音合成配置
	Server  ServerConfig  `yaml:"server"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`
}

// OneBotConfig OneBot协议配置
type OneBotConfig struct {
	WsURL             string `yaml:"ws_url"`
	AccessToken       string `yaml:"access_token"`
	ReconnectInterval int    `yaml:"reconnect_interval"`
}

// GroupConfig 群配置
type GroupConfig struct {
	GroupID int64 `yaml:"group_id"`
	Enabled bool  `yaml:"enabled"`
}

// ChatConfig 学习/回复引擎配置
type ChatConfig struct {
	AnswerThreshold       int     `yaml:"answer_threshold"`        // 回复阈值，值越小牛牛废话越多
	CrossGroupThreshold   int     `yaml:"cross_group_threshold"`   // N 个群有相同的回复，就跨群作为全局回复
	RepeatThreshold       int     `yaml:"repeat_threshold"`        // 复读阈值，群里连续多少次相同发言就跟着复读
	LoseSanityProbability float64 `yaml:"lose_sanity_probability"` // 精神错乱（回复没达到阈值的话）的概率
	SplitProbability      float64 `yaml:"split_probability"`       // 按逗号分割回复语的概率
	VoiceProbability      float64 `yaml:"voice_probability"`       // 回复语音的概率（仅纯文字）
	SaveTimeThreshold     int     `yaml:"save_time_threshold"`     // 每隔多久进行一次持久化（秒）
	SaveCountThreshold    int     `yaml:"save_count_threshold"`    // 单个群超过多少条聊天记录就持久化一次
	SaveReserveSize       int     `yaml:"save_reserve_size"`       // 持久化后内存中每个群保留的条数
}

// StorageConfig 持久化配置
type StorageConfig struct {
	Driver string      `yaml:"driver"` // mysql / memory
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig MySQL 数据库配置
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
}

// TTSConfig 百度语音合成配置
type TTSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	Speaker   int    `yaml:"speaker"` // 发音人，111 为度小萌
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	var err error
	once.Do(func() {
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return
		}

		cfg = &Config{}
		err = yaml.Unmarshal(data, cfg)
		if err != nil {
			cfg = nil
			return
		}

		cfg.ApplyDefaults()

		// 从环境变量覆盖敏感配置
		if token := os.Getenv("PALLAS_ONEBOT_TOKEN"); token != "" {
			cfg.OneBot.AccessToken = token
		}
		if password := os.Getenv("PALLAS_MYSQL_PASSWORD"); password != "" {
			cfg.Storage.MySQL.Password = password
		}
		if apiKey := os.Getenv("PALLAS_TTS_API_KEY"); apiKey != "" {
			cfg.TTS.APIKey = apiKey
		}
		if secretKey := os.Getenv("PALLAS_TTS_SECRET_KEY"); secretKey != "" {
			cfg.TTS.SecretKey = secretKey
		}
	})
	return cfg, err
}

// ApplyDefaults 为未配置项填充默认值
func (c *Config) ApplyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.OneBot.ReconnectInterval <= 0 {
		c.OneBot.ReconnectInterval = 5
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "mysql"
	}
	if c.TTS.Speaker <= 0 {
		c.TTS.Speaker = 111
	}
	c.Chat.ApplyDefaults()
}

// ApplyDefaults 填充引擎阈值默认值
func (c *ChatConfig) ApplyDefaults() {
	if c.AnswerThreshold <= 0 {
		c.AnswerThreshold = 3
	}
	if c.CrossGroupThreshold <= 0 {
		c.CrossGroupThreshold = 3
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = 3
	}
	// 概率项没配（零值）走默认值，配成负数表示明确关闭
	if c.LoseSanityProbability < 0 {
		c.LoseSanityProbability = 0
	} else if c.LoseSanityProbability == 0 {
		c.LoseSanityProbability = 0.1
	}
	if c.SplitProbability < 0 {
		c.SplitProbability = 0
	} else if c.SplitProbability == 0 {
		c.SplitProbability = 0.5
	}
	if c.SaveTimeThreshold <= 0 {
		c.SaveTimeThreshold = 3600
	}
	if c.SaveCountThreshold <= 0 {
		c.SaveCountThreshold = 1000
	}
	if c.SaveReserveSize <= 0 {
		c.SaveReserveSize = 100
	}
}

// Get 获取全局配置
func Get() *Config {
	return cfg
}

// GetGroupConfig 获取指定群的配置
func (c *Config) GetGroupConfig(groupID int64) *GroupConfig {
	for i := range c.Groups {
		if c.Groups[i].GroupID == groupID {
			return &c.Groups[i]
		}
	}
	return nil
}

// IsGroupEnabled 检查群是否启用
func (c *Config) IsGroupEnabled(groupID int64) bool {
	gc := c.GetGroupConfig(groupID)
	return gc != nil && gc.Enabled
}
