package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Worker struct {
		// 任务消费者并发数
		Concurrency int `yaml:"concurrency"`
		// 文本/图片阶段硬超时（分钟）
		StageTimeoutMinutes int `yaml:"stage_timeout_minutes"`
		// 视频阶段硬超时（分钟），外部生成较慢，单独放宽
		VideoTimeoutMinutes int `yaml:"video_timeout_minutes"`
		// 任务运行器自身的重试预算（与阶段的 max_retries 相互独立）
		MaxRetry int `yaml:"max_retry"`
	} `yaml:"worker"`

	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
}

var AppConfig *Config

func InitConfig() {
	f, err := os.Open("config/config.yaml")
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}
	applyDefaults(AppConfig)
}

func applyDefaults(c *Config) {
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 5
	}
	if c.Worker.StageTimeoutMinutes <= 0 {
		c.Worker.StageTimeoutMinutes = 15
	}
	if c.Worker.VideoTimeoutMinutes <= 0 {
		c.Worker.VideoTimeoutMinutes = 40
	}
	if c.Worker.MaxRetry <= 0 {
		c.Worker.MaxRetry = 3
	}
}

// StageTimeout 返回指定阶段任务的硬超时
func (c *Config) StageTimeout(stageType string) time.Duration {
	if stageType == "video_generation" {
		return time.Duration(c.Worker.VideoTimeoutMinutes) * time.Minute
	}
	return time.Duration(c.Worker.StageTimeoutMinutes) * time.Minute
}
