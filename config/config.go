package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port         int    `envconfig:"SPEAKME_PORT" default:"5555"`
	WriteTimeout int    `envconfig:"SPEAKME_WRITE_TIMEOUT" default:"30"` // seconds
	MaxFrameSize int    `envconfig:"SPEAKME_MAX_FRAME" default:"4194304"`
	QueueSize    int    `envconfig:"SPEAKME_QUEUE_SIZE" default:"256"`
	ArchivePath  string `envconfig:"SPEAKME_ARCHIVE_PATH"`
	AMQPURL      string `envconfig:"SPEAKME_AMQP_URL"`
	AMQPExchange string `envconfig:"SPEAKME_AMQP_EXCHANGE" default:"speakme.events"`
	MetricsAddr  string `envconfig:"SPEAKME_METRICS_ADDR"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
