package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 5555, cfg.Port)
	require.Equal(t, 30, cfg.WriteTimeout)
	require.Equal(t, 4*1024*1024, cfg.MaxFrameSize)
	require.Equal(t, 256, cfg.QueueSize)
	require.Equal(t, "speakme.events", cfg.AMQPExchange)

	// Архив, AMQP и метрики выключены, пока не настроены
	require.Empty(t, cfg.ArchivePath)
	require.Empty(t, cfg.AMQPURL)
	require.Empty(t, cfg.MetricsAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SPEAKME_PORT", "9000")
	t.Setenv("SPEAKME_MAX_FRAME", "1024")
	t.Setenv("SPEAKME_ARCHIVE_PATH", "/var/lib/speakme/archive.db")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 1024, cfg.MaxFrameSize)
	require.Equal(t, "/var/lib/speakme/archive.db", cfg.ArchivePath)
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("SPEAKME_PORT", "not-a-port")

	_, err := Load()
	require.Error(t, err)
}
