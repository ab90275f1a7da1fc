package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" INFO ":  INFO,
		"warning": WARN,
		"Error":   ERROR,
		"fatal":   FATAL,
		"unknown": INFO,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	defer SetLevel(INFO)

	SetLevel(WARN)
	Info("不应出现")
	Warn("槽位 %s 触发保护", "slot_1")

	assert.NotContains(t, buf.String(), "不应出现")
	assert.Contains(t, buf.String(), "槽位 slot_1 触发保护")
	assert.Equal(t, WARN, GetLevel())
}

func TestInitWithFile(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	defer SetLevel(INFO)

	path := filepath.Join(t.TempDir(), "logs", "slotmesh.log")
	require.NoError(t, Init(Options{Level: "debug", File: path, MaxSizeMB: 1}))
	Debug("写入文件 %d", 7)
	Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "写入文件 7")
}
