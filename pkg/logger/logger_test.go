package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_JSON格式带组件字段(t *testing.T) {
	Init(Config{Level: "debug", Format: "json"})
	var buf bytes.Buffer
	SetOutput(&buf)

	WithProvider("apiclient", "finnhub").Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "apiclient", line["component"])
	assert.Equal(t, "finnhub", line["provider"])
	assert.Equal(t, "hello", line["msg"])
}

func TestInit_非法级别回退到Info(t *testing.T) {
	Init(Config{Level: "verbose"})
	assert.Equal(t, logrus.InfoLevel, GetLogger().GetLevel())

	SetLevel("WARN")
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())
}

func TestInit_文件输出(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finapi.log")
	Init(Config{Level: "info", Format: "text", Output: "file", Filename: path, MaxSize: 1})

	Infof("written to %s", "file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestInitFromEnv_DEBUG开关(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DEBUG", "1")
	InitFromEnv()
	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())
}
