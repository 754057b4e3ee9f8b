package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesToFile(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	conf := payroll.TestConfig()
	conf.Log.Level = "debug"
	conf.Log.Format = "json"
	conf.Log.Path = filepath.Join(t.TempDir(), "payroll.log")

	log, err := Init(conf)
	require.NoError(t, err)
	zap.L().Named("test").Debug("hello", zap.String("k", "v"))
	log.Sync()

	b, err := os.ReadFile(conf.Log.Path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), `"msg":"hello"`), string(b))
	assert.True(t, strings.Contains(string(b), `"logger":"test"`), string(b))
}

func TestInitRejectsBadLevel(t *testing.T) {
	conf := payroll.TestConfig()
	conf.Log.Level = "loud"
	_, err := Init(conf)
	assert.Error(t, err)
}
