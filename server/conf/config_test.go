package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/clusterindex"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("文件不存在使用默认配置", func(t *testing.T) {
		cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: filepath.Join(t.TempDir(), "missing.ini")})
		require.NoError(t, err)
		assert.Equal(t, basic.RepeatableRead, cfg.InnodbTransactionIsolation)
		assert.Equal(t, 50*time.Second, cfg.InnodbLockWaitTimeout)
		assert.True(t, cfg.InnodbDeadlockDetect)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("读取innodb和logs段", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "my.ini", `
[innodb]
transaction_isolation = repeatable-read
lock_wait_timeout     = 250ms
deadlock_detect       = false
schema_file           = /tmp/schema.toml

[logs]
log_error = /tmp/error.log
log_level = DEBUG
`)
		cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, basic.RepeatableRead, cfg.InnodbTransactionIsolation)
		assert.Equal(t, 250*time.Millisecond, cfg.InnodbLockWaitTimeout)
		assert.False(t, cfg.InnodbDeadlockDetect)
		assert.Equal(t, "/tmp/schema.toml", cfg.InnodbSchemaFile)
		assert.Equal(t, "/tmp/error.log", cfg.LogError)
		assert.Equal(t, "/var/log/mysql/mysql.log", cfg.LogInfos)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "250ms", cfg.GetString("innodb.lock_wait_timeout"))
	})

	t.Run("锁等待超时按秒解析", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "my.ini", "[innodb]\nlock_wait_timeout = 0\n")
		cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), cfg.InnodbLockWaitTimeout)
	})

	t.Run("非法取值", func(t *testing.T) {
		for _, content := range []string{
			"[innodb]\ntransaction_isolation = SNAPSHOT\n",
			"[innodb]\nlock_wait_timeout = -1\n",
			"[innodb]\nlock_wait_timeout = soon\n",
		} {
			path := writeFile(t, t.TempDir(), "my.ini", content)
			_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
			require.Error(t, err, content)
			assert.Equal(t, basic.ErrInvalidParameter, jerrors.Cause(err), content)
		}
	})

	t.Run("无效日志级别回退到info", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "my.ini", "[logs]\nlog_level = loud\n")
		cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.LogLevel)
	})
}

func TestLoadSchema(t *testing.T) {
	dir := t.TempDir()

	t.Run("读取表结构", func(t *testing.T) {
		path := writeFile(t, dir, "schema.toml", `
table = "account"

[[columns]]
name = "id"
type = "int"

[[columns]]
name = "owner"
type = "varchar"

[[columns]]
name    = "balance"
type    = "decimal"
mutable = true
`)
		schema, err := LoadSchema(path)
		require.NoError(t, err)
		assert.Equal(t, "account", schema.Table)
		require.Equal(t, 3, schema.ColumnCount())
		assert.Equal(t, clusterindex.ColumnTypeVarchar, schema.Columns[1].Type)
		assert.False(t, schema.IsMutable(1))
		assert.True(t, schema.IsMutable(2))

		cfg := NewCfg()
		cfg.InnodbSchemaFile = path
		fromCfg, err := cfg.Schema()
		require.NoError(t, err)
		assert.Equal(t, schema, fromCfg)
	})

	t.Run("默认表结构", func(t *testing.T) {
		schema, err := NewCfg().Schema()
		require.NoError(t, err)
		assert.Equal(t, clusterindex.DefaultSchema(), schema)
	})

	t.Run("非法表结构", func(t *testing.T) {
		_, err := ParseSchema([]byte("table = \"x\"\n[[columns]]\nname = \"id\"\ntype = \"blob\"\n"))
		assert.Error(t, err)

		_, err = ParseSchema([]byte("table = \"x\"\n[[columns]]\nname = \"id\"\ntype = \"int\"\nmutable = true\n"))
		assert.Error(t, err)

		_, err = LoadSchema(filepath.Join(dir, "missing.toml"))
		assert.Error(t, err)
	})
}
