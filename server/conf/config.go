package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jerrors "github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-concurrency/logger"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/clusterindex"
)

// DefaultConfigFile 未指定配置文件时使用的路径
const DefaultConfigFile = "conf/my.ini"

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
[innodb]
transaction_isolation = REPEATABLE-READ
lock_wait_timeout     = 50
deadlock_detect       = true
schema_file           = conf/schema.toml

[logs]
log_error = /var/log/mysql/error.log
log_infos = /var/log/mysql/mysql.log
log_level = info
*/
type Cfg struct {
	Raw *ini.File

	// logs
	LogError string `default:"/var/log/mysql/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"/var/log/mysql/mysql.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// innodb
	InnodbTransactionIsolation basic.IsolationLevel `default:"REPEATABLE-READ" yaml:"transaction_isolation" json:"transaction_isolation,omitempty"`
	InnodbLockWaitTimeout      time.Duration        `default:"50s" yaml:"lock_wait_timeout" json:"lock_wait_timeout,omitempty"`
	InnodbDeadlockDetect       bool                 `default:"true" yaml:"deadlock_detect" json:"deadlock_detect,omitempty"`
	InnodbSchemaFile           string               `default:"" yaml:"schema_file" json:"schema_file,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw: ini.Empty(),
		// Logs 默认配置
		LogError: "/var/log/mysql/error.log",
		LogInfos: "/var/log/mysql/mysql.log",
		LogLevel: "info",
		// InnoDB 默认配置
		InnodbTransactionIsolation: basic.RepeatableRead,
		InnodbLockWaitTimeout:      50 * time.Second,
		InnodbDeadlockDetect:       true,
	}
}

// Load 读取配置文件，文件不存在时使用默认配置
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		return nil, jerrors.Trace(err)
	}
	cfg.Raw = iniFile

	if err := cfg.parseInnodbCfg(cfg.Raw.Section("innodb")); err != nil {
		return nil, jerrors.Annotate(err, "section [innodb]")
	}
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := DefaultConfigFile
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", configFile)
		return ini.Empty(), nil
	}

	parsedFile, err := ini.Load(configFile)
	if err != nil {
		return nil, jerrors.Annotatef(err, "解析配置文件 %s 失败", configFile)
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return parsedFile, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	value := strings.TrimSpace(section.Key(keyName).MustString(defaultValue))
	if value == "" {
		return defaultValue
	}
	return value
}

func (cfg *Cfg) parseInnodbCfg(section *ini.Section) error {
	if section == nil {
		return nil
	}

	isolation := valueAsString(section, "transaction_isolation", cfg.InnodbTransactionIsolation.String())
	level, ok := basic.ParseIsolationLevel(strings.ToUpper(isolation))
	if !ok {
		return jerrors.Annotatef(basic.ErrInvalidParameter, "transaction_isolation %q", isolation)
	}
	cfg.InnodbTransactionIsolation = level

	timeout, err := parseTimeout(valueAsString(section, "lock_wait_timeout", ""), cfg.InnodbLockWaitTimeout)
	if err != nil {
		return jerrors.Annotate(err, "lock_wait_timeout")
	}
	cfg.InnodbLockWaitTimeout = timeout

	cfg.InnodbDeadlockDetect = section.Key("deadlock_detect").MustBool(cfg.InnodbDeadlockDetect)
	cfg.InnodbSchemaFile = valueAsString(section, "schema_file", cfg.InnodbSchemaFile)
	return nil
}

// parseTimeout 纯数字按秒解析（与 innodb_lock_wait_timeout 一致），否则按 Go 时长解析
func parseTimeout(value string, defaultValue time.Duration) (time.Duration, error) {
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, jerrors.Annotatef(basic.ErrInvalidParameter, "negative timeout %d", secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, jerrors.Annotatef(basic.ErrInvalidParameter, "timeout %q", value)
	}
	if d < 0 {
		return 0, jerrors.Annotatef(basic.ErrInvalidParameter, "negative timeout %s", value)
	}
	return d, nil
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	if section == nil {
		return
	}
	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)

	logLevel := strings.ToLower(valueAsString(section, "log_level", cfg.LogLevel))
	switch logLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
		cfg.LogLevel = logLevel
	default:
		logger.Debugf("警告: 无效的日志级别 '%s', 使用默认级别 'info'", logLevel)
		cfg.LogLevel = "info"
	}
}

// Schema 配置的表结构，未配置 schema_file 时使用默认表结构
func (cfg *Cfg) Schema() (*clusterindex.Schema, error) {
	if cfg.InnodbSchemaFile == "" {
		return clusterindex.DefaultSchema(), nil
	}
	return LoadSchema(cfg.InnodbSchemaFile)
}

// GetString 按 "section.key" 读取原始配置
func (cfg *Cfg) GetString(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return ""
	}
	section, err := cfg.Raw.GetSection(parts[0])
	if err != nil {
		return ""
	}
	return valueAsString(section, strings.Join(parts[1:], "."), "")
}
