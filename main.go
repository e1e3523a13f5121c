package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/zhukovaskychina/xmysql-concurrency/logger"
	"github.com/zhukovaskychina/xmysql-concurrency/server/conf"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/clusterindex"
)

const help = `
******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定my.ini配置文件
******************************************************************************************
`

func main() {
	var configPath string
	var showHelp bool
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&showHelp, "help", false, "显示帮助")
	flag.Parse()
	if showHelp {
		fmt.Print(help)
		return
	}

	config, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置文件时有异常: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	logger.Infof("isolation %s, lock_wait_timeout %s, deadlock_detect %v",
		config.InnodbTransactionIsolation, config.InnodbLockWaitTimeout, config.InnodbDeadlockDetect)

	schema, err := config.Schema()
	if err != nil {
		logger.Fatalf("加载表结构失败: %v", err)
	}

	tm := manager.NewTransactionManager(config)
	defer tm.Close()

	if err := run(tm, clusterindex.NewClusteredIndex(schema.Table, schema)); err != nil {
		logger.Fatalf("demo failed: %v", err)
	}
	logger.Infof("lock stats: %+v", tm.LockManager().Stats())
}

// run 演示：未提交的插入对旧快照不可见，共享读排在插入事务之后
func run(tm *manager.TransactionManager, idx *clusterindex.ClusteredIndex) error {
	ctx := context.Background()

	reader, err := tm.Begin(ctx, uuid.New())
	if err != nil {
		return err
	}
	if _, err := reader.ReadView(); err != nil {
		return err
	}

	writer, err := tm.Begin(ctx, uuid.New())
	if err != nil {
		return err
	}
	values := make([]interface{}, idx.Schema().ColumnCount())
	values[0] = int64(5)
	for i := 1; i < len(values); i++ {
		switch idx.Schema().Columns[i].Type {
		case clusterindex.ColumnTypeVarchar:
			values[i] = "five"
		default:
			values[i] = 5
		}
	}
	if _, err := writer.Insert(idx, values); err != nil {
		return err
	}

	e, err := reader.Get(idx, 5, lock.LockModeNone)
	if err != nil {
		return err
	}
	logger.Infof("trx %d snapshot read of key 5 before commit: %v", reader.ID, e)

	shared, err := tm.Begin(ctx, uuid.New())
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		e, err := shared.Get(idx, 5, lock.LockModeShared)
		if err == nil {
			logger.Infof("trx %d share mode read of key 5: %v", shared.ID, e)
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := writer.Commit(); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}

	e, err = reader.Get(idx, 5, lock.LockModeNone)
	if err != nil {
		return err
	}
	logger.Infof("trx %d snapshot read of key 5 after commit: %v", reader.ID, e)

	if err := shared.Commit(); err != nil {
		return err
	}
	return reader.Commit()
}
