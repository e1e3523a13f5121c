package conf

import (
	"os"

	jerrors "github.com/juju/errors"
	"github.com/pelletier/go-toml"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/clusterindex"
)

/*
table = "t"

[[columns]]
name    = "id"
type    = "int"
mutable = false
*/
type schemaFile struct {
	Table   string         `toml:"table"`
	Columns []schemaColumn `toml:"columns"`
}

type schemaColumn struct {
	Name    string `toml:"name"`
	Type    string `toml:"type"`
	Mutable bool   `toml:"mutable"`
}

// LoadSchema 从 TOML 文件读取表结构（列类型和可变性）
func LoadSchema(path string) (*clusterindex.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, jerrors.Annotatef(err, "读取表结构文件 %s 失败", path)
	}
	return ParseSchema(data)
}

// ParseSchema 解析 TOML 表结构
func ParseSchema(data []byte) (*clusterindex.Schema, error) {
	var sf schemaFile
	if err := toml.Unmarshal(data, &sf); err != nil {
		return nil, jerrors.Annotate(err, "解析表结构失败")
	}

	columns := make([]clusterindex.Column, 0, len(sf.Columns))
	for _, c := range sf.Columns {
		ct, err := clusterindex.ParseColumnType(c.Type)
		if err != nil {
			return nil, jerrors.Annotatef(err, "column %s", c.Name)
		}
		columns = append(columns, clusterindex.Column{Name: c.Name, Type: ct, Mutable: c.Mutable})
	}
	schema, err := clusterindex.NewSchema(sf.Table, columns)
	if err != nil {
		return nil, jerrors.Trace(err)
	}
	return schema, nil
}
