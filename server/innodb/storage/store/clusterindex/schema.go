package clusterindex

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
)

// ColumnType 列类型
type ColumnType int

const (
	ColumnTypeInt ColumnType = iota
	ColumnTypeVarchar
	ColumnTypeDecimal
)

func (ct ColumnType) String() string {
	switch ct {
	case ColumnTypeInt:
		return "INT"
	case ColumnTypeVarchar:
		return "VARCHAR"
	case ColumnTypeDecimal:
		return "DECIMAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(ct))
	}
}

// ParseColumnType 解析列类型名称（大小写不敏感）
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INT", "BIGINT", "INTEGER":
		return ColumnTypeInt, nil
	case "VARCHAR", "STRING", "TEXT":
		return ColumnTypeVarchar, nil
	case "DECIMAL", "NUMERIC":
		return ColumnTypeDecimal, nil
	default:
		return 0, errors.Wrapf(basic.ErrInvalidSchema, "unknown column type %q", s)
	}
}

// Column 列定义
type Column struct {
	Name    string
	Type    ColumnType
	Mutable bool
}

// Schema 表结构及列可变性策略
//
// 哪些列允许在创建后修改由这张表决定，而不是写死在代码里。
// 偏移 0 固定为聚簇键。
type Schema struct {
	Table   string
	Columns []Column
}

// DefaultSchema 默认表结构：id、name 不可变，只有 num 可更新
func DefaultSchema() *Schema {
	return &Schema{
		Table: "t",
		Columns: []Column{
			{Name: "id", Type: ColumnTypeInt},
			{Name: "name", Type: ColumnTypeVarchar},
			{Name: "num", Type: ColumnTypeDecimal, Mutable: true},
		},
	}
}

// NewSchema 创建并校验表结构
func NewSchema(table string, columns []Column) (*Schema, error) {
	s := &Schema{Table: table, Columns: columns}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate 校验表结构
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return errors.Wrap(basic.ErrInvalidSchema, "no columns")
	}
	key := s.Columns[0]
	if key.Type != ColumnTypeInt {
		return errors.Wrapf(basic.ErrInvalidSchema, "clustering key %s must be INT", key.Name)
	}
	if key.Mutable {
		return errors.Wrapf(basic.ErrInvalidSchema, "clustering key %s must be immutable", key.Name)
	}

	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return errors.Wrap(basic.ErrInvalidSchema, "empty column name")
		}
		if _, dup := seen[c.Name]; dup {
			return errors.Wrapf(basic.ErrInvalidSchema, "duplicate column %s", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// ColumnCount 列数
func (s *Schema) ColumnCount() int {
	return len(s.Columns)
}

// ColumnExists 偏移是否有效
func (s *Schema) ColumnExists(offset int) bool {
	return offset >= 0 && offset < len(s.Columns)
}

// Column 返回偏移对应的列定义
func (s *Schema) Column(offset int) (Column, error) {
	if !s.ColumnExists(offset) {
		return Column{}, errors.Wrapf(basic.ErrInvalidColumnOffset, "offset %d of table %s", offset, s.Table)
	}
	return s.Columns[offset], nil
}

// ColumnOffset 按名称查找列偏移
func (s *Schema) ColumnOffset(name string) (int, bool) {
	for i, c := range s.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// IsMutable 列是否允许在创建后修改
func (s *Schema) IsMutable(offset int) bool {
	return s.ColumnExists(offset) && s.Columns[offset].Mutable
}

// Coerce 把值转换成列类型的规范表示
func (s *Schema) Coerce(offset int, v interface{}) (interface{}, error) {
	col, err := s.Column(offset)
	if err != nil {
		return nil, err
	}

	switch col.Type {
	case ColumnTypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		}
	case ColumnTypeVarchar:
		if x, ok := v.(string); ok {
			return x, nil
		}
	case ColumnTypeDecimal:
		switch x := v.(type) {
		case decimal.Decimal:
			return x, nil
		case int:
			return decimal.NewFromInt(int64(x)), nil
		case int64:
			return decimal.NewFromInt(x), nil
		case float64:
			return decimal.NewFromFloat(x), nil
		case string:
			d, err := decimal.NewFromString(x)
			if err != nil {
				return nil, errors.Wrapf(basic.ErrInvalidValue, "column %s: %v", col.Name, err)
			}
			return d, nil
		}
	}
	return nil, errors.Wrapf(basic.ErrInvalidValue, "column %s %s: unsupported value %T", col.Name, col.Type, v)
}
