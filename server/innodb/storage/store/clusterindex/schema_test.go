package clusterindex

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
)

func TestSchema(t *testing.T) {
	s := DefaultSchema()
	require.NoError(t, s.Validate())
	assert.False(t, s.IsMutable(0))
	assert.False(t, s.IsMutable(1))
	assert.True(t, s.IsMutable(2))
	assert.False(t, s.IsMutable(3))

	off, ok := s.ColumnOffset("num")
	assert.True(t, ok)
	assert.Equal(t, 2, off)

	t.Run("校验", func(t *testing.T) {
		cases := [][]Column{
			nil,
			{{Name: "id", Type: ColumnTypeVarchar}},
			{{Name: "id", Type: ColumnTypeInt, Mutable: true}},
			{{Name: "id", Type: ColumnTypeInt}, {Name: "id", Type: ColumnTypeInt}},
			{{Name: "id", Type: ColumnTypeInt}, {Type: ColumnTypeInt}},
		}
		for i, cols := range cases {
			_, err := NewSchema("x", cols)
			assert.True(t, errors.Is(err, basic.ErrInvalidSchema), "case %d", i)
		}
	})

	t.Run("类型转换", func(t *testing.T) {
		v, err := s.Coerce(0, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)

		v, err = s.Coerce(2, 1.5)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromFloat(1.5).Equal(v.(decimal.Decimal)))

		_, err = s.Coerce(2, "abc")
		assert.True(t, errors.Is(err, basic.ErrInvalidValue))

		_, err = s.Coerce(1, 1)
		assert.True(t, errors.Is(err, basic.ErrInvalidValue))

		_, err = s.Coerce(5, 1)
		assert.True(t, errors.Is(err, basic.ErrInvalidColumnOffset))
	})

	t.Run("类型名解析", func(t *testing.T) {
		ct, err := ParseColumnType("decimal")
		require.NoError(t, err)
		assert.Equal(t, ColumnTypeDecimal, ct)
		_, err = ParseColumnType("blob")
		assert.Error(t, err)
	})
}
