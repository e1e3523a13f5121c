package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadView(t *testing.T) {
	// 活跃事务 2,3,5，当前事务 4，下一个分配 6
	rv := NewReadView([]TrxId{5, 2, 3, 4}, 6, 4)

	t.Run("基本属性测试", func(t *testing.T) {
		assert.Equal(t, TrxId(2), rv.GetUpLimitID())
		assert.Equal(t, TrxId(6), rv.GetLowLimitID())
		assert.Equal(t, TrxId(4), rv.GetCreatorTrxID())
		assert.Equal(t, []TrxId{2, 3, 5}, rv.GetActiveIDs())
	})

	t.Run("可见性规则测试", func(t *testing.T) {
		// 当前事务创建的版本
		assert.True(t, rv.IsVisible(4))

		// 小于最小活跃事务ID的版本
		assert.True(t, rv.IsVisible(1))

		// 大于等于下一个要分配的事务ID的版本
		assert.False(t, rv.IsVisible(6))
		assert.False(t, rv.IsVisible(7))

		// 活跃事务列表中的版本
		assert.False(t, rv.IsVisible(2))
		assert.False(t, rv.IsVisible(3))
		assert.False(t, rv.IsVisible(5))
	})

	t.Run("边界条件测试", func(t *testing.T) {
		// 空活跃事务列表
		emptyRv := NewReadView(nil, 3, 2)
		assert.Equal(t, TrxId(3), emptyRv.GetUpLimitID())
		assert.True(t, emptyRv.IsVisible(1))
		assert.True(t, emptyRv.IsVisible(2))
		assert.False(t, emptyRv.IsVisible(3))
	})

	t.Run("复杂场景测试", func(t *testing.T) {
		complexRv := NewReadView([]TrxId{2, 4, 6, 8}, 10, 5)

		visibilityTests := []struct {
			version  TrxId
			expected bool
		}{
			{1, true},
			{2, false},
			{3, true},
			{4, false},
			{5, true},
			{6, false},
			{7, true},
			{8, false},
			{9, true},
			{10, false},
			{11, false},
		}

		for _, tt := range visibilityTests {
			assert.Equal(t, tt.expected, complexRv.IsVisible(tt.version),
				"version %d should have visibility %v", tt.version, tt.expected)
		}
	})
}
