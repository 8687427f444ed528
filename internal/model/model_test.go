package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDayKey(t *testing.T) {
	tests := []struct {
		name      string
		timestamp uint64
		want      string
	}{
		{name: "epoch", timestamp: 0, want: "0"},
		{name: "last second of first day", timestamp: 86399, want: "0"},
		{name: "first second of second day", timestamp: 86400, want: "86400"},
		{name: "mid day", timestamp: 1700000000, want: "1699920000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DayKey(tt.timestamp))
		})
	}
}

func TestDayKey_SameWindow(t *testing.T) {
	base := uint64(19000) * SecondsPerDay
	want := DayKey(base)
	for _, offset := range []uint64{0, 1, 3600, 43200, 86399} {
		assert.Equal(t, want, DayKey(base+offset), "offset %d", offset)
	}
	assert.NotEqual(t, want, DayKey(base+SecondsPerDay))
}

func TestDailyMetric_Clone(t *testing.T) {
	m := NewDailyMetric("86400")
	m.Price = decimal.NewFromInt(3)
	m.Positions = []PositionValue{{Name: "TOKEN-MIM", MarketValue: decimal.NewFromInt(10)}}

	c := m.Clone()
	c.Positions[0].Name = "changed"
	c.Price = decimal.NewFromInt(4)

	assert.Equal(t, "TOKEN-MIM", m.Positions[0].Name)
	assert.True(t, m.Price.Equal(decimal.NewFromInt(3)))
	assert.Nil(t, (*DailyMetric)(nil).Clone())
}
