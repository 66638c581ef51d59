package metering

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPeriodFor(t *testing.T) {
	tests := []struct {
		name      string
		anchorDay int
		ref       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "ref after anchor day in the same month",
			anchorDay: 15,
			ref:       time.Date(2025, time.March, 20, 9, 30, 0, 0, time.UTC),
			wantStart: date(2025, time.March, 15),
			wantEnd:   date(2025, time.April, 15),
		},
		{
			name:      "ref before anchor day falls into the previous period",
			anchorDay: 15,
			ref:       date(2025, time.March, 10),
			wantStart: date(2025, time.February, 15),
			wantEnd:   date(2025, time.March, 15),
		},
		{
			name:      "ref exactly on the anchor day starts a new period",
			anchorDay: 15,
			ref:       date(2025, time.March, 15),
			wantStart: date(2025, time.March, 15),
			wantEnd:   date(2025, time.April, 15),
		},
		{
			name:      "anchor 31 clamps to the last day of February",
			anchorDay: 31,
			ref:       date(2025, time.February, 10),
			wantStart: date(2025, time.January, 31),
			wantEnd:   date(2025, time.February, 28),
		},
		{
			name:      "anchor 31 clamps to Feb 29 in a leap year",
			anchorDay: 31,
			ref:       time.Date(2024, time.February, 29, 12, 0, 0, 0, time.UTC),
			wantStart: date(2024, time.February, 29),
			wantEnd:   date(2024, time.March, 31),
		},
		{
			// A naive one-month subtraction from Mar 30 normalizes to Mar 2
			// and picks Mar 31 as the start, which lies after the reference.
			name:      "ref late in March before a clamped anchor 31",
			anchorDay: 31,
			ref:       time.Date(2025, time.March, 30, 12, 0, 0, 0, time.UTC),
			wantStart: date(2025, time.February, 28),
			wantEnd:   date(2025, time.March, 31),
		},
		{
			name:      "ref late in March before a clamped anchor 31 in a leap year",
			anchorDay: 31,
			ref:       date(2024, time.March, 30),
			wantStart: date(2024, time.February, 29),
			wantEnd:   date(2024, time.March, 31),
		},
		{
			name:      "clamped start still ends on the anchor day of the next month",
			anchorDay: 31,
			ref:       date(2025, time.March, 31),
			wantStart: date(2025, time.March, 31),
			wantEnd:   date(2025, time.April, 30),
		},
		{
			name:      "anchor 1 spans a whole calendar month",
			anchorDay: 1,
			ref:       date(2025, time.June, 18),
			wantStart: date(2025, time.June, 1),
			wantEnd:   date(2025, time.July, 1),
		},
		{
			name:      "period crosses a year boundary",
			anchorDay: 20,
			ref:       date(2026, time.January, 5),
			wantStart: date(2025, time.December, 20),
			wantEnd:   date(2026, time.January, 20),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PeriodFor(tt.anchorDay, tt.ref)
			assert.Equal(t, tt.wantStart, p.Start)
			assert.Equal(t, tt.wantEnd, p.End)
		})
	}

	t.Run("start is normalized to midnight UTC", func(t *testing.T) {
		ref := time.Date(2025, time.May, 20, 13, 45, 59, 123, time.FixedZone("CEST", 2*3600))
		p := PeriodFor(5, ref)

		require.Equal(t, time.UTC, p.Start.Location())
		assert.Equal(t, 0, p.Start.Hour())
		assert.Equal(t, 0, p.Start.Minute())
		assert.Equal(t, date(2025, time.May, 5), p.Start)
	})

	t.Run("out of range anchor days are clamped", func(t *testing.T) {
		ref := date(2025, time.July, 15)
		assert.Equal(t, PeriodFor(1, ref), PeriodFor(0, ref))
		assert.Equal(t, PeriodFor(1, ref), PeriodFor(-3, ref))
		assert.Equal(t, PeriodFor(31, ref), PeriodFor(99, ref))
	})
}

func TestPeriod_Contains(t *testing.T) {
	p := Period{Start: date(2025, time.March, 15), End: date(2025, time.April, 15)}

	assert.True(t, p.Contains(p.Start), "start is inclusive")
	assert.True(t, p.Contains(date(2025, time.April, 14)))
	assert.False(t, p.Contains(p.End), "end is exclusive")
	assert.False(t, p.Contains(date(2025, time.March, 14)))
}

func TestPeriodFor_ConsecutivePeriodsTile(t *testing.T) {
	// Walking a reference timestamp through a year must never find a gap or
	// an overlap between the period boundaries.
	ref := date(2025, time.January, 2)
	for i := 0; i < 365; i++ {
		p := PeriodFor(31, ref)
		require.True(t, p.Contains(ref), "ref %s not inside [%s, %s)", ref, p.Start, p.End)
		require.True(t, p.Start.Before(p.End))
		ref = ref.AddDate(0, 0, 1)
	}
}
