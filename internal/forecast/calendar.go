package forecast

import (
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
)

// TargetDate issue + h 달력일, 주말이면 다음 월요일로 이동
// 휴장일 캘린더는 적용하지 않음
func TargetDate(issue time.Time, h int) time.Time {
	d := contracts.DateOnly(issue).AddDate(0, 0, h)
	for isWeekend(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// TargetDates returns the target date for horizons 1..horizon
func TargetDates(issue time.Time, horizon int) []time.Time {
	out := make([]time.Time, horizon)
	for h := 1; h <= horizon; h++ {
		out[h-1] = TargetDate(issue, h)
	}
	return out
}

func isWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
