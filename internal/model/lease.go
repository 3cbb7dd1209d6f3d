package model

import "time"

// LeasePolicy は購読リース秒数の既定値と上下限を保持する。
type LeasePolicy struct {
	Default int
	Min     int
	Max     int
}

// Clamp は要求されたリース秒数を[Min, Max]に丸める。
// 範囲内の値はそのまま返す。
func (p LeasePolicy) Clamp(requested int) int {
	if requested < p.Min {
		return p.Min
	}
	if requested > p.Max {
		return p.Max
	}
	return requested
}

// ExpiresAt はnowからleaseSeconds秒後のUNIX秒を返す。
func ExpiresAt(now time.Time, leaseSeconds int) int64 {
	return now.Unix() + int64(leaseSeconds)
}
