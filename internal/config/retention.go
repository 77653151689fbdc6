package config

import "time"

// MaxAge is the longest of the day, week and month windows (a month counts as
// 30 days). Zero means backups never expire by age.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r == nil {
		return 0
	}
	days := r.Days
	if r.Weeks*7 > days {
		days = r.Weeks * 7
	}
	if r.Months*30 > days {
		days = r.Months * 30
	}
	if days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}
