package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetentionMaxAge(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name string
		r    *RetentionConfig
		want time.Duration
	}{
		{"nil keeps forever", nil, 0},
		{"zero keeps forever", &RetentionConfig{MinKeep: 2}, 0},
		{"days only", &RetentionConfig{Days: 30}, 30 * day},
		{"weeks override when larger", &RetentionConfig{Days: 7, Weeks: 2}, 14 * day},
		{"months override when largest", &RetentionConfig{Days: 30, Weeks: 4, Months: 2}, 60 * day},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.MaxAge())
		})
	}
}
