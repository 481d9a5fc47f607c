package domain

import "time"

// RateLimitConfig is maintained by the admin application; the gateway only reads it.
type RateLimitConfig struct {
	TenantID                    string    `json:"reseller_id" gorm:"primaryKey;size:64"`
	MessagesPerMinute           int       `json:"messages_per_minute"`
	MessagesPerHour             int       `json:"messages_per_hour"`
	DelayBetweenMessagesSeconds int       `json:"delay_between_messages_seconds"`
	UpdatedAt                   time.Time `json:"updated_at"`
}

func (RateLimitConfig) TableName() string {
	return "rate_limit_config"
}

func (c *RateLimitConfig) Delay() time.Duration {
	return time.Duration(c.DelayBetweenMessagesSeconds) * time.Second
}
