package domain

var Tables = []interface{}{
	&Session{},
	&Message{},
	&RateLimitConfig{},
}
