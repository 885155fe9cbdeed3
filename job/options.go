package job

import "time"

// Options configures a job at enqueue time.
type Options struct {
	// MaxAttempts overrides the dispatcher default retry budget.
	MaxAttempts int

	// NotBefore delays the first attempt. Zero means immediately.
	NotBefore time.Time
}

// Option is a functional option applied when a job is created.
type Option func(*Options)

// WithMaxAttempts sets the attempt budget for the job. Values below one
// are ignored.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithNotBefore schedules the first attempt no earlier than t.
func WithNotBefore(t time.Time) Option {
	return func(o *Options) {
		o.NotBefore = t
	}
}
