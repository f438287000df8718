package karst

import (
	"karst/internal/fio"
	"karst/internal/logging"
)

// Option adjusts engine-wide behavior at Init time.
type Option interface {
	apply()
}

type optionFunc func()

func (f optionFunc) apply() { f() }

// WithLogLevel sets the process-wide log level: debug, info, warn, error.
func WithLogLevel(level string) Option {
	return optionFunc(func() {
		logging.SetLevel(logging.ParseLevel(level))
	})
}

// WithPriorityOp sets the initial drain preference of the per-disk queues.
func WithPriorityOp(op PriorityOp) Option {
	return optionFunc(func() {
		fio.Queues().SetPriorityOp(op)
	})
}
