package dedupe

type options struct {
	maxSize int
}

// Option applies a configuration option to a Deduper.
type Option func(*options)

// WithMaxSize bounds the number of remembered keys. The oldest key is
// forgotten first. Zero or negative keeps every key.
func WithMaxSize(size int) Option {
	return func(o *options) {
		o.maxSize = size
	}
}
