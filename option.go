package msgsock

import (
	"github.com/prometheus/client_golang/prometheus"
)

// options holds the runtime collaborators of a Client, Server or Stream.
// Protocol parameters live in the settings types instead.
type options struct {
	logger Logger

	// registerer receives the Prometheus collectors; nil disables metrics.
	registerer prometheus.Registerer
	namespace  string
}

// Option is a function that configures runtime options.
type Option func(*options)

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that registers Prometheus collectors with
// registerer under the given namespace. Without it no metrics are collected.
func MetricsOption(registerer prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.registerer = registerer
		o.namespace = namespace
	}
}

// defaultNamespace prefixes metric names when MetricsOption is given an empty one.
const defaultNamespace = "msgsock"

// buildOptions applies opt over the defaults.
func buildOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.namespace == "" {
		opts.namespace = defaultNamespace
	}

	return opts
}
