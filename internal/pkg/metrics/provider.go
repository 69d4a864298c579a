package metrics

import "github.com/google/wire"

// NewSink builds the process-wide prometheus sink on a private registry.
// The sink always collects; whether the exposition endpoint is mounted is
// the server's decision.
func NewSink() *PromSink {
	return NewPromSink(nil)
}

var ProviderSet = wire.NewSet(
	NewSink,
	wire.Bind(new(Sink), new(*PromSink)),
)
