package actor

// Metrics is what the registry reports. All methods are thread-safe.
type Metrics interface {
	ServicesLive(n int)
	HandlerPanic(name string)
	HandlerError(name string)
	Undeliverable()
}

type nopMetrics struct{}

func (nopMetrics) ServicesLive(int)    {}
func (nopMetrics) HandlerPanic(string) {}
func (nopMetrics) HandlerError(string) {}
func (nopMetrics) Undeliverable()      {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
