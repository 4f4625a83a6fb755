package browser

import "context"

// CombineContext returns a context derived from primary, so it keeps the CDP
// target values, that is also canceled when secondary is done. chromedp needs
// the former while the caller's deadline lives on the latter.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
