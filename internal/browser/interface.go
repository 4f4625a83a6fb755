package browser

import (
	"context"
	"time"
)

// Page is a single isolated browser tab. The mitigation, evidence and runner
// packages work against this interface so they can be exercised without Chrome.
type Page interface {
	ID() string

	Navigate(ctx context.Context, url string) error
	// AddInitScript registers a script that runs in every new document before
	// any page script. It must be called before Navigate to affect the first load.
	AddInitScript(ctx context.Context, source string) error
	// Intercept adds a rule to the tab's paused-request handler. Requests no
	// rule matches continue unchanged.
	Intercept(ctx context.Context, rule InterceptRule) error
	// SubscribeNetwork streams network events to obs until ctx is done.
	SubscribeNetwork(ctx context.Context, obs NetworkObserver) error

	Fill(ctx context.Context, selector, value string) error
	Check(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	RequestSubmit(ctx context.Context, formSelector string) error

	Evaluate(ctx context.Context, expression string, res interface{}) error
	Location(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)

	Close(ctx context.Context) error
}

// RequestEvent is emitted when the tab issues a request.
type RequestEvent struct {
	ID        string
	Method    string
	URL       string
	Timestamp time.Time
}

// ResponseEvent is emitted when response headers arrive.
type ResponseEvent struct {
	ID         string
	URL        string
	Status     int
	StatusText string
}

// NetworkObserver receives the tab's network events. Calls arrive on the
// CDP event goroutine and must not block.
type NetworkObserver interface {
	OnRequest(ev RequestEvent)
	OnResponse(ev ResponseEvent)
	// OnFinished is called once a request completes or fails.
	OnFinished(requestID string)
}
