// internal/capture/recorder.go
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/classifier"
	"github.com/xkilldash9x/formprobe/internal/config"
)

// ErrAlreadyAttached is returned when Attach is called twice without Detach.
var ErrAlreadyAttached = errors.New("capture: recorder already attached")

// Source is anything that can stream network events, normally a browser.Page.
type Source interface {
	SubscribeNetwork(ctx context.Context, obs browser.NetworkObserver) error
}

// Recorder keeps the allow-listed requests and responses of one submission.
// Both logs are bounded; once full the oldest entries are dropped.
type Recorder struct {
	logger    *zap.Logger
	max       int
	allowList []string

	mu        sync.Mutex
	requests  []classifier.CapturedRequest
	responses []classifier.CapturedResponse
	inflight  map[string]struct{}
	dropped   int
	cancel    context.CancelFunc
}

var _ browser.NetworkObserver = (*Recorder)(nil)

// NewRecorder creates a detached recorder.
func NewRecorder(cfg config.CaptureConfig, logger *zap.Logger) *Recorder {
	max := cfg.MaxEntries
	if max <= 0 {
		max = 1
	}
	allow := make([]string, 0, len(cfg.AllowList))
	for _, a := range cfg.AllowList {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			allow = append(allow, a)
		}
	}
	return &Recorder{
		logger:    logger.Named("capture"),
		max:       max,
		allowList: allow,
		inflight:  make(map[string]struct{}),
	}
}

// Attach starts listening on src. The subscription lives until Detach or ctx is done.
func (r *Recorder) Attach(ctx context.Context, src Source) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return ErrAlreadyAttached
	}
	listenCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	if err := src.SubscribeNetwork(listenCtx, r); err != nil {
		r.Detach()
		return fmt.Errorf("capture: failed to subscribe: %w", err)
	}
	r.logger.Debug("Network capture attached.")
	return nil
}

// Detach stops listening. Captured entries stay readable.
func (r *Recorder) Detach() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.logger.Debug("Network capture detached.", zap.Int("requests", len(r.Requests())), zap.Int("dropped", r.Dropped()))
	}
}

func (r *Recorder) allowed(url string) bool {
	lower := strings.ToLower(url)
	for _, a := range r.allowList {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}

func (r *Recorder) listening() bool { return r.cancel != nil }

// OnRequest implements browser.NetworkObserver.
func (r *Recorder) OnRequest(ev browser.RequestEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.listening() {
		return
	}

	// Every request counts towards idleness, not only allow-listed ones.
	r.inflight[ev.ID] = struct{}{}
	if !r.allowed(ev.URL) {
		return
	}
	if len(r.requests) >= r.max {
		r.requests = r.requests[1:]
		r.dropped++
	}
	r.requests = append(r.requests, classifier.CapturedRequest{Method: ev.Method, URL: ev.URL, Timestamp: ev.Timestamp})
}

// OnResponse implements browser.NetworkObserver.
func (r *Recorder) OnResponse(ev browser.ResponseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.listening() || !r.allowed(ev.URL) {
		return
	}
	if len(r.responses) >= r.max {
		r.responses = r.responses[1:]
		r.dropped++
	}
	r.responses = append(r.responses, classifier.CapturedResponse{URL: ev.URL, Status: ev.Status, StatusText: ev.StatusText})
}

// OnFinished implements browser.NetworkObserver.
func (r *Recorder) OnFinished(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, requestID)
}

// Requests returns a copy of the captured requests.
func (r *Recorder) Requests() []classifier.CapturedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]classifier.CapturedRequest{}, r.requests...)
}

// Responses returns a copy of the captured responses.
func (r *Recorder) Responses() []classifier.CapturedResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]classifier.CapturedResponse{}, r.responses...)
}

// Dropped returns how many entries were evicted to keep the bound.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// InFlight returns the number of requests without a finish event.
func (r *Recorder) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// WaitIdle blocks until no request has been in flight for quiet, or ctx is done.
func (r *Recorder) WaitIdle(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	ticker := time.NewTicker(quiet / 2)
	defer ticker.Stop()

	idleSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := r.InFlight(); n > 0 {
				idleSince = now
				r.logger.Debug("Waiting for network idle...", zap.Int("inflight_requests", n))
				continue
			}
			if now.Sub(idleSince) >= quiet {
				return nil
			}
		}
	}
}
