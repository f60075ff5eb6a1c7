package task

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultAsyncHTTPPollInterval is the delay between status polls for async
// HTTP calls when the polled endpoint doesn't send a Retry-After header.
const DefaultAsyncHTTPPollInterval = 30 * time.Second

// HTTPRequest describes a durable HTTP call. The call itself is performed
// by the host; the orchestration only records the request and awaits the
// recorded response.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`

	// AsynchronousPatternEnabled turns on the async HTTP polling
	// protocol: a 202 response with a Location header starts a poll loop
	// of durable timers and follow-up GETs, all inside the deterministic
	// model, until a non-202 response arrives.
	AsynchronousPatternEnabled bool `json:"asynchronous_pattern_enabled,omitempty"`
}

// HTTPResponse is the recorded outcome of a durable HTTP call.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// CallHTTP schedules a durable HTTP call and returns a task that settles
// with an HTTPResponse.
//
// With AsynchronousPatternEnabled, every poll is itself a replayable
// timer/call pair, so replaying reproduces the complete poll sequence.
func (octx *OrchestrationContext) CallHTTP(req HTTPRequest) Task {
	t := octx.scheduleHTTP(req)
	if !req.AsynchronousPatternEnabled {
		return t
	}
	ct, ok := t.(*completableTask)
	if !ok {
		// Scheduling was rejected (for example after ContinueAsNew).
		return t
	}
	return octx.wrapAsyncHTTP(ct, req)
}

func (octx *OrchestrationContext) scheduleHTTP(req HTTPRequest) Task {
	if octx.continuedAsNew {
		return failedTask(octx, ErrContinuedAsNew)
	}

	action := &Action{
		Type:     ActionCallHTTP,
		CallHTTP: &CallHTTPAction{Request: req},
	}
	return octx.registerAction(action, req.URL)
}

// wrapAsyncHTTP decorates an HTTP task with the async polling protocol.
func (octx *OrchestrationContext) wrapAsyncHTTP(ct *completableTask, req HTTPRequest) Task {
	return &taskWrapper{
		delegate: ct,
		onAwaitResult: func(v any, err error) error {
			if err != nil {
				return err
			}

			var resp HTTPResponse
			if len(ct.result) > 0 {
				if uerr := json.Unmarshal(ct.result, &resp); uerr != nil {
					return uerr
				}
			}

			location := headerValue(resp.Headers, "Location")
			if resp.StatusCode != http.StatusAccepted || location == "" {
				return nil
			}

			if timerErr := octx.CreateTimer(pollDelay(resp.Headers)).Await(nil); timerErr != nil {
				return timerErr
			}

			poll := HTTPRequest{
				Method:                     http.MethodGet,
				URL:                        location,
				Headers:                    req.Headers,
				AsynchronousPatternEnabled: true,
			}
			next := octx.scheduleHTTP(poll)
			nct, ok := next.(*completableTask)
			if !ok {
				return next.Await(v)
			}
			return octx.wrapAsyncHTTP(nct, poll).Await(v)
		},
	}
}

// pollDelay returns the Retry-After duration from the response headers, or
// the default poll interval.
func pollDelay(headers map[string]string) time.Duration {
	if v := headerValue(headers, "Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultAsyncHTTPPollInterval
}

// headerValue performs a case-insensitive header lookup.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
