// Package http provides the request dispatcher shared by every API client:
// base URL resolution, default headers, basic auth, request interceptors and
// a chain of response interceptors that may ask for a resend.
//
// Sends
//   - A Throttler, when configured, is consulted before every send, resends included.
//   - Optional pacing (Builder.WithPacing) waits on the caller's context first.
//   - Request interceptors run before every send and see the request about to go out.
//
// Response interceptors
//   - Run in registration order on every response.
//   - Returning a request replaces the current response: it is drained, closed,
//     appended to Chain.History and the new request is sent on the same goroutine.
//   - Errors are returned unchanged so callers can match them with errors.Is/As.
//   - Builder.WithMaxResends caps the number of resends of one call.
//
// Errors
//   - Transport failures become NetworkError or TimeoutError.
//   - A non-2xx final response is returned together with a *StatusError.
//   - Nothing is retried unless an interceptor asks for it.
package http
