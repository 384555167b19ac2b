package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
)

// Classification is the retry decision for one failed attempt.
type Classification struct {
	Kind        gatewayerr.Kind
	Retryable   bool
	BackoffHint time.Duration // minimum delay before the next attempt, 0 for none
	Status      int
	Message     string
}

// StatusRule maps an inclusive status range onto a classification.
type StatusRule struct {
	Min, Max  int
	Kind      gatewayerr.Kind
	Retryable bool
}

// RetryPolicy is the table consulted for every failed attempt. Rules are
// evaluated in order; the first match wins.
type RetryPolicy struct {
	Statuses []StatusRule
	// Conditions not expressed as a status.
	Timeout      Classification
	Reset        Classification
	CircuitOpen  Classification
	Malformed    Classification
	Unclassified Classification
}

// DefaultRetryPolicy retries 5xx, 429, 408, timeouts and connection resets.
var DefaultRetryPolicy = RetryPolicy{
	Statuses: []StatusRule{
		{Min: 408, Max: 408, Kind: gatewayerr.KindTimeout, Retryable: true},
		{Min: 429, Max: 429, Kind: gatewayerr.KindUpstreamUnavailable, Retryable: true},
		{Min: 400, Max: 499, Kind: gatewayerr.KindUpstreamRejected, Retryable: false},
		{Min: 500, Max: 599, Kind: gatewayerr.KindUpstreamUnavailable, Retryable: true},
	},
	Timeout:      Classification{Kind: gatewayerr.KindTimeout, Retryable: true},
	Reset:        Classification{Kind: gatewayerr.KindTransport, Retryable: true},
	CircuitOpen:  Classification{Kind: gatewayerr.KindUpstreamUnavailable, Retryable: false},
	Malformed:    Classification{Kind: gatewayerr.KindUpstreamUnavailable, Retryable: false},
	Unclassified: Classification{Kind: gatewayerr.KindTransport, Retryable: true},
}

// Classify maps a transport error onto a retry decision.
func (p RetryPolicy) Classify(err error) Classification {
	var se *StatusError
	if errors.As(err, &se) {
		return p.classifyStatus(se.Code, se.Message, se.RetryAfter)
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c := p.CircuitOpen
		c.Message = "circuit open"
		return c
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		c := p.Malformed
		c.Message = pe.Error()
		return c
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return p.Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: gatewayerr.KindTimeout, Retryable: false, Message: "cancelled"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return p.Timeout
	}
	if isConnectionError(err) {
		return p.Reset
	}

	// Some transports only surface the status inside the error text.
	if code, ok := statusFromText(err.Error()); ok {
		return p.classifyStatus(code, err.Error(), 0)
	}
	return p.Unclassified
}

func (p RetryPolicy) classifyStatus(code int, msg string, retryAfter time.Duration) Classification {
	for _, r := range p.Statuses {
		if code >= r.Min && code <= r.Max {
			return Classification{
				Kind:        r.Kind,
				Retryable:   r.Retryable,
				BackoffHint: retryAfter,
				Status:      code,
				Message:     msg,
			}
		}
	}
	return Classification{Kind: gatewayerr.KindUpstreamUnavailable, Status: code, Message: msg}
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "connection reset", "no such host", "broken pipe", "network is unreachable"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var statusPattern = regexp.MustCompile(`(?i)status(?: code)?[ :=]+(\d{3})`)

func statusFromText(msg string) (int, bool) {
	m := statusPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
