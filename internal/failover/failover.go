// Package failover decides when a proxied request is retried against the next
// endpoint of its service.
package failover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Reason classifies the outcome of one upstream attempt.
type Reason int

const (
	None Reason = iota
	Error
	Timeout
	HTTP404
	HTTP500
	HTTP502
	HTTP503
	HTTP504
)

var reasonNames = map[Reason]string{
	None:    "none",
	Error:   "error",
	Timeout: "timeout",
	HTTP404: "http_404",
	HTTP500: "http_500",
	HTTP502: "http_502",
	HTTP503: "http_503",
	HTTP504: "http_504",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ParseReason maps a config token ("error", "timeout", "http_502", ...) to a Reason.
func ParseReason(s string) (Reason, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range reasonNames {
		if r != None && name == s {
			return r, nil
		}
	}
	return None, fmt.Errorf("unknown failover reason %q", s)
}

func ParseReasons(ss []string) ([]Reason, error) {
	out := make([]Reason, 0, len(ss))
	for _, s := range ss {
		r, err := ParseReason(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ErrAttemptTimeout is the cancel cause used when an attempt runs out of time.
var ErrAttemptTimeout = errors.New("upstream attempt timed out")

// Classify maps a transport error or response status to a Reason.
// The status is ignored when err is non-nil.
func Classify(err error, status int) Reason {
	if err != nil {
		if IsTimeout(err) {
			return Timeout
		}
		return Error
	}
	switch status {
	case 404:
		return HTTP404
	case 500:
		return HTTP500
	case 502:
		return HTTP502
	case 503:
		return HTTP503
	case 504:
		return HTTP504
	}
	return None
}

func IsTimeout(err error) bool {
	if errors.Is(err, ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Policy holds the retry triggers and the attempt budget.
type Policy struct {
	On    []Reason
	Tries int // total attempts, including the first
}

// DefaultPolicy retries once on error, timeout or 502.
func DefaultPolicy() Policy {
	return Policy{On: []Reason{Error, Timeout, HTTP502}, Tries: 2}
}

// NewPolicy builds a Policy from config tokens.
func NewPolicy(on []string, tries int) (Policy, error) {
	rs, err := ParseReasons(on)
	if err != nil {
		return Policy{}, err
	}
	if tries < 1 {
		tries = 1
	}
	return Policy{On: rs, Tries: tries}, nil
}

// Triggers reports whether r is one of the configured retry triggers.
func (p Policy) Triggers(r Reason) bool {
	if r == None {
		return false
	}
	for _, x := range p.On {
		if x == r {
			return true
		}
	}
	return false
}

// Retry reports whether attempt number n (1-based) that ended with r may be
// followed by another attempt.
func (p Policy) Retry(r Reason, n int) bool {
	return n < p.Tries && p.Triggers(r)
}

// Unhealthy reports whether the outcome counts against the endpoint's health.
// Errors, timeouts and 5xx triggers count; a triggered 404 does not.
func (p Policy) Unhealthy(r Reason) bool {
	switch r {
	case Error, Timeout:
		return true
	case None, HTTP404:
		return false
	}
	return p.Triggers(r)
}
