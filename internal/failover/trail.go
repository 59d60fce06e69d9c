package failover

import (
	"strconv"
	"strings"
)

// Step is one attempt of a request: Routed -> Forwarding(role) -> outcome.
type Step struct {
	Role     string // "primary" | "backup"
	Endpoint string // host:port
	Status   int    // 0 when the attempt produced no response
	Reason   Reason
}

func (s Step) outcome() string {
	switch {
	case s.Status == 0 && s.Reason != None:
		return s.Reason.String()
	case s.Status == 0:
		return "-"
	}
	return strconv.Itoa(s.Status)
}

// Trail is the ordered list of attempts made for one request.
type Trail []Step

// String renders the trail as "primary:502,backup:200".
func (t Trail) String() string {
	if len(t) == 0 {
		return ""
	}
	var b strings.Builder
	for i, s := range t {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s.Role)
		b.WriteByte(':')
		b.WriteString(s.outcome())
	}
	return b.String()
}

// Failedover reports whether more than one attempt was made.
func (t Trail) Failedover() bool { return len(t) > 1 }
