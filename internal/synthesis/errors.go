package synthesis

import (
	"fmt"
	"strings"
)

// SynthesisError reports a failed backend call. Status is zero when the
// request never produced an HTTP response.
type SynthesisError struct {
	Phase  string
	Status int
	Body   string
	Err    error
}

func (e *SynthesisError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "synthesis %s failed", e.Phase)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
		if e.Body != "" {
			fmt.Fprintf(&b, " (%s)", e.Body)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SynthesisError) Unwrap() error { return e.Err }
