package engine

import (
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// logQueryFailure logs a failed pull or push query. The statement text is
// never logged since it may carry sensitive literals. When it shows up in
// the error message or a stack trace only the location that raised the
// error is logged.
func logQueryFailure(logger log.Logger, kind, text string, err error, keyvals ...any) {
	if containsStatement(err, text) {
		kv := []any{
			"msg", fmt.Sprintf("failure to execute %s query, not logging the error message since it contains the query string", kind),
			"location", errorLocation(err),
		}
		level.Error(logger).Log(append(kv, keyvals...)...)
	} else {
		kv := []any{"msg", fmt.Sprintf("failure to execute %s query", kind), "err", err}
		level.Error(logger).Log(append(kv, keyvals...)...)
	}
}

// containsStatement reports whether text appears, case insensitively, in
// the message or stack trace of any error in the chain of err.
func containsStatement(err error, text string) bool {
	stmt := strings.ToLower(strings.TrimSpace(text))
	if stmt == "" {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if strings.Contains(strings.ToLower(fmt.Sprintf("%+v", e)), stmt) {
			return true
		}
	}
	return false
}

// errorLocation returns the function and line of the innermost error in
// the chain of err that recorded a stack trace.
func errorLocation(err error) string {
	loc := "unknown"
	for e := err; e != nil; e = errors.Unwrap(e) {
		st, ok := e.(stackTracer)
		if !ok {
			continue
		}
		if frames := st.StackTrace(); len(frames) > 0 {
			loc = fmt.Sprintf("%n %v", frames[0], frames[0])
		}
	}
	return loc
}
