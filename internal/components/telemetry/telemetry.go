package telemetry

import (
	"fmt"
)

// API is the logging/metrics surface every component reports through, plugins
// and the host included. Swapping it out in tests lets assertions be made on
// what a sign-in run reported.
//
// note: fault injection point
type API interface {
	// ReportBroken reports a component that failed in a way someone should look at.
	//
	// `id` names the component, not the line that broke. A failed attendance request
	// in the nodeseek bot is reported as `client.sign`, and ScopedAPI takes care of
	// prefixing the plugin. Put extra detail in params or in the wrapped error.
	//
	// Formatting rules:
	// 1) all lowercase
	// 2) use underscores for large components
	// 3) use dashes for methods part of a larger component
	ReportBroken(id string, params ...any)

	// ReportWarning reports something that is not necessarily broken (a site
	// answering "already signed", a cookie that expired) but is worth noticing.
	ReportWarning(id string, params ...any)

	// ReportDebug reports debug information that is dropped unless debug logging is on.
	ReportDebug(msg string, params ...any)

	// ReportCount reports the current value of a counter, these are points over
	// time and should not be summed.
	ReportCount(id string, count int64)
}

// ScopedAPI attaches a namespace to every report, like a sub logger.
type ScopedAPI struct {
	namespace string
	inner     API
}

// NewScopedAPI creates a ScopedAPI out of a given namespace and another api.
func NewScopedAPI(namespace string, inner API) ScopedAPI {
	return ScopedAPI{namespace: namespace, inner: inner}
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(fmt.Sprintf("%s: %s", s.namespace, id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(fmt.Sprintf("%s: %s", s.namespace, id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(fmt.Sprintf("%s: %s", s.namespace, msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(fmt.Sprintf("%s: %s", s.namespace, id), count)
}
