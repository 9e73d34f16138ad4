package telemetry

import "sync"

// Report is a single call made on a RecordingAPI.
type Report struct {
	Kind   string
	ID     string
	Params []any
}

// RecordingAPI keeps every report in memory, it is meant for tests that want
// to assert that a component reported (or did not report) something.
type RecordingAPI struct {
	mutex   sync.Mutex
	reports []Report
}

func (r *RecordingAPI) record(kind, id string, params []any) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.reports = append(r.reports, Report{Kind: kind, ID: id, Params: params})
}

func (r *RecordingAPI) ReportBroken(id string, params ...any) {
	r.record("broken", id, params)
}

func (r *RecordingAPI) ReportWarning(id string, params ...any) {
	r.record("warning", id, params)
}

func (r *RecordingAPI) ReportDebug(msg string, params ...any) {
	r.record("debug", msg, params)
}

func (r *RecordingAPI) ReportCount(id string, count int64) {
	r.record("count", id, []any{count})
}

// Reports returns the reports of the given kind.
func (r *RecordingAPI) Reports(kind string) []Report {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var out []Report
	for _, rep := range r.reports {
		if rep.Kind == kind {
			out = append(out, rep)
		}
	}
	return out
}
