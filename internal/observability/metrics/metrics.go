package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// stream authentication outcomes, forwarding resolution, admission decisions,
// and the streaming session store. It coordinates concurrent writers via a
// RWMutex while exposing thread-safe gauges for live stream and session
// tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	streamEvents     map[string]uint64
	authOutcomes     map[string]uint64
	forwardingPaths  map[string]uint64
	admissionResults map[string]uint64
	sessionEvents    map[string]uint64
	activeStreams    atomic.Int64
	activeSessions   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		streamEvents:     make(map[string]uint64),
		authOutcomes:     make(map[string]uint64),
		forwardingPaths:  make(map[string]uint64),
		admissionResults: make(map[string]uint64),
		sessionEvents:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamStarted records a start lifecycle event and increments the active
// stream gauge atomically so concurrent sessions remain consistent.
func (r *Recorder) StreamStarted() {
	r.incrementEvent(r.streamEvents, "start")
	r.activeStreams.Add(1)
}

// StreamStopped records a stop lifecycle event and decrements the active
// stream gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.incrementEvent(r.streamEvents, "stop")
	r.decrementGauge(&r.activeStreams)
}

// ObserveAuthOutcome records the outcome of one stream-start authentication
// attempt (e.g. "success", "invalid_key", "duplicate", "quota_denied").
func (r *Recorder) ObserveAuthOutcome(outcome string) {
	r.incrementEvent(r.authOutcomes, outcome)
}

// ObserveForwardingLookup records which resolution path served a forwarding
// lookup ("session", "source", "legacy", "miss").
func (r *Recorder) ObserveForwardingLookup(path string) {
	r.incrementEvent(r.forwardingPaths, path)
}

// ObserveAdmission records the admission-control decision ("allowed",
// "denied", "error").
func (r *Recorder) ObserveAdmission(result string) {
	r.incrementEvent(r.admissionResults, result)
}

// SessionCreated records a streaming session creation and increments the
// active session gauge.
func (r *Recorder) SessionCreated() {
	r.incrementEvent(r.sessionEvents, "created")
	r.activeSessions.Add(1)
}

// SessionRevoked records explicitly revoked sessions.
func (r *Recorder) SessionRevoked(count int) {
	for i := 0; i < count; i++ {
		r.incrementEvent(r.sessionEvents, "revoked")
		r.decrementGauge(&r.activeSessions)
	}
}

// SessionsSwept records sessions removed by the periodic expiry sweep.
func (r *Recorder) SessionsSwept(count int) {
	for i := 0; i < count; i++ {
		r.incrementEvent(r.sessionEvents, "swept")
		r.decrementGauge(&r.activeSessions)
	}
}

// ActiveStreams exposes the current gauge of concurrently live streams.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// ActiveSessions exposes the current gauge of valid streaming sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// AuthOutcomes returns a copy of the authentication outcome counters for
// testing and reporting purposes.
func (r *Recorder) AuthOutcomes() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.authOutcomes))
	for k, v := range r.authOutcomes {
		out[k] = v
	}
	return out
}

func (r *Recorder) incrementEvent(counters map[string]uint64, event string) {
	normalized := strings.ToLower(strings.TrimSpace(event))
	if normalized == "" {
		normalized = "unknown"
	}
	r.mu.Lock()
	counters[normalized]++
	r.mu.Unlock()
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.authOutcomes = make(map[string]uint64)
	r.forwardingPaths = make(map[string]uint64)
	r.admissionResults = make(map[string]uint64)
	r.sessionEvents = make(map[string]uint64)
	r.activeStreams.Store(0)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP neustream_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE neustream_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "neustream_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP neustream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE neustream_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "neustream_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP neustream_stream_events_total Stream lifecycle events by type")
	fmt.Fprintln(w, "# TYPE neustream_stream_events_total counter")
	for _, event := range sortedKeys(r.streamEvents) {
		fmt.Fprintf(w, "neustream_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP neustream_stream_auth_total Stream-start authentication attempts by outcome")
	fmt.Fprintln(w, "# TYPE neustream_stream_auth_total counter")
	for _, outcome := range sortedKeys(r.authOutcomes) {
		fmt.Fprintf(w, "neustream_stream_auth_total{outcome=\"%s\"} %d\n", outcome, r.authOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP neustream_forwarding_lookups_total Forwarding lookups by resolution path")
	fmt.Fprintln(w, "# TYPE neustream_forwarding_lookups_total counter")
	for _, path := range sortedKeys(r.forwardingPaths) {
		fmt.Fprintf(w, "neustream_forwarding_lookups_total{path=\"%s\"} %d\n", path, r.forwardingPaths[path])
	}

	fmt.Fprintln(w, "# HELP neustream_admission_checks_total Admission-control decisions by result")
	fmt.Fprintln(w, "# TYPE neustream_admission_checks_total counter")
	for _, result := range sortedKeys(r.admissionResults) {
		fmt.Fprintf(w, "neustream_admission_checks_total{result=\"%s\"} %d\n", result, r.admissionResults[result])
	}

	fmt.Fprintln(w, "# HELP neustream_session_events_total Streaming session store events by type")
	fmt.Fprintln(w, "# TYPE neustream_session_events_total counter")
	for _, event := range sortedKeys(r.sessionEvents) {
		fmt.Fprintf(w, "neustream_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP neustream_active_streams Current number of open ledger entries")
	fmt.Fprintln(w, "# TYPE neustream_active_streams gauge")
	fmt.Fprintf(w, "neustream_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP neustream_active_sessions Current number of valid streaming sessions")
	fmt.Fprintln(w, "# TYPE neustream_active_sessions gauge")
	fmt.Fprintf(w, "neustream_active_sessions %d\n", r.activeSessions.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(counters map[string]uint64) []string {
	keys := make([]string, 0, len(counters))
	for key := range counters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses path segments that carry credentials or identifiers
// so metric cardinality stays bounded. Stream keys and session IDs appear as
// trailing path parameters on the ingest endpoints.
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "/"
	}
	for _, prefix := range []string{
		"/api/streams/forwarding/",
		"/api/streaming/sessions/check/",
		"/api/sources/",
	} {
		if strings.HasPrefix(trimmed, prefix) {
			return prefix + ":param"
		}
	}
	return trimmed
}
