package common

import (
	"fmt"
	"sort"
	"time"
)

// Execution status values. Terminal values other than the ones listed here are
// defined by the workers and stored verbatim.
const (
	StatusPending         = "pending"
	StatusDispatchFailed  = "dispatch-failed"
	StatusFinishedSuccess = "EXECUTION_FINISHED_SUCCESS"
	StatusFinishedError   = "EXECUTION_FINISHED_ERROR"
)

const (
	DetailSourceContext = "context"
	DetailSourceResult  = "result"

	// DefaultResultSeries is stored until a response names a produced series.
	DefaultResultSeries = "unknown"

	// SharedClientID is the session id used when all callers share one session.
	SharedClientID = "9a76b01b9c359215f3f48cddbba8f145"

	// MaxStatusStringLen bounds ServiceHealthEntry.StatusString.
	MaxStatusStringLen = 254

	// SeriesType marks a parameter or result field that names an image series.
	SeriesType = "series"
)

// Detail is one provenance entry of an execution: an input taken from the
// request context or an output taken from the response result.
type Detail struct {
	Source string `json:"source"`
	Name   string `json:"name"`
	Value  any    `json:"value"`
}

// ExecutionRecord tracks one request/response pair.
// Status moves from pending to a terminal value exactly once; Details only grows.
type ExecutionRecord struct {
	ExecutionID  string         `json:"executionId"`
	ClientID     string         `json:"clientId"`
	AnalyticName string         `json:"analyticName"`
	Input        string         `json:"input"`
	Status       string         `json:"status"`
	RequestTime  time.Time      `json:"requestTime"`
	ResponseTime *time.Time     `json:"responseTime,omitempty"`
	Details      []Detail       `json:"details"`
	ResultSeries string         `json:"resultSeries"`
	Result       map[string]any `json:"result,omitempty"`
}

// IsPending reports whether the record is still waiting for a response.
func (r *ExecutionRecord) IsPending() bool {
	return r.Status == StatusPending
}

// Clone returns a copy that shares no slices or maps with r.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Details = append([]Detail(nil), r.Details...)
	if r.Result != nil {
		out.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			out.Result[k] = v
		}
	}
	if r.ResponseTime != nil {
		t := *r.ResponseTime
		out.ResponseTime = &t
	}
	return &out
}

// NewPendingRecord builds the record the dispatcher persists before sending.
// Context entries become details in key order.
func NewPendingRecord(executionID, clientID, analytic string, context map[string]any, now time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ExecutionID:  executionID,
		ClientID:     clientID,
		AnalyticName: analytic,
		Status:       StatusPending,
		RequestTime:  now,
		Details:      DetailsFrom(DetailSourceContext, context),
		ResultSeries: DefaultResultSeries,
	}
}

// DetailsFrom converts a context or result object into detail entries sorted
// by name. Result entries shaped like {"value": v} contribute v.
func DetailsFrom(source string, fields map[string]any) []Detail {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	details := make([]Detail, 0, len(names))
	for _, name := range names {
		value := fields[name]
		if source == DetailSourceResult {
			value = FieldValue(value)
		}
		details = append(details, Detail{Source: source, Name: name, Value: value})
	}
	return details
}

// FieldValue unwraps {"type": ..., "value": v} result entries to v.
func FieldValue(entry any) any {
	if m, ok := entry.(map[string]any); ok {
		if v, ok := m["value"]; ok {
			return v
		}
	}
	return entry
}

// FieldType returns the "type" of a result entry, if any.
func FieldType(entry any) string {
	if m, ok := entry.(map[string]any); ok {
		if t, ok := m["type"].(string); ok {
			return t
		}
	}
	return ""
}

// SeriesString renders a series value for display.
func SeriesString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// ClientInfo is the durable row of a client session.
type ClientInfo struct {
	ID                string    `json:"id"`
	ResponsesExpected int       `json:"responsesExpected"`
	LastTouched       time.Time `json:"lastTouched"`
}

// ServiceHealthEntry is the last known probe result for one analytic endpoint.
// StatusCode 0 means the entry has not been probed yet.
type ServiceHealthEntry struct {
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	Type         string     `json:"type"`
	LastChecked  *time.Time `json:"lastChecked,omitempty"`
	StatusCode   int        `json:"statusCode"`
	StatusString string     `json:"statusString"`
}

// Unhealthy reports whether the entry was probed and did not answer 200.
func (e ServiceHealthEntry) Unhealthy() bool {
	return e.StatusCode != 0 && e.StatusCode != 200
}

// Message directions for MessageLogEntry.
const (
	DirectionRequest  = "request"
	DirectionResponse = "response"
)

// MessageLogEntry is a raw broker message kept for audit.
type MessageLogEntry struct {
	ExecutionID string    `json:"executionId"`
	ClientID    string    `json:"clientId"`
	Direction   string    `json:"direction"`
	Body        []byte    `json:"body"`
	LoggedAt    time.Time `json:"loggedAt"`
}
