package rpc

import (
	"math"
	"time"

	"github.com/imagvfx/stash"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// RunRequest is a request to run a job of a job definition.
// Zero values leave the definition as it is.
type RunRequest struct {
	Job      string    `json:"job" binding:"required"`
	Priority *int      `json:"priority"`
	Level    string    `json:"level"`
	Pool     string    `json:"pool"`
	When     time.Time `json:"when"`
}

// Struct converts the request to a protobuf struct.
func (r RunRequest) Struct() (*structpb.Struct, error) {
	m := map[string]interface{}{
		"job": r.Job,
	}
	if r.Priority != nil {
		m["priority"] = *r.Priority
	}
	if r.Level != "" {
		m["level"] = r.Level
	}
	if r.Pool != "" {
		m["pool"] = r.Pool
	}
	if !r.When.IsZero() {
		m["when"] = r.When.Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(m)
}

func runRequestFromStruct(s *structpb.Struct) (RunRequest, error) {
	f := s.GetFields()
	r := RunRequest{
		Job:   f["job"].GetStringValue(),
		Level: f["level"].GetStringValue(),
		Pool:  f["pool"].GetStringValue(),
	}
	if r.Job == "" {
		return RunRequest{}, errors.New("job required")
	}
	if v, ok := f["priority"]; ok {
		n := v.GetNumberValue()
		if n != math.Trunc(n) {
			return RunRequest{}, errors.Errorf("invalid priority: %v", n)
		}
		p := int(n)
		r.Priority = &p
	}
	if w := f["when"].GetStringValue(); w != "" {
		t, err := time.Parse(time.RFC3339Nano, w)
		if err != nil {
			return RunRequest{}, errors.Wrap(err, "invalid start time")
		}
		r.When = t
	}
	return r, nil
}

// Override converts the request to an override of the job definition.
func (r RunRequest) Override() (stash.RunOverride, error) {
	o := stash.RunOverride{
		Priority: r.Priority,
		Pool:     r.Pool,
		When:     r.When,
	}
	if r.Level != "" {
		l, err := stash.ParseJobLevel(r.Level)
		if err != nil {
			return stash.RunOverride{}, err
		}
		o.Level = &l
	}
	return o, nil
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimeString(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func infoStruct(i stash.JobInfo) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"id":               int64(i.ID),
		"name":             i.Name,
		"type":             i.Type,
		"level":            i.Level,
		"status":           i.Status,
		"priority":         i.Priority,
		"scheduled_time":   timeString(i.ScheduledTime),
		"start_time":       timeString(i.StartTime),
		"reschedule_count": i.RescheduleCount,
		"bytes_written":    i.BytesWritten,
		"files":            i.Files,
		"errors":           i.Errors,
	})
}

func infoFromStruct(s *structpb.Struct) stash.JobInfo {
	f := s.GetFields()
	return stash.JobInfo{
		ID:              stash.JobID(f["id"].GetNumberValue()),
		Name:            f["name"].GetStringValue(),
		Type:            f["type"].GetStringValue(),
		Level:           f["level"].GetStringValue(),
		Status:          f["status"].GetStringValue(),
		Priority:        int(f["priority"].GetNumberValue()),
		ScheduledTime:   parseTimeString(f["scheduled_time"].GetStringValue()),
		StartTime:       parseTimeString(f["start_time"].GetStringValue()),
		RescheduleCount: int(f["reschedule_count"].GetNumberValue()),
		BytesWritten:    int64(f["bytes_written"].GetNumberValue()),
		Files:           int64(f["files"].GetNumberValue()),
		Errors:          int(f["errors"].GetNumberValue()),
	}
}
