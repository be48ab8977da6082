// Package errorreport records pipeline failures for operators.
//
// Every report becomes one structured log entry. When a course is in scope
// the report is also stored as an UpdateError row carrying the same uuid tag
// as the log entry, so the two can be joined later.
package errorreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/types"
)

// Severity is the level a report is logged at
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Sink persists reports that belong to a course
type Sink interface {
	RecordUpdateError(ctx context.Context, rec *types.UpdateError) error
}

// Report describes one failure and where it happened
type Report struct {
	Err      error
	Severity Severity    // defaults to SeverityError
	Action   string      // what the pipeline was doing, e.g. "query" or "import_revisions"
	Query    interface{} // request parameters, stored as JSON
	APIURL   string
	CourseID *int64
}

// Reporter logs reports and forwards course-scoped ones to a Sink
type Reporter struct {
	log  logrus.FieldLogger
	sink Sink
	tag  func() string
	now  func() time.Time
}

// New creates a Reporter. sink may be nil, in which case reports are only logged.
func New(log logrus.FieldLogger, sink Sink) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reporter{
		log:  log,
		sink: sink,
		tag:  func() string { return uuid.New().String() },
		now:  time.Now,
	}
}

// Report logs the failure and returns the tag attached to it.
// Failing to persist the record is logged, never returned: reporting
// must not turn a recoverable failure into a fatal one.
func (r *Reporter) Report(ctx context.Context, rep Report) string {
	tag := r.tag()
	class := ErrorClass(rep.Err)
	query := encodeQuery(rep.Query)

	fields := logrus.Fields{
		"tag":         tag,
		"error_class": class,
	}
	if rep.Action != "" {
		fields["action"] = rep.Action
	}
	if rep.APIURL != "" {
		fields["api_url"] = rep.APIURL
	}
	if query != "" {
		fields["query"] = query
	}
	if rep.CourseID != nil {
		fields["course"] = *rep.CourseID
	}
	entry := r.log.WithFields(fields)
	if rep.Severity == SeverityWarning {
		entry.Warn(message(rep.Err))
	} else {
		entry.Error(message(rep.Err))
	}

	if rep.CourseID != nil && r.sink != nil {
		rec := &types.UpdateError{
			CourseID:   rep.CourseID,
			Tag:        tag,
			ErrorClass: class,
			Action:     rep.Action,
			Query:      query,
			APIURL:     rep.APIURL,
			Message:    message(rep.Err),
			CreatedAt:  r.now(),
		}
		if err := r.sink.RecordUpdateError(ctx, rec); err != nil {
			r.log.WithField("tag", tag).Warnf("failed to record update error: %v", err)
		}
	}
	return tag
}

// ErrorClass names the innermost error type of err's wrap chain. When an
// error wraps several, the last one is followed.
func ErrorClass(err error) string {
	if err == nil {
		return "unknown"
	}
	for {
		var next error
		switch e := err.(type) {
		case interface{ Unwrap() []error }:
			if errs := e.Unwrap(); len(errs) > 0 {
				next = errs[len(errs)-1]
			}
		default:
			next = errors.Unwrap(err)
		}
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}

func message(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func encodeQuery(q interface{}) string {
	if q == nil {
		return ""
	}
	if s, ok := q.(string); ok {
		return s
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Sprintf("%v", q)
	}
	return string(data)
}
