// Package journal keeps pipeline ErrorRecords: in the log, in an sqlite
// database, or both.
package journal

import (
	"context"
	"errors"

	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/pipeline"
)

// Sink stores one record. *SQLiteJournal, LogSink and MultiSink satisfy
// pipeline.Recorder.
type Sink interface {
	Record(ctx context.Context, rec pipeline.ErrorRecord) error
}

// LogSink writes records to the structured log at their severity.
type LogSink struct{}

func (LogSink) Record(_ context.Context, rec pipeline.ErrorRecord) error {
	fields := map[string]any{
		"id":        rec.ID,
		"code":      rec.Code,
		"cause":     string(rec.Cause),
		"stage":     string(rec.Step),
		"retryable": rec.Retryable,
		"index":     rec.Context.Index,
		"text":      rec.Context.SourceText,
		"error":     rec.Message,
	}
	switch rec.Severity {
	case pipeline.SeverityCritical:
		logger.ErrorCF("journal", "Critical pipeline failure", fields)
	case pipeline.SeverityWarning:
		logger.WarnCF("journal", "Pipeline failure", fields)
	default:
		logger.ErrorCF("journal", "Pipeline failure", fields)
	}
	return nil
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, rec pipeline.ErrorRecord) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
