package oplog

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyTailing = errors.New("already tailing the oplog")
	ErrNotTailing     = errors.New("not tailing the oplog")
)

// ConfigurationError reports a connection setup that must not be used, such
// as tailing a primary in secondary mode or a server with no replica set.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ResumeStateError reports a checkpoint or position that cannot be used with
// the detected upstream variant.
type ResumeStateError struct {
	Message string
}

func (e *ResumeStateError) Error() string {
	return fmt.Sprintf("resume state error: %s", e.Message)
}

func NewResumeStateError(format string, args ...interface{}) *ResumeStateError {
	return &ResumeStateError{Message: fmt.Sprintf(format, args...)}
}

type UnsupportedFeatureError struct {
	Message string
	Record  interface{}
}

func (e *UnsupportedFeatureError) Error() string {
	if e.Record == nil {
		return fmt.Sprintf("unsupported: %s", e.Message)
	}
	return fmt.Sprintf("unsupported: %s (%v)", e.Message, e.Record)
}

func NewUnsupportedFeatureError(record interface{}, format string, args ...interface{}) *UnsupportedFeatureError {
	return &UnsupportedFeatureError{Message: fmt.Sprintf(format, args...), Record: record}
}

// MalformedRecordError carries the offending record for diagnosis.
type MalformedRecordError struct {
	Message string
	Record  interface{}
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: %s (%v)", e.Message, e.Record)
}

func NewMalformedRecordError(record interface{}, format string, args ...interface{}) *MalformedRecordError {
	return &MalformedRecordError{Message: fmt.Sprintf(format, args...), Record: record}
}

// TransientError wraps I/O failures. The pipeline is restarted from the last
// checkpoint rather than retried in place.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsResumeStateError(err error) bool {
	var target *ResumeStateError
	return errors.As(err, &target)
}

func IsUnsupportedFeatureError(err error) bool {
	var target *UnsupportedFeatureError
	return errors.As(err, &target)
}

func IsMalformedRecordError(err error) bool {
	var target *MalformedRecordError
	return errors.As(err, &target)
}

func IsTransientError(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

func AsMalformedRecordError(err error) *MalformedRecordError {
	var target *MalformedRecordError
	if errors.As(err, &target) {
		return target
	}
	return nil
}

// IsFatal reports whether err must halt the pipeline instead of triggering a
// restart from the last checkpoint.
func IsFatal(err error) bool {
	return IsConfigurationError(err) ||
		IsResumeStateError(err) ||
		IsUnsupportedFeatureError(err) ||
		IsMalformedRecordError(err)
}
