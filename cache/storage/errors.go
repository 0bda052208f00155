package storage

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
)

var (
	lockStateCode = errcode.StateCode.Child("state.lock")
	// LockTimeoutCode is returned when a node lock could not be obtained in time.
	LockTimeoutCode = lockStateCode.Child("state.lock.timeout").SetHTTP(http.StatusConflict)

	versionStateCode = errcode.StateCode.Child("state.version")
	// VersionConflictCode is returned when optimistic validation or a write-skew check fails.
	VersionConflictCode = versionStateCode.Child("state.version.conflict").SetHTTP(http.StatusConflict)

	// IntegrityCode marks structural inconsistencies (undo without state, missing parent).
	IntegrityCode = errcode.InternalCode.Child("internal.integrity")

	// ConfigurationCode marks an invalid setup such as a chain position out of range.
	ConfigurationCode = errcode.InvalidInputCode.Child("input.configuration")
)

var _ errcode.ErrorCode = (*LockTimeoutErr)(nil)
var _ errcode.ErrorCode = (*VersionConflictErr)(nil)
var _ errcode.ErrorCode = (*IntegrityErr)(nil)
var _ errcode.ErrorCode = (*ConfigurationErr)(nil)

// LockTimeoutErr means a lock on Fqn was not granted to Owner within Timeout.
type LockTimeoutErr struct {
	Fqn     string        `json:"fqn"`
	Owner   string        `json:"owner"`
	Timeout time.Duration `json:"timeout"`
}

func (e *LockTimeoutErr) Error() string {
	return fmt.Sprintf("lock on %s not acquired by %s within %v", e.Fqn, e.Owner, e.Timeout)
}

// Code returns LockTimeoutCode
func (e *LockTimeoutErr) Code() errcode.Code { return LockTimeoutCode }

// VersionConflictErr means the committed state moved under a transaction.
type VersionConflictErr struct {
	Fqn    string `json:"fqn"`
	Reason string `json:"reason"`
}

func (e *VersionConflictErr) Error() string {
	return fmt.Sprintf("version conflict on %s: %s", e.Fqn, e.Reason)
}

// Code returns VersionConflictCode
func (e *VersionConflictErr) Code() errcode.Code { return VersionConflictCode }

type IntegrityErr struct {
	Msg string `json:"msg"`
}

func (e *IntegrityErr) Error() string {
	return "integrity violation: " + e.Msg
}

// Code returns IntegrityCode
func (e *IntegrityErr) Code() errcode.Code { return IntegrityCode }

type ConfigurationErr struct {
	Msg string `json:"msg"`
}

func (e *ConfigurationErr) Error() string {
	return "configuration error: " + e.Msg
}

// Code returns ConfigurationCode
func (e *ConfigurationErr) Code() errcode.Code { return ConfigurationCode }

// NewLockTimeout builds a traced LockTimeoutErr.
func NewLockTimeout(fqn Fqn, owner fmt.Stringer, timeout time.Duration) error {
	return errors.WithStack(&LockTimeoutErr{Fqn: fqn.String(), Owner: owner.String(), Timeout: timeout})
}

func NewVersionConflict(fqn Fqn, format string, args ...interface{}) error {
	return errors.WithStack(&VersionConflictErr{Fqn: fqn.String(), Reason: fmt.Sprintf(format, args...)})
}

func NewIntegrity(format string, args ...interface{}) error {
	return errors.WithStack(&IntegrityErr{Msg: fmt.Sprintf(format, args...)})
}

func NewConfiguration(format string, args ...interface{}) error {
	return errors.WithStack(&ConfigurationErr{Msg: fmt.Sprintf(format, args...)})
}

func IsLockTimeout(err error) bool {
	_, ok := errors.Cause(err).(*LockTimeoutErr)
	return ok
}

func IsVersionConflict(err error) bool {
	_, ok := errors.Cause(err).(*VersionConflictErr)
	return ok
}

func IsIntegrity(err error) bool {
	_, ok := errors.Cause(err).(*IntegrityErr)
	return ok
}

func IsConfiguration(err error) bool {
	_, ok := errors.Cause(err).(*ConfigurationErr)
	return ok
}
