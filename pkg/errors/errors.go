// Package errors provides error wrapping utilities and a small taxonomy
// for classifying AWS control-plane failures.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind is the closed set of provider failure classes. Polling loops use it
// to decide between "keep waiting" and "abort" without string-matching
// individual API error codes at each call site.
type Kind int

const (
	// KindRejected covers calls the provider refused outright.
	KindRejected Kind = iota
	// KindNotFound covers lookups of resources the provider does not know.
	KindNotFound
	// KindTransient covers throttling, server faults, and the inconsistent
	// answers EC2 gives for resources still mid-transition.
	KindTransient
)

// transientCodes are client-fault codes that still warrant a retry.
var transientCodes = map[string]bool{
	"RequestLimitExceeded":   true,
	"Unavailable":            true,
	"InternalError":          true,
	"IncorrectState":         true,
	"IncorrectInstanceState": true,
	"ServiceUnavailable":     true,
	"VolumeInUse":            true,
}

// Classify maps an AWS API error onto a Kind. Non-API errors classify as
// Rejected since nothing in this tool retries local failures.
func Classify(err error) Kind {
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		return KindRejected
	}

	code := apiErr.ErrorCode()
	if strings.Contains(code, "NotFound") {
		return KindNotFound
	}
	if apiErr.ErrorFault() == smithy.FaultServer || transientCodes[code] {
		return KindTransient
	}
	return KindRejected
}

// IsNotFound reports whether err is a provider not-found condition.
func IsNotFound(err error) bool {
	return err != nil && Classify(err) == KindNotFound
}

// IsTransient reports whether err is worth retrying after a delay.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == KindTransient
}
