// Package flterrors collects the sentinel errors shared across
// packages, so callers can use errors.Is instead of string matching.
package flterrors

import "errors"

var (
	ErrResourceIsNil     = errors.New("resource is nil")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrResourceExists    = errors.New("resource already exists")
	ErrExtensionNotFound = errors.New("certificate extension not found")
	ErrInvalidCertificate = errors.New("invalid certificate")
)
