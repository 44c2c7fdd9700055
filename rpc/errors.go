// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode is a numeric business error code returned by the server.
type ErrorCode uint32

// Do not change these values as they are shared with the server.
const (
	CodeKeyNotFound        ErrorCode = 3003
	CodeMiddleKeysNotFound ErrorCode = 3004
	CodeTooFast            ErrorCode = 4002
)

// Request fields that business errors are reported against.
const (
	FieldGeneral         = ""
	FieldEncryptionKeyID = "encryptionKeyId"
	FieldDirectChannelID = "directChannelId"
)

// FieldError is a single business error code reported on a request field.
type FieldError struct {
	Field string
	Code  ErrorCode
}

func (err FieldError) Error() string {
	if err.Field == "" {
		return fmt.Sprintf("business error %d", err.Code)
	}
	return fmt.Sprintf("business error %d on field %q", err.Code, err.Field)
}

var (
	// ErrKeyNotFound is reported when the requested message key does not
	// exist for the channel.
	ErrKeyNotFound = FieldError{Field: FieldEncryptionKeyID, Code: CodeKeyNotFound}

	// ErrMiddleKeysNotFound is reported when the account has not
	// published middle keys yet.
	ErrMiddleKeysNotFound = FieldError{Field: FieldGeneral, Code: CodeMiddleKeysNotFound}

	// ErrTooFast is reported when an encryption block or key was created
	// too recently for the channel.
	ErrTooFast = FieldError{Field: FieldDirectChannelID, Code: CodeTooFast}
)

// ErrorDataElement is one entry of the errors map of a 400 reply.
type ErrorDataElement struct {
	Code           ErrorCode `json:"code"`
	TranslationKey string    `json:"translationKey"`
}

// ErrorData is the body of a 400 reply.
type ErrorData struct {
	Errors map[string]ErrorDataElement `json:"errors"`
}

// BusinessError is the error generated from a 400 reply. errors.Is matches
// it against any FieldError it contains.
type BusinessError struct {
	Errors map[string]ErrorDataElement
}

// Has returns true if the error contains code reported on field.
func (err BusinessError) Has(field string, code ErrorCode) bool {
	el, ok := err.Errors[field]
	return ok && el.Code == code
}

func (err BusinessError) Is(target error) bool {
	switch target := target.(type) {
	case FieldError:
		return err.Has(target.Field, target.Code)
	case BusinessError:
		return true
	}
	return false
}

func (err BusinessError) Error() string {
	fields := make([]string, 0, len(err.Errors))
	for f := range err.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("business error:")
	for i, f := range fields {
		if i > 0 {
			b.WriteString(",")
		}
		el := err.Errors[f]
		if f == "" {
			f = "_"
		}
		fmt.Fprintf(&b, " %s=%d", f, el.Code)
		if el.TranslationKey != "" {
			fmt.Fprintf(&b, " (%s)", el.TranslationKey)
		}
	}
	return b.String()
}

// NewBusinessError returns a BusinessError with a single code on field.
func NewBusinessError(field string, code ErrorCode, translationKey string) BusinessError {
	return BusinessError{Errors: map[string]ErrorDataElement{
		field: {Code: code, TranslationKey: translationKey},
	}}
}

// ParseBusinessError decodes the body of a 400 reply.
func ParseBusinessError(body []byte) (BusinessError, error) {
	var data ErrorData
	if err := json.Unmarshal(body, &data); err != nil {
		return BusinessError{}, fmt.Errorf("unable to decode error data: %w", err)
	}
	if len(data.Errors) == 0 {
		return BusinessError{}, fmt.Errorf("error data does not contain any errors")
	}
	return BusinessError{Errors: data.Errors}, nil
}
