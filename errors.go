// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package tpmbox

import (
	"errors"
	"fmt"
)

var (
	ErrDescriptor     = errors.New("invalid transport descriptor")
	ErrBufferTooLarge = errors.New("input exceeds TPM buffer size")
	ErrClosed         = errors.New("box is closed")
)

var _ error = (*Error)(nil)

// Error is returned for every failure that originates from the TPM or from
// the transport used to reach it. Op names the TPM command or the step that
// failed.
//
// The underlying cause is available with [errors.Unwrap]. It can be one of the
// sentinel errors of this package, or any error surfaced by go-tpm, such as a
// TPM response code. Callers that need finer distinctions should use
// [errors.Is] or [errors.As] on the cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tpmbox: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func tpmError(op string, err error) error {
	return &Error{Op: op, Err: err}
}
