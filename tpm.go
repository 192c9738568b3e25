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

// Package tpmbox uses a TPM to encrypt and decrypt data with an ephemeral
// AES-256 key that never leaves the TPM.
//
// The key is created as a primary object under the null hierarchy, which the
// TPM clears on every reset, so it cannot outlive the current power cycle. The
// key authorization value and the initial value (IV) are both drawn from the
// TPM's own random number generator. The IV is fixed for the lifetime of a
// [Box]: encrypting the same data twice yields the same ciphertext.
package tpmbox

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"go.uber.org/zap"
)

const (
	authSize = 16
	ivSize   = 16
	keyBits  = 256

	defaultMaxBuffer = 1024
)

// Option is an option that can be passed to New.
type Option func(*Box)

// WithTPM specifies an already open TPM session to use instead of the
// descriptor. The session is not closed by [Box.Close].
func WithTPM(tpm transport.TPM) Option {
	return func(b *Box) {
		b.tpm = tpm
	}
}

// WithLogger specifies the logger to use. Nothing is logged by default.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Box) {
		b.logger = logger
	}
}

var _ io.Closer = (*Box)(nil)

// Box encrypts and decrypts data with a symmetric key that lives in a TPM.
// Encrypt and Decrypt are inverse operations for the same Box. A Box is safe
// for concurrent use; TPM commands are serialized.
type Box struct {
	mu        sync.Mutex
	tpm       transport.TPM
	closer    io.Closer
	logger    *zap.Logger
	keyHandle tpm2.TPMHandle
	keyName   tpm2.TPM2BName
	keyAuth   []byte
	iv        []byte
	maxBuffer int
	closed    bool
}

// New opens the TPM named by descriptor (see [Open]) and provisions a fresh
// AES-256-CFB key and IV in it.
//
// New panics if the TPM does not create the key after it was reached
// successfully. It never returns a Box without a usable key.
func New(descriptor string, opts ...Option) (box *Box, err error) {
	b := &Box{
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.tpm == nil {
		t, err := Open(descriptor)
		if err != nil {
			return nil, err
		}
		b.tpm = t
		b.closer = t
		b.logger.Debug("opened TPM", zap.String("descriptor", descriptor))
	}
	defer func() {
		if err != nil {
			b.release()
		}
	}()

	if b.keyAuth, err = b.getRandom(authSize); err != nil {
		return nil, err
	}

	createPrimaryResp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHNull,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{
					Buffer: b.keyAuth,
				},
			},
		},
		InPublic: tpm2.New2B(symCipherTemplate()),
	}.Execute(b.tpm)
	if err != nil {
		b.release()
		panic(fmt.Sprintf("tpmbox: TPM2_CreatePrimary: %v", err))
	}
	if tpm2.TPMHT(createPrimaryResp.ObjectHandle>>24) != tpm2.TPMHTTransient {
		b.keyHandle = createPrimaryResp.ObjectHandle
		b.release()
		panic(fmt.Sprintf("tpmbox: TPM2_CreatePrimary: unusable handle 0x%08x", uint32(createPrimaryResp.ObjectHandle)))
	}
	b.keyHandle = createPrimaryResp.ObjectHandle
	b.keyName = createPrimaryResp.Name
	b.logger.Debug("created primary key", zap.Uint32("handle", uint32(b.keyHandle)))

	if b.iv, err = b.getRandom(ivSize); err != nil {
		return nil, err
	}
	if b.maxBuffer, err = b.inputBufferSize(); err != nil {
		return nil, err
	}
	return b, nil
}

// symCipherTemplate describes a non-duplicable AES-256-CFB key generated by
// the TPM. The unique field is left empty.
func symCipherTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgSymCipher,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:             true,
			STClear:              false,
			FixedParent:          true,
			SensitiveDataOrigin:  true,
			UserWithAuth:         true,
			AdminWithPolicy:      false,
			NoDA:                 false,
			EncryptedDuplication: false,
			Restricted:           false,
			Decrypt:              true,
			SignEncrypt:          true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgSymCipher,
			&tpm2.TPMSSymCipherParms{
				Sym: tpm2.TPMTSymDefObject{
					Algorithm: tpm2.TPMAlgAES,
					KeyBits:   tpm2.NewTPMUSymKeyBits(tpm2.TPMAlgAES, tpm2.TPMKeyBits(keyBits)),
					Mode:      tpm2.NewTPMUSymMode(tpm2.TPMAlgAES, tpm2.TPMAlgCFB),
				},
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgSymCipher,
			&tpm2.TPM2BDigest{},
		),
	}
}

// getRandom reads n bytes from the TPM's random number generator. The TPM may
// return fewer bytes than requested per call.
func (b *Box) getRandom(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		getRandomResp, err := tpm2.GetRandom{
			BytesRequested: uint16(n - len(out)),
		}.Execute(b.tpm)
		if err != nil {
			return nil, tpmError("TPM2_GetRandom", err)
		}
		if len(getRandomResp.RandomBytes.Buffer) == 0 {
			return nil, tpmError("TPM2_GetRandom", errors.New("no bytes returned"))
		}
		out = append(out, getRandomResp.RandomBytes.Buffer...)
	}
	return out[:n], nil
}

func (b *Box) inputBufferSize() (int, error) {
	capResp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTInputBuffer),
		PropertyCount: 1,
	}.Execute(b.tpm)
	if err != nil {
		return 0, tpmError("TPM2_GetCapability", err)
	}
	props, err := capResp.CapabilityData.Data.TPMProperties()
	if err != nil {
		return 0, tpmError("TPM2_GetCapability(TPMProperties)", err)
	}
	for _, p := range props.TPMProperty {
		if p.Property == tpm2.TPMPTInputBuffer && p.Value > 0 {
			return int(p.Value), nil
		}
	}
	return defaultMaxBuffer, nil
}

// MaxBufferSize returns the largest input accepted by Encrypt and Decrypt.
// Larger payloads must be split by the caller.
func (b *Box) MaxBufferSize() int {
	return b.maxBuffer
}

// Encrypt encrypts data. The result has the same length as data.
func (b *Box) Encrypt(data []byte) ([]byte, error) {
	return b.encryptDecrypt(data, false)
}

// Decrypt decrypts data. The result has the same length as data.
func (b *Box) Decrypt(data []byte) ([]byte, error) {
	return b.encryptDecrypt(data, true)
}

func (b *Box) encryptDecrypt(data []byte, decrypt bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, tpmError("TPM2_EncryptDecrypt2", ErrClosed)
	}
	if len(data) == 0 {
		return []byte{}, nil
	}
	if len(data) > b.maxBuffer {
		return nil, tpmError("TPM2_EncryptDecrypt2", fmt.Errorf("%w: %d > %d", ErrBufferTooLarge, len(data), b.maxBuffer))
	}
	encDecResp, err := tpm2.EncryptDecrypt2{
		KeyHandle: tpm2.AuthHandle{
			Handle: b.keyHandle,
			Name:   b.keyName,
			Auth:   tpm2.PasswordAuth(b.keyAuth),
		},
		Message: tpm2.TPM2BMaxBuffer{
			Buffer: data,
		},
		Decrypt: decrypt,
		Mode:    tpm2.TPMAlgCFB,
		IV: tpm2.TPM2BIV{
			Buffer: b.iv,
		},
	}.Execute(b.tpm)
	if err != nil {
		return nil, tpmError("TPM2_EncryptDecrypt2", err)
	}
	return encDecResp.OutData.Buffer, nil
}

// Close flushes the key from the TPM, and closes the TPM session if it was
// opened by New.
func (b *Box) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.release(); err != nil {
		return tpmError("close", err)
	}
	b.logger.Debug("closed box")
	return nil
}

func (b *Box) release() error {
	var errs []error
	if b.keyHandle != 0 {
		if _, err := (tpm2.FlushContext{FlushHandle: b.keyHandle}).Execute(b.tpm); err != nil {
			errs = append(errs, fmt.Errorf("TPM2_FlushContext: %w", err))
		}
		b.keyHandle = 0
	}
	clear(b.keyAuth)
	if b.closer != nil {
		if err := b.closer.Close(); err != nil {
			errs = append(errs, err)
		}
		b.closer = nil
	}
	return errors.Join(errs...)
}
