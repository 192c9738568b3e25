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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-tpm/tpm2"
)

func TestParseDescriptor(t *testing.T) {
	seed := int64(42)
	for _, tc := range []struct {
		in   string
		want descriptor
	}{
		{"device", descriptor{name: "device", path: "/dev/tpmrm0"}},
		{"device:/dev/tpm0", descriptor{name: "device", path: "/dev/tpm0"}},
		{"mssim", descriptor{name: "mssim", host: "localhost", port: 2321}},
		{"mssim:", descriptor{name: "mssim", host: "localhost", port: 2321}},
		{"mssim:host=10.0.0.1,port=2421", descriptor{name: "mssim", host: "10.0.0.1", port: 2421}},
		{"swtpm:port=2321", descriptor{name: "swtpm", host: "localhost", port: 2321}},
		{"simulator", descriptor{name: "simulator"}},
		{"simulator:seed=42", descriptor{name: "simulator", seed: &seed}},
	} {
		got, err := parseDescriptor(tc.in)
		if err != nil {
			t.Fatalf("parseDescriptor(%q): %v", tc.in, err)
		}
		if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(descriptor{})); diff != "" {
			t.Errorf("parseDescriptor(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestParseDescriptorErrors(t *testing.T) {
	for _, in := range []string{
		"",
		":",
		"tabrmd",
		"mssim:host",
		"mssim:host=",
		"mssim:port=0",
		"mssim:port=65535",
		"mssim:port=99999",
		"mssim:seed=1",
		"simulator:host=localhost",
		"simulator:seed=abc",
	} {
		if _, err := parseDescriptor(in); !errors.Is(err, ErrDescriptor) {
			t.Errorf("parseDescriptor(%q) err = %v, want ErrDescriptor", in, err)
		}
	}
}

func TestOpenBadDescriptor(t *testing.T) {
	_, err := Open("tabrmd:bus_type=session")
	var tpmErr *Error
	if !errors.As(err, &tpmErr) {
		t.Fatalf("Open() err = %v, want *Error", err)
	}
	if got, want := tpmErr.Error(), `tpmbox: open: invalid transport descriptor: unknown transport "tabrmd"`; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

// fakeSimulator answers every command with rc and records the platform
// signals and commands it receives, in order.
type fakeSimulator struct {
	rc         tpm2.TPMRC
	powerOnErr error
	calls      []string
}

func (f *fakeSimulator) PowerOn() error {
	f.calls = append(f.calls, "PowerOn")
	return f.powerOnErr
}

func (f *fakeSimulator) Send(cmd []byte) ([]byte, error) {
	if tpm2.TPMCC(binary.BigEndian.Uint32(cmd[6:10])) == tpm2.TPMCCStartup {
		f.calls = append(f.calls, "Startup")
	}
	return responseCode(f.rc), nil
}

func TestStartSimulator(t *testing.T) {
	for _, tc := range []struct {
		name      string
		powerOn   bool
		rc        tpm2.TPMRC
		wantCalls []string
	}{
		{"fresh mssim", true, tpm2.TPMRCSuccess, []string{"PowerOn", "Startup"}},
		{"running mssim", true, tpm2.TPMRCInitialize, []string{"PowerOn", "Startup"}},
		{"swtpm", false, tpm2.TPMRCInitialize, []string{"Startup"}},
	} {
		sim := &fakeSimulator{rc: tc.rc}
		if err := startSimulator(sim, tc.powerOn); err != nil {
			t.Fatalf("%s: startSimulator: %v", tc.name, err)
		}
		if diff := cmp.Diff(tc.wantCalls, sim.calls); diff != "" {
			t.Errorf("%s: calls mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestStartSimulatorErrors(t *testing.T) {
	sim := &fakeSimulator{rc: tpm2.TPMRCFailure}
	err := startSimulator(sim, true)
	var tpmErr *Error
	if !errors.As(err, &tpmErr) || tpmErr.Op != "TPM2_Startup" {
		t.Fatalf("startSimulator() err = %v, want TPM2_Startup error", err)
	}
	if !errors.Is(err, tpm2.TPMRCFailure) {
		t.Fatalf("startSimulator() err = %v, want TPM_RC_FAILURE", err)
	}

	powerErr := errors.New("connection reset")
	sim = &fakeSimulator{powerOnErr: powerErr}
	err = startSimulator(sim, true)
	if !errors.As(err, &tpmErr) || tpmErr.Op != "power on" || !errors.Is(err, powerErr) {
		t.Fatalf("startSimulator() err = %v, want power on error", err)
	}
	if diff := cmp.Diff([]string{"PowerOn"}, sim.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}
