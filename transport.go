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
	"net"
	"strconv"
	"strings"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/tcp"
)

const (
	defaultDevicePath = "/dev/tpmrm0"
	defaultSimHost    = "localhost"
	defaultSimPort    = 2321
)

type descriptor struct {
	name string
	path string
	host string
	port int
	seed *int64
}

// parseDescriptor parses a "name[:conf]" transport descriptor.
func parseDescriptor(s string) (descriptor, error) {
	name, conf, _ := strings.Cut(s, ":")
	d := descriptor{name: name}
	switch name {
	case "device":
		d.path = conf
		if d.path == "" {
			d.path = defaultDevicePath
		}
		return d, nil
	case "mssim", "swtpm":
		d.host = defaultSimHost
		d.port = defaultSimPort
	case "simulator":
	case "":
		return d, fmt.Errorf("%w: empty", ErrDescriptor)
	default:
		return d, fmt.Errorf("%w: unknown transport %q", ErrDescriptor, name)
	}

	for _, kv := range strings.Split(conf, ",") {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			return d, fmt.Errorf("%w: malformed option %q", ErrDescriptor, kv)
		}
		switch {
		case k == "host" && d.name != "simulator":
			d.host = v
		case k == "port" && d.name != "simulator":
			port, err := strconv.ParseUint(v, 10, 16)
			if err != nil || port == 0 || port == 0xffff {
				return d, fmt.Errorf("%w: invalid port %q", ErrDescriptor, v)
			}
			d.port = int(port)
		case k == "seed" && d.name == "simulator":
			seed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return d, fmt.Errorf("%w: invalid seed %q", ErrDescriptor, v)
			}
			d.seed = &seed
		default:
			return d, fmt.Errorf("%w: unknown option %q for %s", ErrDescriptor, k, d.name)
		}
	}
	return d, nil
}

type powerOner interface {
	PowerOn() error
}

// startSimulator brings a TCP simulator to a usable state. A freshly started
// mssim needs a platform power-on followed by TPM2_Startup. One that is
// already running answers TPM_RC_INITIALIZE to the startup.
func startSimulator(t transport.TPM, powerOn bool) error {
	if p, ok := t.(powerOner); ok && powerOn {
		if err := p.PowerOn(); err != nil {
			return tpmError("power on", err)
		}
	}
	if _, err := (tpm2.Startup{StartupType: tpm2.TPMSUClear}).Execute(t); err != nil && !errors.Is(err, tpm2.TPMRCInitialize) {
		return tpmError("TPM2_Startup", err)
	}
	return nil
}

// Open opens a session to the TPM named by descriptor. The accepted forms are:
//
//	device[:PATH]                 a TPM character device, /dev/tpmrm0 by default
//	mssim[:host=HOST,port=PORT]   a TCP simulator, localhost:2321 by default
//	swtpm[:host=HOST,port=PORT]   same as mssim, without the platform power-on
//	simulator[:seed=N]            an in-process simulator
//
// The platform port of a TCP simulator is PORT+1. On Windows the device form
// takes no path and opens the TPM Base Services TPM.
func Open(descriptor string) (transport.TPMCloser, error) {
	d, err := parseDescriptor(descriptor)
	if err != nil {
		return nil, tpmError("open", err)
	}
	switch d.name {
	case "device":
		t, err := openDevice(d.path)
		if err != nil {
			return nil, tpmError("open "+d.path, err)
		}
		return t, nil

	case "mssim", "swtpm":
		cmdAddr := net.JoinHostPort(d.host, strconv.Itoa(d.port))
		platAddr := net.JoinHostPort(d.host, strconv.Itoa(d.port+1))
		var t transport.TPMCloser
		t, err = tcp.Open(tcp.Config{
			CommandAddress:  cmdAddr,
			PlatformAddress: platAddr,
		})
		if err != nil {
			return nil, tpmError("open "+cmdAddr, err)
		}
		// swtpm is started with --flags startup-clear and its control
		// channel does not speak the mssim platform protocol.
		if err := startSimulator(t, d.name == "mssim"); err != nil {
			t.Close()
			return nil, err
		}
		return t, nil

	default:
		var sim *simulator.Simulator
		if d.seed != nil {
			sim, err = simulator.GetWithFixedSeedInsecure(*d.seed)
		} else {
			sim, err = simulator.Get()
		}
		if err != nil {
			return nil, tpmError("open simulator", err)
		}
		return transport.FromReadWriteCloser(sim), nil
	}
}
