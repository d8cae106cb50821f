// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultAddr is the well-known TFTP port on all interfaces.
	DefaultAddr = ":69"

	// DefaultTimeout bounds a single unacknowledged exchange. It is reset on every retransmission.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxRetries is the number of retransmissions of one packet before a session gives up.
	DefaultMaxRetries = 5
)

// Config is resolved once, before the server starts, and handed to NewServer.
type Config struct {
	// Addr is the address the server will listen on for new Read and Write requests.
	Addr string

	// Root is the directory that the server will read files from and write files to.
	Root string

	// Timeout is how long a session waits for an ACK or DATA before retransmitting.
	Timeout time.Duration

	// MaxRetries is how many times a session retransmits the same packet before failing.
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		Addr:       DefaultAddr,
		Root:       ".",
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

func (c Config) Validate() error {
	if c.Root == "" {
		return errors.New("config: root directory is required")
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.Wrapf(err, "config: listen address %q", c.Addr)
	}
	if c.Timeout <= 0 {
		return errors.Errorf("config: timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("config: retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}
