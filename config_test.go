// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tftp

import "testing"

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() unexpected error: %v", err)
	}

	tests := map[string]func(*Config){
		"empty root":       func(c *Config) { c.Root = "" },
		"missing port":     func(c *Config) { c.Addr = "127.0.0.1" },
		"negative timeout": func(c *Config) { c.Timeout = -1 },
		"negative retries": func(c *Config) { c.MaxRetries = -1 },
	}
	for name, modify := range tests {
		cfg := DefaultConfig()
		modify(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() succeeded for %+v", name, cfg)
		}
	}

	zeroRetries := DefaultConfig()
	zeroRetries.MaxRetries = 0
	if err := zeroRetries.Validate(); err != nil {
		t.Errorf("zero retries should be allowed: %v", err)
	}
}
