// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LoggingInfo configures a component's logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ParseByteSize converts a human-readable size string ("256mb", "1gb")
// to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest suffix first so "mb" isn't matched as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
