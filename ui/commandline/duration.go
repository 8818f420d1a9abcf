// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var reDuration = regexp.MustCompile(`^(\d+\.?\d*)([µa-z]+)$`)

// FormatDuration pretty prints duration without a long list of decimal points.
// Durations of a minute or more are rounded to the tenth of a second.
func FormatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(100 * time.Millisecond).String()
	}
	s := d.String()
	matches := reDuration.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
