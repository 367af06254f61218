// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package version defines the CVRVersion watermark and its wire-form
// Cookie encoding.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CVRVersion is a total-ordered pair of an upstream watermark and a
// server-synthesized minor increment. See the discussion of resolved
// timestamps in hlc.Time: stateVersion plays the same role as the
// lexicographically sortable nanos component, with minorVersion acting
// as a CVR-only logical tiebreaker.
type CVRVersion struct {
	StateVersion string
	MinorVersion int
}

// EMPTY is the zero-value CVRVersion, used before any CVR has been
// created for a client group.
var EMPTY = CVRVersion{StateVersion: "00", MinorVersion: 0}

// String renders the version for logging purposes.
func (v CVRVersion) String() string {
	return Cookie(v)
}

// IsZero reports whether v equals EMPTY.
func (v CVRVersion) IsZero() bool {
	return v == EMPTY
}

// Compare returns -1, 0, or 1 if a is less than, equal to, or greater
// than b, ordering lexicographically on StateVersion and then
// numerically on MinorVersion.
func Compare(a, b CVRVersion) int {
	if c := strings.Compare(a.StateVersion, b.StateVersion); c != 0 {
		return c
	}
	switch {
	case a.MinorVersion < b.MinorVersion:
		return -1
	case a.MinorVersion > b.MinorVersion:
		return 1
	default:
		return 0
	}
}

// Less is a convenience wrapper around Compare for use with sort.Slice
// and similar.
func Less(a, b CVRVersion) bool {
	return Compare(a, b) < 0
}

// WithNewMinor returns a CVRVersion at the same StateVersion with the
// minor version incremented. It is used for CVR-only changes (adding or
// removing queries, deleting clients) that occur between upstream
// commits.
func (v CVRVersion) WithNewMinor() CVRVersion {
	return CVRVersion{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion + 1}
}

// WithNewState advances to a new upstream watermark, resetting the minor
// version to zero.
func WithNewState(stateVersion string) CVRVersion {
	return CVRVersion{StateVersion: stateVersion, MinorVersion: 0}
}

// Cookie renders a CVRVersion into its wire form. The minor version is
// omitted (and the separator with it) when it is zero.
func Cookie(v CVRVersion) string {
	if v.MinorVersion == 0 {
		return v.StateVersion
	}
	return fmt.Sprintf("%s:%02d", v.StateVersion, v.MinorVersion)
}

// CookieToVersion parses the wire form produced by Cookie. An empty
// cookie parses to EMPTY, matching a client that has never synced.
func CookieToVersion(cookie string) (CVRVersion, error) {
	if cookie == "" {
		return EMPTY, nil
	}
	parts := strings.SplitN(cookie, ":", 2)
	if len(parts) == 1 {
		return CVRVersion{StateVersion: parts[0], MinorVersion: 0}, nil
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return CVRVersion{}, errors.Wrapf(err, "malformed cookie %q", cookie)
	}
	if minor < 0 {
		return CVRVersion{}, errors.Errorf("malformed cookie %q: negative minor version", cookie)
	}
	return CVRVersion{StateVersion: parts[0], MinorVersion: minor}, nil
}
