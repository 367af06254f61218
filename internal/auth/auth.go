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

// Package auth decodes and arbitrates client-presented JWTs for a
// client group, applying the conservative pickToken policy: any
// ambiguous transition rejects rather than guesses. It is grounded on
// the token verification pattern in the wider retrieval pack (JWT
// bearer verification ahead of a protected handler), adapted from
// one-shot request auth to a long-lived per-connection arbitration.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// UnauthorizedError is returned by PickToken when a transition must be
// rejected.
type UnauthorizedError struct{ Reason string }

func (e *UnauthorizedError) Error() string { return "unauthorized: " + e.Reason }

// Data is the decoded claims this service cares about.
type Data struct {
	Raw     string
	Sub     string
	HasIat  bool
	Iat     time.Time
}

// Decode parses and validates a JWT using keyFunc, extracting sub/iat.
func Decode(raw string, keyFunc jwt.Keyfunc) (Data, error) {
	token, err := jwt.Parse(raw, keyFunc, jwt.WithValidMethods([]string{"HS256", "RS256"}))
	if err != nil {
		return Data{}, errors.Wrap(err, "decoding token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Data{}, errors.New("decoding token: unexpected claims type")
	}
	sub, _ := claims["sub"].(string)
	d := Data{Raw: raw, Sub: sub}
	if iatFloat, ok := claims["iat"].(float64); ok {
		d.HasIat = true
		d.Iat = time.Unix(int64(iatFloat), 0)
	}
	return d, nil
}

// PickToken implements the §4.F.9 table: given the service's previous
// auth state (hadPrevious=false if none) and a newly presented token
// (hadNext=false if the new connection presented none), decides whether
// to accept the new token or reject the connection outright.
func PickToken(previous Data, hadPrevious bool, next Data, hadNext bool) (Data, error) {
	if !hadPrevious {
		if !hadNext {
			return Data{}, nil
		}
		return next, nil
	}
	if !hadNext {
		return Data{}, &UnauthorizedError{Reason: "connection presented no token after a prior authenticated connection"}
	}
	if next.Sub != previous.Sub {
		return Data{}, &UnauthorizedError{Reason: "subject mismatch"}
	}
	if !previous.HasIat {
		return next, nil
	}
	if !next.HasIat {
		return Data{}, &UnauthorizedError{Reason: "token no longer carries an issued-at claim"}
	}
	switch {
	case next.Iat.After(previous.Iat):
		return next, nil
	case next.Iat.Before(previous.Iat):
		return previous, nil
	default:
		return previous, nil
	}
}
