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

// Package clienthandler frames pokeStart/pokePart/pokeEnd transactions
// for one client connection and fans them out across a set of clients
// under all-settled semantics. It is grounded on the per-target apply
// fan-out and all-settled error aggregation pattern in cdc-sink's
// internal/target/apply (applying to every target table concurrently,
// collecting all errors rather than failing fast).
package clienthandler

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"github.com/cockroachdb/view-syncer/internal/metrics"
	"github.com/cockroachdb/view-syncer/internal/version"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PartCountFlushThreshold is the number of accumulated patches that
// forces a pokePart to be emitted and a fresh one started.
const PartCountFlushThreshold = 100

// QueryPatch is one entry in a desiredQueriesPatches or gotQueriesPatch
// list.
type QueryPatch struct {
	Op   string // "put" or "del"
	Hash string
}

// RowPatch is one entry in PokePartBody.RowsPatch.
type RowPatch struct {
	Op        string // "put" or "del"
	TableName string
	Value     map[string]any
	ID        map[string]any
	ToVersion version.CVRVersion
}

// PokePartBody aggregates one pokePart's payload. Any field is omitted
// on the wire when empty.
type PokePartBody struct {
	DesiredQueriesPatches map[string][]QueryPatch
	GotQueriesPatch       []QueryPatch
	LastMutationIDChanges map[string]int64
	RowsPatch             []RowPatch
}

func (b *PokePartBody) empty() bool {
	return len(b.DesiredQueriesPatches) == 0 && len(b.GotQueriesPatch) == 0 &&
		len(b.LastMutationIDChanges) == 0 && len(b.RowsPatch) == 0
}

func (b *PokePartBody) count() int {
	n := len(b.GotQueriesPatch) + len(b.RowsPatch)
	for _, v := range b.DesiredQueriesPatches {
		n += len(v)
	}
	n += len(b.LastMutationIDChanges)
	return n
}

// Transport is the per-connection message sink a Poker writes frames
// to. A concrete websocket transport lives outside this package.
type Transport interface {
	Send(ctx context.Context, msg any) error
}

// PokeStart is the first frame of a poke transaction.
type PokeStart struct {
	PokeID         string
	BaseCookie     string
	SchemaVersions *SchemaVersionRange
}

// SchemaVersionRange bounds the client schema versions a poke is valid
// for.
type SchemaVersionRange struct {
	MinSupported, MaxSupported int
}

// Overlaps reports whether r and client overlap.
func (r SchemaVersionRange) Overlaps(client SchemaVersionRange) bool {
	return r.MinSupported <= client.MaxSupported && client.MinSupported <= r.MaxSupported
}

// PokePart is a mid-transaction frame.
type PokePart struct {
	PokeID string
	Body   PokePartBody
}

// PokeEnd is the terminal frame.
type PokeEnd struct {
	PokeID string
	Cookie string
	Cancel bool
}

// SchemaVersionNotSupportedError is returned when a poke's schema
// version range is disjoint from a client's.
type SchemaVersionNotSupportedError struct{ ClientID string }

func (e *SchemaVersionNotSupportedError) Error() string {
	return "client " + e.ClientID + ": schema version not supported"
}

// ValueOutOfRangeError is returned by bigint safety conversion when a
// replica-supplied integer cannot be represented losslessly as a
// float64.
type ValueOutOfRangeError struct{ Field string }

func (e *ValueOutOfRangeError) Error() string {
	return "value out of safe integer range for field " + e.Field
}

// maxSafeInteger is the largest integer a float64 can represent exactly,
// matching the JS Number.MAX_SAFE_INTEGER boundary clients rely on.
const maxSafeInteger = 1<<53 - 1

// ToSafeFloat converts a wide integer to float64, failing rather than
// silently truncating if it falls outside the safe integer range.
func ToSafeFloat(field string, v int64) (float64, error) {
	if v > maxSafeInteger || v < -maxSafeInteger {
		return 0, &ValueOutOfRangeError{Field: field}
	}
	return float64(v), nil
}

// SafeRowValue converts every json.Number field of a replica row to a
// float64 via ToSafeFloat, so a value outside the safe integer range
// fails the poke instead of silently losing precision. Fields of any
// other type pass through unchanged. row may be nil.
func SafeRowValue(row map[string]any) (map[string]any, error) {
	if row == nil {
		return nil, nil
	}
	out := make(map[string]any, len(row))
	for field, v := range row {
		num, ok := v.(json.Number)
		if !ok {
			out[field] = v
			continue
		}
		i, err := num.Int64()
		if err != nil {
			// Not representable as an integer (e.g. a decimal); json.Number
			// already round-trips through float64 losslessly for those.
			f, ferr := num.Float64()
			if ferr != nil {
				return nil, &ValueOutOfRangeError{Field: field}
			}
			out[field] = f
			continue
		}
		f, err := ToSafeFloat(field, i)
		if err != nil {
			return nil, err
		}
		out[field] = f
	}
	return out, nil
}

// Client is one connection's view-syncer-facing state.
type Client struct {
	ID             string
	WSID           string
	BaseVersion    version.CVRVersion
	SchemaVersions *SchemaVersionRange
	Transport      Transport
}

// Poker frames one poke transaction to a single client.
type Poker struct {
	client     Client
	tentative  version.CVRVersion
	pokeID     string
	started    bool
	partsSent  bool
	failed     error
	current    PokePartBody
}

// newPoker constructs a no-op poker if client is already at or beyond
// tentativeVersion, or a live poker otherwise.
func newPoker(client Client, tentative version.CVRVersion, schemaVersions *SchemaVersionRange) *Poker {
	p := &Poker{client: client, tentative: tentative, pokeID: version.Cookie(tentative)}
	if version.Compare(client.BaseVersion, tentative) >= 0 {
		p.failed = errNoOp
		return p
	}
	if schemaVersions != nil && client.SchemaVersions != nil && !schemaVersions.Overlaps(*client.SchemaVersions) {
		p.failed = &SchemaVersionNotSupportedError{ClientID: client.ID}
	}
	return p
}

var errNoOp = errors.New("poker: client already caught up")

func (p *Poker) isNoOp() bool {
	return errors.Is(p.failed, errNoOp)
}

func (p *Poker) start(ctx context.Context) error {
	if p.failed != nil {
		return p.failed
	}
	p.started = true
	return p.client.Transport.Send(ctx, PokeStart{
		PokeID: p.pokeID, BaseCookie: version.Cookie(p.client.BaseVersion), SchemaVersions: p.client.SchemaVersions,
	})
}

// addRowPatch merges a row patch into the current part, flushing when the part
// count threshold is reached. toVersion patches at or below the
// client's base version are silently dropped.
func (p *Poker) addRowPatch(ctx context.Context, rp RowPatch) error {
	if p.failed != nil {
		return p.failed
	}
	if version.Compare(rp.ToVersion, p.client.BaseVersion) <= 0 {
		return nil
	}
	p.current.RowsPatch = append(p.current.RowsPatch, rp)
	return p.maybeFlush(ctx)
}

func (p *Poker) addGotQueriesPatch(ctx context.Context, patch QueryPatch) error {
	if p.failed != nil {
		return p.failed
	}
	p.current.GotQueriesPatch = append(p.current.GotQueriesPatch, patch)
	return p.maybeFlush(ctx)
}

func (p *Poker) addDesiredQueryPatch(ctx context.Context, clientID string, patch QueryPatch) error {
	if p.failed != nil {
		return p.failed
	}
	if p.current.DesiredQueriesPatches == nil {
		p.current.DesiredQueriesPatches = make(map[string][]QueryPatch)
	}
	p.current.DesiredQueriesPatches[clientID] = append(p.current.DesiredQueriesPatches[clientID], patch)
	return p.maybeFlush(ctx)
}

func (p *Poker) addLastMutationIDChange(ctx context.Context, clientID string, id int64) error {
	if p.failed != nil {
		return p.failed
	}
	if p.current.LastMutationIDChanges == nil {
		p.current.LastMutationIDChanges = make(map[string]int64)
	}
	p.current.LastMutationIDChanges[clientID] = id
	return p.maybeFlush(ctx)
}

func (p *Poker) maybeFlush(ctx context.Context) error {
	if p.current.count() < PartCountFlushThreshold {
		return nil
	}
	return p.flushPart(ctx)
}

func (p *Poker) flushPart(ctx context.Context) error {
	if p.current.empty() {
		return nil
	}
	if !p.started {
		if err := p.start(ctx); err != nil {
			return err
		}
	}
	p.partsSent = true
	err := p.client.Transport.Send(ctx, PokePart{PokeID: p.pokeID, Body: p.current})
	p.current = PokePartBody{}
	return err
}

// end closes the poke transaction. If no parts were ever sent and the
// client is already at finalVersion, nothing is sent.
func (p *Poker) end(ctx context.Context, finalVersion version.CVRVersion) error {
	if p.failed != nil {
		return nil // a failed/no-op poker never sends anything.
	}
	if err := p.flushPart(ctx); err != nil {
		return err
	}
	if !p.partsSent && version.Compare(p.client.BaseVersion, finalVersion) == 0 {
		return nil
	}
	if p.partsSent && version.Compare(finalVersion, p.client.BaseVersion) <= 0 {
		return errors.Errorf("poker: end invariant violated, finalVersion %s <= baseVersion %s",
			version.Cookie(finalVersion), version.Cookie(p.client.BaseVersion))
	}
	if !p.started {
		if err := p.start(ctx); err != nil {
			return err
		}
	}
	return p.client.Transport.Send(ctx, PokeEnd{PokeID: p.pokeID, Cookie: version.Cookie(finalVersion)})
}

// cancel emits a pokeEnd with cancel:true, only if pokeStart had been
// sent.
func (p *Poker) cancel(ctx context.Context) error {
	if !p.started {
		return nil
	}
	return p.client.Transport.Send(ctx, PokeEnd{PokeID: p.pokeID, Cancel: true})
}

// PokeHandler broadcasts patches to every client in a poke round under
// all-settled semantics: a failing client is recorded but never blocks
// the others.
type PokeHandler struct {
	pokers  []*Poker
	failed  map[string]error
	groupID string
}

// StartPoke constructs a composite PokeHandler for clients, tagged with
// tentativeVersion as the eventual pokeID. groupID labels the metrics
// this round's pokes are recorded under.
func StartPoke(clients []Client, tentativeVersion version.CVRVersion, schemaVersions *SchemaVersionRange, groupID string) *PokeHandler {
	h := &PokeHandler{failed: make(map[string]error), groupID: groupID}
	for _, c := range clients {
		p := newPoker(c, tentativeVersion, schemaVersions)
		if p.failed != nil && !p.isNoOp() {
			h.failed[c.ID] = p.failed
			log.WithError(p.failed).WithField("client", c.ID).Warn("poke failed for client")
			continue
		}
		h.pokers = append(h.pokers, p)
	}
	return h
}

// broadcast applies fn to every live poker, collecting per-client
// failures without aborting the others.
func (h *PokeHandler) broadcast(fn func(*Poker) error) {
	for _, p := range h.pokers {
		if _, alreadyFailed := h.failed[p.client.ID]; alreadyFailed {
			continue
		}
		if err := fn(p); err != nil {
			h.failed[p.client.ID] = err
			metrics.PokeFailures.WithLabelValues(h.groupID).Inc()
			log.WithError(err).WithField("client", p.client.ID).Warn("poke broadcast failed for client")
		}
	}
}

// AddRowPatch broadcasts a row patch, applying the LMID table special
// case and bigint safety before fan-out is the caller's responsibility
// (see RouteRowPatch).
func (h *PokeHandler) AddRowPatch(ctx context.Context, rp RowPatch) {
	h.broadcast(func(p *Poker) error { return p.addRowPatch(ctx, rp) })
}

// AddGotQueriesPatch broadcasts a got-queries patch to every client.
func (h *PokeHandler) AddGotQueriesPatch(ctx context.Context, patch QueryPatch) {
	h.broadcast(func(p *Poker) error { return p.addGotQueriesPatch(ctx, patch) })
}

// AddDesiredQueryPatch broadcasts a desired-queries patch scoped to one
// client.
func (h *PokeHandler) AddDesiredQueryPatch(ctx context.Context, clientID string, patch QueryPatch) {
	h.broadcast(func(p *Poker) error { return p.addDesiredQueryPatch(ctx, clientID, patch) })
}

// AddLastMutationIDChange broadcasts a last-mutation-ID change.
func (h *PokeHandler) AddLastMutationIDChange(ctx context.Context, clientID string, id int64) {
	h.broadcast(func(p *Poker) error { return p.addLastMutationIDChange(ctx, clientID, id) })
}

// End closes every live poker's transaction at finalVersion.
func (h *PokeHandler) End(ctx context.Context, finalVersion version.CVRVersion) {
	h.broadcast(func(p *Poker) error {
		if err := p.end(ctx, finalVersion); err != nil {
			return err
		}
		metrics.PokesSent.WithLabelValues(h.groupID).Inc()
		return nil
	})
}

// Cancel cancels every live poker's transaction.
func (h *PokeHandler) Cancel(ctx context.Context) {
	h.broadcast(func(p *Poker) error { return p.cancel(ctx) })
}

// Failed returns the per-client errors recorded so far.
func (h *PokeHandler) Failed() map[string]error {
	return h.failed
}

// LMIDTableName returns the per-shard clients table name a row patch's
// table is compared against for the LMID special-case.
func LMIDTableName(appID string, shardNum int) string {
	return appID + "_" + strconv.Itoa(shardNum) + ".clients"
}

// RouteRowPatch applies the LMID table special case: a row patch whose
// table matches the per-shard clients table is not emitted as a row
// patch at all; instead its lastMutationID is merged into
// lastMutationIDChanges, only if the row's clientGroupID matches.
// Mismatches are logged and dropped.
func RouteRowPatch(
	ctx context.Context, h *PokeHandler, rp RowPatch, clientGroupID, lmidTable string,
) {
	if rp.TableName != lmidTable {
		h.AddRowPatch(ctx, rp)
		return
	}
	if rp.Value == nil {
		return
	}
	gid, _ := rp.Value["clientGroupID"].(string)
	if gid != clientGroupID {
		log.WithFields(log.Fields{"table": rp.TableName, "got": gid, "want": clientGroupID}).
			Warn("dropping LMID row patch for mismatched client group")
		return
	}
	clientID, _ := rp.Value["clientID"].(string)
	lmidFloat, ok := rp.Value["lastMutationID"].(float64)
	if !ok {
		return
	}
	h.AddLastMutationIDChange(ctx, clientID, int64(math.Round(lmidFloat)))
}
