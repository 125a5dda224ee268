// Copyright 2025 AUTHORS
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

// Package downloadengine spawns an external multi-connection downloader as
// a child process and drives it over its JSON-RPC-over-HTTP control port
// (spec §4.D). The engine binary itself is out of scope here the same way
// it is in the spec ("the source uses one, but the spec is engine-agnostic");
// this package only needs something that speaks the aria2 RPC dialect on
// localhost, which is why Engine's RPC transport is grounded on the same
// thin Get/GetJSON wrapper the teacher uses for registry calls.
package downloadengine

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/offspot/image-creator/internal/errs"
	"github.com/offspot/image-creator/internal/toolutil"
)

// State is a download item's lifecycle stage.
type State string

const (
	Queued State = "queued"
	Active State = "active"
	Paused State = "paused"
	Done   State = "done"
	Failed State = "failed"
)

// Status is the unified progress snapshot returned by Poll (spec §4.D).
type Status struct {
	BytesDone int64
	Total     int64 // declared size if non-zero, else the engine-reported length; no HEAD size is used
	Speed     int64 // bytes/sec, instantaneous
	State     State
	Err       error

	StartedOn   time.Time
	CompletedOn time.Time
}

// Item is a submitted download request.
type Item struct {
	URI          string
	OutPath      string
	Checksum     *Checksum
	ExpectedSize int64
	Headers      map[string]string
}

// Checksum names a hash algorithm and its expected hex digest.
type Checksum struct {
	Algo string
	Hex  string
}

// handle tracks one submitted item's client-side bookkeeping that the
// engine itself doesn't reliably report (spec §4.D point on started_on/
// completed_on substitution).
type handle struct {
	gid          string
	item         Item
	submittedAt  time.Time
	completedAt  time.Time
	firstTotal   int64
	retries      int
	checksumDone bool
}

// Engine supervises one engine child process and its RPC endpoint.
type Engine struct {
	binary string
	secret string
	port   int

	cmd *exec.Cmd
	rb  *toolutil.RingBuffer
	rpc *rpcClient

	mu      sync.Mutex
	handles map[string]*handle

	maxRetries int
}

// Options configures Start.
type Options struct {
	// Binary is the path to the multi-connection downloader executable.
	Binary string
	// MaxRetries bounds per-item retry attempts for transient errors (default 3).
	MaxRetries int
}

// Start launches the engine as a child process on an ephemeral local port
// with a random secret token, and blocks until its RPC endpoint answers,
// using bounded exponential backoff. Returns EngineUnavailable (DownloadError)
// if it never comes up.
func Start(ctx context.Context, opts Options) (*Engine, error) {
	port, err := freePort()
	if err != nil {
		return nil, errs.New(errs.DownloadError, "downloadengine.start", fmt.Errorf("allocating rpc port: %w", err))
	}
	secret := randomSecret()
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	cmd, rb, err := toolutil.NewSupervised(ctx, opts.Binary,
		"--enable-rpc",
		"--rpc-listen-port="+strconv.Itoa(port),
		"--rpc-secret="+secret,
		"--rpc-listen-all=false",
		"--quiet=true",
	)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		binary:     opts.Binary,
		secret:     secret,
		port:       port,
		cmd:        cmd,
		rb:         rb,
		rpc:        newRPCClient(port, secret),
		handles:    map[string]*handle{},
		maxRetries: maxRetries,
	}

	if err := e.waitReady(ctx); err != nil {
		_ = e.killNow()
		return nil, errs.WithStderr(errs.DownloadError, "downloadengine.start", fmt.Errorf("engine unavailable: %w", err), rb.String())
	}
	return e, nil
}

// waitReady polls the RPC endpoint with bounded exponential backoff until
// it responds or the context is done.
func (e *Engine) waitReady(ctx context.Context) error {
	backoff := 50 * time.Millisecond
	const maxBackoff = 2 * time.Second
	deadline := time.Now().Add(30 * time.Second)
	for {
		if err := e.rpc.ping(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rpc endpoint did not become ready within 30s")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Submit hands one item to the engine and returns an opaque handle id used
// with Poll. Submit makes a single attempt; Fetch retries a failed Submit
// as part of its retry loop.
func (e *Engine) Submit(ctx context.Context, it Item) (string, error) {
	gid, err := e.rpc.addURI(ctx, it)
	if err != nil {
		return "", errs.New(errs.DownloadError, "downloadengine.submit", err)
	}
	e.mu.Lock()
	e.handles[gid] = &handle{gid: gid, item: it, submittedAt: time.Now(), firstTotal: it.ExpectedSize}
	e.mu.Unlock()
	return gid, nil
}

// Poll returns the current Status for gid. It should not be called more
// than once per second per the spec's ≤1Hz cadence; Engine does not
// self-throttle so the orchestrator's aggregation loop stays in control of
// cadence across many concurrent items.
func (e *Engine) Poll(ctx context.Context, gid string) (Status, error) {
	e.mu.Lock()
	h, ok := e.handles[gid]
	e.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("downloadengine: unknown handle %q", gid)
	}

	raw, err := e.rpc.tellStatus(ctx, gid)
	if err != nil {
		return Status{}, errs.New(errs.DownloadError, "downloadengine.poll", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	total := h.firstTotal
	if total == 0 && raw.totalLength > 0 {
		total = raw.totalLength
	}
	h.firstTotal = total

	st := Status{
		BytesDone: raw.completedLength,
		Total:     total,
		Speed:     raw.downloadSpeed,
		State:     mapState(raw.status),
	}

	st.StartedOn = h.submittedAt
	if st.State == Done || st.State == Failed {
		if h.completedAt.IsZero() {
			h.completedAt = time.Now()
		}
		st.CompletedOn = h.completedAt
	}

	if raw.status == "error" {
		st.Err = fmt.Errorf("%s", raw.errorMessage)
	}

	return st, nil
}

func mapState(aria2Status string) State {
	switch aria2Status {
	case "active":
		return Active
	case "paused":
		return Paused
	case "complete":
		return Done
	case "error", "removed":
		return Failed
	default:
		return Queued
	}
}

// MaxRetries returns the configured per-item retry bound.
func (e *Engine) MaxRetries() int { return e.maxRetries }

// Shutdown asks the engine to exit cleanly, killing it if it doesn't
// within the grace period.
func (e *Engine) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = e.rpc.shutdown(shutdownCtx)

	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return e.killNow()
	}
}

func (e *Engine) killNow() error {
	if e.cmd.Process == nil {
		return nil
	}
	return e.cmd.Process.Kill()
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
