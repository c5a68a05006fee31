// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backend is the bridge to the remote service used for security
// review, publishing, release retrieval, and semantic merge.
//
// Every call is best-effort and never returns a Go error: an unreachable
// or failing backend yields a Result with Unavailable set, as a
// first-class variant rather than a nil sentinel. The pipelines decide
// what unavailability means: the security-review step fails closed, the
// telemetry-style calls (event logging, installation recording) swallow it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action names used by the self-modification core.
const (
	ActionSecurityReviewBundle = "packs.securityReviewBundle"
	ActionPublishVersion       = "packs.publishVersion"
	ActionGetBundleForInstall  = "packs.getBundleForInstall"
	ActionRecordInstallation   = "packs.recordInstallation"
	ActionSafeModeDisabled     = "packs.safeModeDisabled"
	ActionGetLatestRelease     = "updates.getLatestRelease"
	ActionGetReleaseForApply   = "updates.getReleaseForApply"
	ActionRecordAppliedRelease = "updates.recordAppliedRelease"
	ActionAgentInvoke          = "agent.invoke"
)

// Result is the discriminated outcome of a backend call.
type Result struct {
	// Unavailable is set when the backend could not be reached or the
	// call failed. Data is empty in that case.
	Unavailable bool

	// Data is the raw JSON payload of a successful call.
	Data json.RawMessage
}

// Decode unmarshals the payload into v. Returns false for unavailable
// results or malformed payloads.
func (r Result) Decode(v any) bool {
	if r.Unavailable || len(r.Data) == 0 {
		return false
	}
	return json.Unmarshal(r.Data, v) == nil
}

// Bridge is the consumed backend contract.
type Bridge interface {
	// CallAction invokes a read-style remote procedure.
	CallAction(ctx context.Context, name string, args any) Result

	// CallMutation invokes a write-style remote procedure.
	CallMutation(ctx context.Context, name string, args any) Result
}

// Client is the HTTP Bridge implementation.
//
// Telemetry-style mutations are rate limited so a crash loop cannot flood
// the backend; interactive calls (review, publish, fetch) are not.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string

	// Timeout bounds each call. Default 30s.
	Timeout time.Duration

	// TelemetryRate limits telemetry-style mutations per second.
	// Default 2/s with a burst of 5.
	TelemetryRate rate.Limit

	// Logger for diagnostics. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// NewClient creates an HTTP bridge client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.TelemetryRate
	if limit <= 0 {
		limit = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 5),
		logger:  logger.With("component", "backend"),
	}
}

var _ Bridge = (*Client)(nil)

// telemetryActions are mutations whose loss is acceptable; they are rate
// limited and dropped when the limiter is saturated.
var telemetryActions = map[string]bool{
	ActionRecordInstallation:   true,
	ActionSafeModeDisabled:     true,
	ActionRecordAppliedRelease: true,
}

// CallAction invokes a read-style remote procedure.
func (c *Client) CallAction(ctx context.Context, name string, args any) Result {
	return c.call(ctx, "actions", name, args)
}

// CallMutation invokes a write-style remote procedure.
//
// Telemetry-style calls retry once on a transient failure; interactive
// mutations never retry, their callers own the failure handling.
func (c *Client) CallMutation(ctx context.Context, name string, args any) Result {
	if !telemetryActions[name] {
		return c.call(ctx, "mutations", name, args)
	}
	if !c.limiter.Allow() {
		c.logger.Debug("telemetry call dropped by rate limiter", "action", name)
		return Result{Unavailable: true}
	}
	res := c.call(ctx, "mutations", name, args)
	if res.Unavailable && ctx.Err() == nil {
		res = c.call(ctx, "mutations", name, args)
	}
	return res
}

func (c *Client) call(ctx context.Context, kind, name string, args any) Result {
	body, err := json.Marshal(args)
	if err != nil {
		c.logger.Warn("backend call args not serializable", "action", name, "error", err.Error())
		return Result{Unavailable: true}
	}

	url := c.baseURL + "/" + kind + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Unavailable: true}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("backend unreachable", "action", name, "error", err.Error())
		return Result{Unavailable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("backend call failed", "action", name, "status", resp.StatusCode)
		return Result{Unavailable: true}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Result{Unavailable: true}
	}
	return Result{Data: data}
}

// Nop is a Bridge whose every call is unavailable. Used when the host runs
// offline.
type Nop struct{}

var _ Bridge = Nop{}

func (Nop) CallAction(context.Context, string, any) Result   { return Result{Unavailable: true} }
func (Nop) CallMutation(context.Context, string, any) Result { return Result{Unavailable: true} }

// Fake is a scripted Bridge for tests.
type Fake struct {
	mu sync.Mutex

	// Responses maps action name to the JSON payload to return. Actions
	// with no entry are unavailable.
	Responses map[string]json.RawMessage

	// Calls records every invocation in order.
	Calls []FakeCall
}

// FakeCall is one recorded invocation.
type FakeCall struct {
	Kind string // "action" or "mutation"
	Name string
	Args any
}

// NewFake creates an empty fake (every call unavailable until scripted).
func NewFake() *Fake {
	return &Fake{Responses: make(map[string]json.RawMessage)}
}

var _ Bridge = (*Fake)(nil)

// Script sets the response payload for an action. v is JSON-marshaled.
func (f *Fake) Script(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.Responses[name] = data
	f.mu.Unlock()
}

func (f *Fake) CallAction(ctx context.Context, name string, args any) Result {
	return f.record("action", name, args)
}

func (f *Fake) CallMutation(ctx context.Context, name string, args any) Result {
	return f.record("mutation", name, args)
}

func (f *Fake) record(kind, name string, args any) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, FakeCall{Kind: kind, Name: name, Args: args})
	data, ok := f.Responses[name]
	if !ok {
		return Result{Unavailable: true}
	}
	return Result{Data: data}
}

// CallsTo returns how many calls were made to the named action.
func (f *Fake) CallsTo(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Name == name {
			n++
		}
	}
	return n
}
