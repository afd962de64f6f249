package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rate-limit sub-codes reported in 429 bodies.
const (
	CodeSlowmode   = 20016
	CodeWriteLimit = 20028
)

const defaultRetryAfter = 20.0

// RateLimit is the decoded body of a 429 response.
type RateLimit struct {
	RetryAfter float64 // seconds
	Code       int
	Global     bool
	Message    string
}

func parseRateLimit(body []byte) (RateLimit, error) {
	var raw struct {
		RetryAfter *float64 `json:"retry_after"`
		Code       int      `json:"code"`
		Global     bool     `json:"global"`
		Message    string   `json:"message"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return RateLimit{}, fmt.Errorf("decode rate limit body: %w", err)
	}
	rl := RateLimit{RetryAfter: defaultRetryAfter, Code: raw.Code, Global: raw.Global, Message: raw.Message}
	if raw.RetryAfter != nil && *raw.RetryAfter >= 0 {
		rl.RetryAfter = *raw.RetryAfter
	}
	return rl, nil
}

// Policy decides how long to wait after a 429 and how many attempts a call gets.
type Policy struct {
	RetryMax        int           // attempts per call, shared by all 429 retries
	WaitCap         time.Duration // upper bound for slowmode / write-limit waits
	WaitMargin      time.Duration // added to server-reported waits
	WriteLimitFloor time.Duration // minimum wait for the global write limit
}

// DefaultPolicy is 3 attempts, 300s cap, 20s margin, 60s write-limit floor.
func DefaultPolicy() Policy {
	return Policy{
		RetryMax:        3,
		WaitCap:         300 * time.Second,
		WaitMargin:      20 * time.Second,
		WriteLimitFloor: 60 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.RetryMax <= 0 {
		p.RetryMax = d.RetryMax
	}
	if p.WaitCap <= 0 {
		p.WaitCap = d.WaitCap
	}
	if p.WaitMargin < 0 {
		p.WaitMargin = 0
	}
	if p.WriteLimitFloor < 0 {
		p.WriteLimitFloor = 0
	}
	return p
}

// Backoff returns the wait before the next attempt and whether the cap applied.
//
//   - slowmode: cap when the reported wait exceeds WaitCap, else wait + margin
//   - write limit: cap when the reported wait exceeds WaitCap, else max(wait, floor)
//   - anything else: wait + margin
func (p Policy) Backoff(rl RateLimit) (time.Duration, bool) {
	reported := time.Duration(rl.RetryAfter * float64(time.Second))
	switch rl.Code {
	case CodeSlowmode:
		if reported > p.WaitCap {
			return p.WaitCap, true
		}
		return reported + p.WaitMargin, false
	case CodeWriteLimit:
		if reported > p.WaitCap {
			return p.WaitCap, true
		}
		return max(reported, p.WriteLimitFloor), false
	default:
		return reported + p.WaitMargin, false
	}
}
