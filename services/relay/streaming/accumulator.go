// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package streaming

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// DefaultMaxResponseBytes caps one accumulated response.
const DefaultMaxResponseBytes = 1 << 20

// ErrAccumulatorFull is returned by Write once the response cap is reached.
var ErrAccumulatorFull = errors.New("accumulated response exceeds maximum size")

// ErrAccumulatorDestroyed is returned by any use after Finalize or Destroy.
var ErrAccumulatorDestroyed = errors.New("accumulator already destroyed")

// MemoryMode selects where accumulated text lives.
type MemoryMode string

const (
	// MemoryAuto uses mlocked memory while the process has mlock budget
	// left and ordinary memory otherwise.
	MemoryAuto MemoryMode = "auto"

	// MemoryRequired fails rather than fall back to ordinary memory.
	MemoryRequired MemoryMode = "required"

	// MemoryOff always uses ordinary memory.
	MemoryOff MemoryMode = "off"
)

var (
	memguardInitOnce sync.Once

	// lockBudget is the number of bytes this process may still mlock;
	// negative means unlimited.
	lockBudget atomic.Int64
)

// =============================================================================
// Interface
// =============================================================================

// TokenAccumulator collects the fragments of one response.
//
// # Description
//
// Owned by exactly one relay invocation. Finalize returns the full text
// and its SHA-256 and wipes the buffer; the accumulator is unusable
// afterwards.
//
// # Thread Safety
//
// Implementations are safe for concurrent use, though a relay only writes
// from one goroutine.
type TokenAccumulator interface {
	// Write appends a fragment.
	Write(fragment string) error

	// Len returns the bytes accumulated so far.
	Len() int

	// Finalize returns the text and its hex SHA-256, then wipes.
	Finalize() (text string, hash string, err error)

	// Destroy wipes without returning. Safe to call more than once.
	Destroy()

	ID() string

	CreatedAt() time.Time
}

// AccumulatorOptions configures NewTokenAccumulator.
type AccumulatorOptions struct {
	MaxBytes int
	Mode     MemoryMode
	Logger   *slog.Logger
}

// NewTokenAccumulator returns a locked-memory accumulator when the mode and
// the mlock budget allow it, and an ordinary one otherwise.
//
// # Outputs
//
//   - TokenAccumulator: Ready for writes.
//   - error: Only in MemoryRequired mode when mlock budget is exhausted.
func NewTokenAccumulator(opts AccumulatorOptions) (TokenAccumulator, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxResponseBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = MemoryAuto
	}

	if opts.Mode == MemoryOff {
		return newPlainAccumulator(opts), nil
	}

	initMemguard(opts.Logger)
	if !reserveLocked(opts.MaxBytes) {
		if opts.Mode == MemoryRequired {
			return nil, fmt.Errorf("mlock budget exhausted: cannot lock %d bytes", opts.MaxBytes)
		}
		opts.Logger.Debug("mlock budget exhausted, using plain accumulator",
			"requested_bytes", opts.MaxBytes,
		)
		return newPlainAccumulator(opts), nil
	}

	buf := memguard.NewBuffer(opts.MaxBytes)
	buf.Melt()

	return &lockedAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
		capacity:  opts.MaxBytes,
		hasher:    sha256.New(),
		logger:    opts.Logger,
	}, nil
}

// =============================================================================
// Locked Implementation
// =============================================================================

type lockedAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	capacity  int
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
	logger    *slog.Logger
}

func (a *lockedAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return ErrAccumulatorDestroyed
	}
	if a.overflow || a.offset+len(fragment) > a.capacity {
		a.overflow = true
		return ErrAccumulatorFull
	}

	copy(a.buffer.Bytes()[a.offset:], fragment)
	a.offset += len(fragment)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *lockedAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", ErrAccumulatorDestroyed
	}

	text := string(a.buffer.Bytes()[:a.offset])
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	a.logger.Debug("Finalized locked accumulator",
		"accumulator_id", a.id,
		"length", len(text),
	)
	return text, sum, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *lockedAccumulator) ID() string { return a.id }

func (a *lockedAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *lockedAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
		a.buffer = nil
		releaseLocked(a.capacity)
	}
	a.destroyed = true
}

// =============================================================================
// Plain Implementation
// =============================================================================

type plainAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	capacity  int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
	logger    *slog.Logger
}

func newPlainAccumulator(opts AccumulatorOptions) *plainAccumulator {
	return &plainAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		capacity:  opts.MaxBytes,
		hasher:    sha256.New(),
		logger:    opts.Logger,
	}
}

func (a *plainAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return ErrAccumulatorDestroyed
	}
	if a.overflow || len(a.data)+len(fragment) > a.capacity {
		a.overflow = true
		return ErrAccumulatorFull
	}

	a.data = append(a.data, fragment...)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *plainAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", ErrAccumulatorDestroyed
	}

	text := string(a.data)
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, sum, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *plainAccumulator) ID() string { return a.id }

func (a *plainAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// mlock Budget
// =============================================================================

func initMemguard(logger *slog.Logger) {
	memguardInitOnce.Do(func() {
		limit := mlockLimitBytes(logger)
		if limit < 0 {
			lockBudget.Store(-1)
		} else {
			// memguard guard pages and canaries need headroom.
			lockBudget.Store(limit / 2)
		}
		logger.Info("Secure memory initialized", "mlock_budget_bytes", lockBudget.Load())
	})
}

func mlockLimitBytes(logger *slog.Logger) int64 {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		logger.Warn("Could not determine mlock limit", "error", err)
		return 0
	}
	if rlimit.Cur == math.MaxUint64 {
		return -1
	}
	return int64(rlimit.Cur)
}

func reserveLocked(n int) bool {
	for {
		cur := lockBudget.Load()
		if cur < 0 {
			return true
		}
		if cur < int64(n) {
			return false
		}
		if lockBudget.CompareAndSwap(cur, cur-int64(n)) {
			return true
		}
	}
}

func releaseLocked(n int) {
	for {
		cur := lockBudget.Load()
		if cur < 0 {
			return
		}
		if lockBudget.CompareAndSwap(cur, cur+int64(n)) {
			return
		}
	}
}

// PurgeSecureMemory wipes every memguard buffer. Call it during shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
}

var (
	_ TokenAccumulator = (*lockedAccumulator)(nil)
	_ TokenAccumulator = (*plainAccumulator)(nil)
)
