// Copyright 2025 Antfly, Inc.
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

package tandem

import (
	"context"
	"fmt"
	"runtime"

	"github.com/antflydb/tandem/pkg/tandem/lib/trfbatch"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// StageFactory builds one stage replica, encoder included. Each checked-out
// replica is owned exclusively by one request at a time, so replicas must not
// share mutable encoder state.
type StageFactory func() (*Transformer, error)

// PredictPool serves concurrent prediction requests over a pool of stage
// replicas. Admission is gated by a semaphore so callers can cancel while
// waiting; an admitted request then checks an idle replica out of the free
// list and returns it when done, so no replica ever serves two requests at
// once. Training is not supported through the pool, since the gradient
// protocol requires a single stage per step.
type PredictPool struct {
	stages   []*Transformer
	idle     chan *Transformer
	sem      *semaphore.Weighted
	logger   *zap.Logger
	poolSize int
}

// PredictPoolConfig holds configuration for creating a PredictPool.
type PredictPoolConfig struct {
	// PoolSize determines how many concurrent requests can be processed
	// (0 = auto-detect from CPU count)
	PoolSize int

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// NewPredictPool creates a pool of PoolSize stage replicas built by factory.
func NewPredictPool(cfg PredictPoolConfig, factory StageFactory) (*PredictPool, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}

	stages := make([]*Transformer, poolSize)
	idle := make(chan *Transformer, poolSize)
	for i := 0; i < poolSize; i++ {
		stage, err := factory()
		if err != nil {
			return nil, fmt.Errorf("creating stage replica %d: %w", i, err)
		}
		stages[i] = stage
		idle <- stage
	}

	logger.Info("Initialized predict pool",
		zap.Int("poolSize", poolSize),
		zap.String("stage", stages[0].Name()))

	return &PredictPool{
		stages:   stages,
		idle:     idle,
		sem:      semaphore.NewWeighted(int64(poolSize)),
		logger:   logger,
		poolSize: poolSize,
	}, nil
}

// Size returns the number of stage replicas.
func (p *PredictPool) Size() int { return p.poolSize }

// withStage runs fn with exclusive ownership of one replica. The semaphore
// count equals the free-list capacity, so once a slot is acquired the
// checkout cannot block; the replica goes back on the free list before the
// slot is released.
func (p *PredictPool) withStage(ctx context.Context, fn func(*Transformer) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring stage slot: %w", err)
	}
	defer p.sem.Release(1)

	stage := <-p.idle
	defer func() { p.idle <- stage }()
	return fn(stage)
}

// Predict runs a forward pass on an idle replica. Blocks while all replicas
// are busy; the context gates admission only, the forward pass itself is
// synchronous.
func (p *PredictPool) Predict(ctx context.Context, docs []trfbatch.Document) (*trfbatch.FullBatch, error) {
	var batch *trfbatch.FullBatch
	err := p.withStage(ctx, func(stage *Transformer) error {
		b, err := stage.Predict(docs)
		if err != nil {
			p.logger.Error("Pooled prediction failed",
				zap.String("stage", stage.Name()),
				zap.Int("documents", len(docs)),
				zap.Error(err))
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Annotate runs Predict followed by SetAnnotations on the same replica.
func (p *PredictPool) Annotate(ctx context.Context, docs []trfbatch.Document) error {
	return p.withStage(ctx, func(stage *Transformer) error {
		batch, err := stage.Predict(docs)
		if err != nil {
			return err
		}
		return stage.SetAnnotations(docs, batch)
	})
}
