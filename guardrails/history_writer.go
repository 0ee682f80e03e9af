// Copyright 2025 AgentLens
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

package guardrails

import (
	"context"
	"sync"
	"time"

	"agentlens/platform/shared/logger"
)

// HistoryWriter persists trigger-history rows off the caller's path. Inserts
// from the content pipeline go through here so a slow database never delays
// a content decision. The queue is bounded; when full, entries are dropped
// and counted rather than blocking the caller.
type HistoryWriter struct {
	store Store
	queue chan *TriggerHistory
	log   *logger.Logger

	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewHistoryWriter starts the background worker. queueDepth <= 0 selects a
// default of 1024.
func NewHistoryWriter(store Store, queueDepth int) *HistoryWriter {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	w := &HistoryWriter{
		store: store,
		queue: make(chan *TriggerHistory, queueDepth),
		log:   logger.New("guardrail-history"),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// Enqueue submits an entry for asynchronous insertion. It never blocks; a
// full queue drops the entry with a log line and a metric tick.
func (w *HistoryWriter) Enqueue(entry *TriggerHistory) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}

	select {
	case w.queue <- entry:
	default:
		promHistoryDropped.Inc()
		w.log.Warn(entry.TenantID, entry.RuleID, "history queue full, dropping trigger entry", nil)
	}
}

func (w *HistoryWriter) run() {
	defer w.wg.Done()

	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.InsertTrigger(ctx, entry); err != nil {
			// Logged only: history persistence never surfaces to callers.
			w.log.ErrorWithErr(entry.TenantID, entry.RuleID, "failed to insert trigger history", err, nil)
		}
		cancel()
	}
}

// Close stops accepting entries and drains outstanding writes. Safe to call
// more than once.
func (w *HistoryWriter) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.queue)
		w.wg.Wait()
	})
}
