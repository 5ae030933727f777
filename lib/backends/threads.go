// Copyright 2025 The clip-as-service Authors
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

package backends

import (
	"runtime"
	"sync"

	"go.uber.org/zap"
)

var threadBudgetOnce sync.Once

// ComputeThreadBudget divides the host's usable compute-thread count across
// the sibling replicas of this process and returns this instance's share,
// floor(total/replicas), clamped to a minimum of 1. When the division
// yields less than 1 the host is oversubscribed; that is worth a warning
// but never a startup failure.
func ComputeThreadBudget(totalThreads, replicas int, logger *zap.Logger) int {
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := totalThreads / replicas
	if budget < 1 {
		logger.Warn("Too many encoder replicas for the available CPU threads, oversubscription is possible",
			zap.Int("total_threads", totalThreads),
			zap.Int("replicas", replicas))
		budget = 1
	}
	return budget
}

// ApplyThreadBudget caps the process's compute threads at budget. It takes
// effect the first time it is called and is a no-op afterwards: the cap
// must be set before the model is constructed and before any concurrent
// request handling begins, since changing it later has undefined effect on
// already-scheduled work.
func ApplyThreadBudget(budget int, logger *zap.Logger) {
	threadBudgetOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
		prev := runtime.GOMAXPROCS(budget)
		logger.Info("Applied compute-thread budget",
			zap.Int("budget", budget),
			zap.Int("previous", prev))
	})
}
