// Reef is a distributed job broker for AI workloads.
// Copyright (C) 2025 The Reef Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"reef/pkg/broker"
)

//go:embed matcher.lua
var matcherLua string

var claimScript = redis.NewScript(matcherLua)

// ClaimJob runs the atomic matcher on behalf of a worker. It returns the
// claimed job, or (nil, nil) when no pending job within the scan window
// matches the worker's capabilities. The script performs the entire claim
// protocol: pending-index removal, job update, active-map and registry
// writes, and the initial zero-progress notification.
func (s *Store) ClaimJob(ctx context.Context, caps *broker.WorkerCapabilities, maxScan int, now int64) (*broker.Job, error) {
	raw, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	res, err := claimScript.Run(ctx, s.rdb, []string{keyPending}, raw, maxScan, now).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // script returned false: no match
	}
	if err != nil {
		return nil, fmt.Errorf("claim script: %w", err)
	}
	encoded, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("claim script: unexpected reply %T", res)
	}
	var job broker.Job
	if err := json.Unmarshal([]byte(encoded), &job); err != nil {
		return nil, fmt.Errorf("decode claimed job: %w", err)
	}
	return &job, nil
}
