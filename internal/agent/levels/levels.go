// Package levels groups a batch of tool calls into execution levels. Calls
// in one level touch disjoint resources and run concurrently; levels run in
// order.
package levels

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

// Level is a set of mutually independent calls.
type Level []*tools.Call

// Resolver returns the effective definition of a tool. Registry.Lookup
// satisfies it.
type Resolver interface {
	Lookup(name string) (tools.Definition, bool)
}

type footprint struct {
	exclusive bool
	mutating  bool
	paths     []string
}

func footprintOf(r Resolver, c *tools.Call) footprint {
	def, ok := r.Lookup(c.Name)
	if !ok || def.Exclusive || def.Origin != tools.OriginBuiltin {
		return footprint{exclusive: true}
	}
	paths := c.Paths()
	// A mutating call without a path could touch anything.
	if def.Mutating && len(paths) == 0 {
		return footprint{exclusive: true}
	}
	return footprint{mutating: def.Mutating, paths: paths}
}

func conflicts(a, b footprint) bool {
	if a.exclusive || b.exclusive {
		return true
	}
	if !a.mutating && !b.mutating {
		return false
	}
	for _, pa := range a.paths {
		for _, pb := range b.paths {
			if tools.PathsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

// Build assigns each call the level 1 + max(level of any earlier conflicting
// call), or 0 when nothing earlier conflicts, and groups calls by level in
// input order.
func Build(r Resolver, calls []*tools.Call) []Level {
	if len(calls) == 0 {
		return nil
	}

	prints := make([]footprint, len(calls))
	assigned := make([]int, len(calls))
	maxLevel := 0
	for i, c := range calls {
		prints[i] = footprintOf(r, c)
		level := 0
		for j := 0; j < i; j++ {
			if conflicts(prints[i], prints[j]) && assigned[j]+1 > level {
				level = assigned[j] + 1
			}
		}
		assigned[i] = level
		if level > maxLevel {
			maxLevel = level
		}
	}

	out := make([]Level, maxLevel+1)
	for i, c := range calls {
		out[assigned[i]] = append(out[assigned[i]], c)
	}
	return out
}

// CallFunc executes one call and reports its outcome. It must not panic, but
// Run recovers if it does.
type CallFunc func(ctx context.Context, c *tools.Call) tools.Result

// Run executes levels in order. Calls within a level run concurrently, at
// most limit at a time (limit <= 0 means unbounded), and every call of a
// level finishes before the next level starts. One call failing never stops
// its siblings. Results are returned in level order.
func Run(ctx context.Context, levels []Level, limit int, fn CallFunc) []tools.Result {
	var results []tools.Result
	for idx, level := range levels {
		levelResults := make([]tools.Result, len(level))

		var g errgroup.Group
		if limit > 0 {
			g.SetLimit(limit)
		}
		started := time.Now()
		for i, call := range level {
			g.Go(func() error {
				levelResults[i] = runOne(ctx, call, fn)
				return nil
			})
		}
		_ = g.Wait()

		log.Debug().
			Int("execution_level", idx).
			Int("calls", len(level)).
			Dur("duration", time.Since(started)).
			Msg("Execution level finished")
		results = append(results, levelResults...)
	}
	return results
}

func runOne(ctx context.Context, call *tools.Call, fn CallFunc) (res tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			log.Error().
				Str("tool", call.Name).
				Interface("panic", r).
				Str("stack", string(stack[:n])).
				Msg("Tool execution panicked")
			res = tools.Result{Call: call, Err: fmt.Errorf("tool %s panicked: %v", call.Name, r)}
		}
	}()
	return fn(ctx, call)
}
