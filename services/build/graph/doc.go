// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements an incremental, memoizing, parallel
// dependency-graph evaluator.
//
// A client requests evaluation of one or more keys; the evaluator asks the
// node store for existing state and, for each node needing (re)computation,
// runs the key's function inside an Environment that resolves dependency
// values. A function whose dependency is not yet available returns a
// restart sentinel and is re-invoked once the dependency resolves. Once a
// function completes, its value and full dependency set are committed
// atomically. Dirty nodes whose dependency values are unchanged keep their
// cached value without re-invoking their function (change pruning).
//
// Basic usage:
//
//	store := graph.NewStore()
//	ev, _ := graph.NewEvaluator(store, map[string]graph.Function{
//	    "greet": graph.FuncCompute(func(ctx context.Context, k graph.Key, env *graph.Environment) (graph.Value, error) {
//	        return graph.StringValue("hello " + k.Arg), nil
//	    }),
//	})
//	res, _ := ev.Evaluate(ctx, []graph.Key{graph.NewKey("greet", "world")}, false)
package graph
