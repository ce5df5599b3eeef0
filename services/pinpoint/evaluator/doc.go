// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluator drives a job's task graph with events.
//
// An Evaluator loads the graph, walks it dependencies-first and hands each
// task to a Visitor. Visitors return Actions (SetState, RecordError,
// ExtendGraph, Select) which the evaluator validates and persists before
// visiting the next task. Passes repeat until nothing changes.
//
// Visitors are composed from Filtering, Sequence, DispatchByEventType and
// Selector. Stage packages under tasks/ provide the concrete visitors.
package evaluator
