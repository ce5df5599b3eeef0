// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package task is the data model of a bisection job: a directed acyclic
// graph of tasks, each with a type, a lifecycle state and a payload.
//
// # Overview
//
// A job's graph is created once from a Graph of vertices and edges and may
// later be extended. Every task moves forward through the state machine
//
//	pending -> ongoing -> {completed, failed}
//	pending -> {completed, failed}
//
// and never leaves a terminal state.
//
// # Identity
//
// Task ids are derived from the task's parameters, so re-creating the same
// logical task yields the same id. Each task also records an Origin
// fingerprint of its type and creation payload. Extending a graph with a
// vertex whose id and origin already exist is a no-op; the same id with a
// different origin is an InvalidAmendment.
//
// # Persistence
//
// Store is the persistence contract. MemoryStore implements it in process;
// the storage/badger package implements it on disk. Export and ImportJob
// move graphs between stores using a checksummed JSON schema.
//
// # Thread Safety
//
// Stores are safe for concurrent use. Task and Snapshot values are not;
// stores hand out copies.
package task
