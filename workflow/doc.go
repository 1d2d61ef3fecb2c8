// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package workflow drives one rank's pass over a source table: a
// Generator produces row ranges, a Cache lazily materializes each
// configured Stage's cross-table joins for that range, and the Stages
// run in configured order before the Manager advances to the next
// range. Configuration is read from a document (see config.go) and
// bound against a Registry of Stage/Resource/Generator factories before
// any of this runs.
package workflow
