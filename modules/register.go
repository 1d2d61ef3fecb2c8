// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package modules is the built-in, tier-3 root of the module discovery
// search path: a fixed set of reference Stage/Generator implementations
// always available without a user-supplied classname file, analogous in
// spirit to encoding/bam/process_example's sample program.
package modules

import (
	"github.com/grailbio/rowflow/container"
	"github.com/grailbio/rowflow/modules/count"
	"github.com/grailbio/rowflow/modules/identitygen"
	"github.com/grailbio/rowflow/workflow"
)

// RegisterBuiltins installs every built-in module into r at
// workflow.TierBuiltin, with factories bound to c so each instance
// receives the data manager by injection.
func RegisterBuiltins(r *workflow.Registry, c *container.Container) {
	r.RegisterStage(workflow.TierBuiltin, "count", count.NewFactory(c))
	r.RegisterGenerator(workflow.TierBuiltin, "identitygen", identitygen.NewFactory(c))
}
