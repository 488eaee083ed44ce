// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Frozen holds the variables whose Trainable flag was cleared by Freeze, so they can be restored by Thaw.
//
// Optimizers only update variables that are trainable at the time their update graph is built, so freezing
// a role around an optimizer's UpdateGraph call keeps that role's weights fixed in the compiled graph, while
// other graphs (built while the role is thawed) still update it.
type Frozen struct {
	vars []*context.Variable
}

// Freeze marks as non-trainable every trainable variable under the current scope of ctx.
// Variables that were already non-trainable (e.g.: batch normalization moving averages) are left untouched,
// and are not restored by Thaw.
func Freeze(ctx *context.Context) *Frozen {
	f := &Frozen{}
	for v := range ctx.IterVariablesInScope() {
		if v.Trainable {
			v.SetTrainable(false)
			f.vars = append(f.vars, v)
		}
	}
	return f
}

// Len returns the number of variables frozen.
func (f *Frozen) Len() int {
	return len(f.vars)
}

// Thaw restores the Trainable flag of the variables frozen.
func (f *Frozen) Thaw() {
	for _, v := range f.vars {
		v.SetTrainable(true)
	}
	f.vars = nil
}
