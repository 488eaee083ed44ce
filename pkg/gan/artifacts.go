// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Artifacts defines the names of the files written during training and generation, relative to the output
// directory. Each architecture keeps its own naming.
type Artifacts interface {
	// SampleFile is the sample grid written at the end of the given epoch.
	SampleFile(epoch int) string

	// RealSamplesFile is the grid of dataset examples written when training starts, to compare with the samples.
	RealSamplesFile() string

	// WeightsFile holds the weights of the role (GeneratorScope or DiscriminatorScope) at the given epoch.
	WeightsFile(role string, epoch int) string

	// LossPlotFile is the plot of the training losses up to the given epoch.
	LossPlotFile(epoch int) string

	// GeneratedFile is an isolated generated image: for conditional models it is named after the class and
	// its label name, for unconditional ones after its index, counted across all rounds.
	GeneratedFile(class int, labelName string, round, index int) string

	// GeneratedGridFile is the grid of the images generated in a round.
	GeneratedGridFile(round int) string
}

// SaveWeights writes all the variables under the current scope of ctx to a numpy ".npz" file.
// The entries are keyed by the variables' absolute scope and name, without the leading separator.
func SaveWeights(ctx *context.Context, filePath string) error {
	values := make(map[string]*tensors.Tensor)
	for v := range ctx.IterVariablesInScope() {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		values[weightsKey(v)] = value
	}
	if len(values) == 0 {
		return errors.Errorf("no variables in scope %q to save to %q", ctx.Scope(), filePath)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	if err := numpy.ToNpzFile(values, filePath); err != nil {
		return errors.WithMessagef(err, "saving weights to %q", filePath)
	}
	return nil
}

// LoadWeights sets the variables of ctx from a file written by SaveWeights, creating the ones that don't exist
// yet. It returns the number of variables loaded.
//
// Variables created this way are trainable, except the ones whose name marks them as statistics (like the
// batch normalization moving averages), which are only updated during training graphs.
func LoadWeights(ctx *context.Context, filePath string) (int, error) {
	values, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return 0, errors.WithMessagef(err, "loading weights from %q", filePath)
	}
	for key, value := range values {
		scope, name := context.SplitScope(context.RootScope + key)
		if scope == "" || name == "" {
			return 0, errors.Errorf("invalid variable key %q in %q", key, filePath)
		}
		if v := ctx.GetVariableByScopeAndName(scope, name); v != nil {
			if !v.Shape().Equal(value.Shape()) {
				return 0, errors.Errorf("variable %q has shape %s, but %q holds shape %s",
					v.ScopeAndName(), v.Shape(), filePath, value.Shape())
			}
			if err := v.SetValue(value); err != nil {
				return 0, errors.WithMessagef(err, "setting variable %q", v.ScopeAndName())
			}
			continue
		}
		v := ctx.InAbsPath(scope).Checked(false).VariableWithValue(name, value)
		if isStatisticsVariable(name) {
			v.SetTrainable(false)
		}
	}
	return len(values), nil
}

func weightsKey(v *context.Variable) string {
	return strings.TrimPrefix(v.ScopeAndName(), context.RootScope)
}

// isStatisticsVariable reports whether a variable is updated by the graph instead of by the optimizer.
func isStatisticsVariable(name string) bool {
	switch name {
	case "mean", "variance", "avg_weight", "global_step":
		return true
	}
	return false
}

// outputPath joins the output directory with an artifact name, which always uses "/" as separator.
func outputPath(outputDir, name string) string {
	return filepath.Join(outputDir, filepath.FromSlash(path.Clean(name)))
}
