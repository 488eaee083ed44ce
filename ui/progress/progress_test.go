// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package progress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBar(t *testing.T) {
	var buf bytes.Buffer
	bar := NewWithWriter(&buf, 1, 3)
	bar.Update(1, Metric{Name: "Generator loss", Value: "0.6931"})
	bar.Update(1) // Already reported: ignored.
	bar.Update(3, Metric{Name: "Generator loss", Value: "0.5000"})
	bar.Done()

	out := buf.String()
	assert.Contains(t, out, "Generator loss")
	assert.Contains(t, out, "0.6931")
	assert.Contains(t, out, "0.5000", "the last epoch is always drawn")
	assert.Contains(t, out, "3 of 3")
}
