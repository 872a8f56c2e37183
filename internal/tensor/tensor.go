// Package tensor holds the dense float32 array passed between feature
// extraction and the accelerator.
package tensor

import "fmt"

type Tensor struct {
	Shape []int
	Data  []float32
}

func New(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, Volume(shape))}
}

// Volume is the element count implied by shape.
func Volume(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Validate checks that Data matches Shape.
func (t Tensor) Validate() error {
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor shape %v has non-positive dimension", t.Shape)
		}
	}
	if v := Volume(t.Shape); v != len(t.Data) {
		return fmt.Errorf("tensor shape %v needs %d values, have %d", t.Shape, v, len(t.Data))
	}
	return nil
}

func (t Tensor) Clone() Tensor {
	return Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float32(nil), t.Data...)}
}

// Row returns the i-th slice along the last dimension.
func (t Tensor) Row(i int) []float32 {
	if len(t.Shape) == 0 {
		return nil
	}
	width := t.Shape[len(t.Shape)-1]
	return t.Data[i*width : (i+1)*width]
}
