// Package quant stores model weights in a block-quantized form and
// provides dequantize-on-demand and fused matmul primitives over them.
package quant

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedFormat covers unknown quantization methods, malformed
// shapes and reads beyond a tensor's declared extents.
var ErrUnsupportedFormat = errors.New("unsupported quantization format")

type Method uint8

const (
	// MethodQ4 packs two 4-bit codes per byte with a per-group scale
	// and zero point.
	MethodQ4 Method = iota
	// MethodQ8 stores one 8-bit code per element with a per-group
	// scale and zero point.
	MethodQ8
)

// GroupSize is the number of elements sharing one scale/zero-point
// pair. Rows whose length is not a multiple are padded; pad codes
// equal the zero point so they dequantize to zero.
const GroupSize = 128

func (m Method) String() string {
	switch m {
	case MethodQ4:
		return "q4"
	case MethodQ8:
		return "q8"
	default:
		return fmt.Sprintf("unknown_method_%d", uint8(m))
	}
}

// MethodFromString parses a method name as used on the command line
// and in load requests.
func MethodFromString(s string) (Method, error) {
	switch s {
	case "q4", "Q4", "q4_grouped":
		return MethodQ4, nil
	case "q8", "Q8", "q8_linear":
		return MethodQ8, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

func (m Method) levels() int {
	switch m {
	case MethodQ4:
		return 15
	case MethodQ8:
		return 255
	default:
		return 0
	}
}

// codeBytesPerGroup is the packed size of one group's codes.
func (m Method) codeBytesPerGroup() int {
	switch m {
	case MethodQ4:
		return GroupSize / 2
	case MethodQ8:
		return GroupSize
	default:
		return 0
	}
}

// Tensor is a row-major matrix of block-quantized weights. Each row is
// quantized independently in groups of GroupSize elements.
type Tensor struct {
	Name   string
	Rows   int
	Cols   int
	Method Method

	groupsPerRow int
	scales       []float32 // Rows * groupsPerRow, always positive
	zeros        []uint8   // Rows * groupsPerRow
	codes        []byte    // Rows * groupsPerRow * codeBytesPerGroup
}

// GroupsPerRow reports how many quantization groups span one row,
// including the padded tail group.
func (t *Tensor) GroupsPerRow() int {
	return t.groupsPerRow
}

// SizeBytes is the packed storage footprint, codes plus group headers.
func (t *Tensor) SizeBytes() int64 {
	groups := int64(t.Rows) * int64(t.groupsPerRow)
	return groups*int64(t.Method.codeBytesPerGroup()) + groups*5
}

// Quantize converts a row-major rows x cols float32 matrix into a
// block-quantized tensor. The per-group mapping is
// value = (code - zero_point) * scale; the worst-case reconstruction
// error is one quantization step.
func Quantize(name string, data []float32, rows, cols int, method Method) (*Tensor, error) {
	if method != MethodQ4 && method != MethodQ8 {
		return nil, fmt.Errorf("%w: method %d", ErrUnsupportedFormat, method)
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: invalid shape %dx%d", ErrUnsupportedFormat, rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: tensor %s has %d elements, shape %dx%d needs %d",
			ErrUnsupportedFormat, name, len(data), rows, cols, rows*cols)
	}

	groupsPerRow := (cols + GroupSize - 1) / GroupSize
	t := &Tensor{
		Name:         name,
		Rows:         rows,
		Cols:         cols,
		Method:       method,
		groupsPerRow: groupsPerRow,
		scales:       make([]float32, rows*groupsPerRow),
		zeros:        make([]uint8, rows*groupsPerRow),
		codes:        make([]byte, rows*groupsPerRow*method.codeBytesPerGroup()),
	}

	levels := method.levels()
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		for g := 0; g < groupsPerRow; g++ {
			start := g * GroupSize
			end := start + GroupSize
			if end > cols {
				end = cols
			}
			t.quantizeGroup(r, g, row[start:end], levels)
		}
	}
	return t, nil
}

func (t *Tensor) quantizeGroup(row, group int, vals []float32, levels int) {
	min, max := vals[0], vals[0]
	for _, v := range vals {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	gi := row*t.groupsPerRow + group
	var scale float32
	var zero uint8

	spread := max - min
	if spread == 0 {
		// Constant group: one code step reproduces the value exactly.
		v := vals[0]
		switch {
		case v == 0:
			scale, zero = 1, 0
		case v > 0:
			scale, zero = v, 0
		default:
			scale, zero = -v, 1
		}
	} else {
		scale = spread / float32(levels)
		z := int(math.Round(float64(-min / scale)))
		if z < 0 {
			z = 0
		}
		if z > levels {
			z = levels
		}
		zero = uint8(z)
	}

	t.scales[gi] = scale
	t.zeros[gi] = zero

	base := gi * t.Method.codeBytesPerGroup()
	for i, v := range vals {
		var code int
		if spread == 0 {
			if v != 0 {
				if v > 0 {
					code = 1
				} else {
					code = 0
				}
			} else {
				code = 0
			}
		} else {
			code = int(math.Round(float64(v/scale))) + int(zero)
			if code < 0 {
				code = 0
			}
			if code > levels {
				code = levels
			}
		}
		t.storeCode(base, i, code)
	}
	// Pad codes dequantize to zero.
	for i := len(vals); i < GroupSize; i++ {
		t.storeCode(base, i, int(zero))
	}
}

func (t *Tensor) storeCode(base, idx, code int) {
	switch t.Method {
	case MethodQ4:
		b := base + idx/2
		if idx%2 == 0 {
			t.codes[b] = (t.codes[b] & 0xF0) | uint8(code&0x0F)
		} else {
			t.codes[b] = (t.codes[b] & 0x0F) | uint8(code&0x0F)<<4
		}
	case MethodQ8:
		t.codes[base+idx] = uint8(code)
	}
}

func (t *Tensor) loadCode(base, idx int) int {
	switch t.Method {
	case MethodQ4:
		b := t.codes[base+idx/2]
		if idx%2 == 0 {
			return int(b & 0x0F)
		}
		return int(b >> 4)
	case MethodQ8:
		return int(t.codes[base+idx])
	}
	return 0
}

// DequantizeGroup reconstructs one group of row `row` into dst, which
// must hold GroupSize elements. It returns the number of valid
// (non-padding) elements.
func (t *Tensor) DequantizeGroup(row, group int, dst []float32) (int, error) {
	if row < 0 || row >= t.Rows || group < 0 || group >= t.groupsPerRow {
		return 0, fmt.Errorf("%w: tensor %s group (%d,%d) outside %dx%d extents",
			ErrUnsupportedFormat, t.Name, row, group, t.Rows, t.groupsPerRow)
	}
	if len(dst) < GroupSize {
		return 0, fmt.Errorf("%w: dst holds %d elements, need %d", ErrUnsupportedFormat, len(dst), GroupSize)
	}

	gi := row*t.groupsPerRow + group
	scale := t.scales[gi]
	zero := int(t.zeros[gi])
	base := gi * t.Method.codeBytesPerGroup()

	for i := 0; i < GroupSize; i++ {
		dst[i] = float32(t.loadCode(base, i)-zero) * scale
	}

	valid := t.Cols - group*GroupSize
	if valid > GroupSize {
		valid = GroupSize
	}
	return valid, nil
}

// DequantizeRow reconstructs a full row into dst (len >= Cols). Used
// for embedding lookups where a single row is needed densely.
func (t *Tensor) DequantizeRow(row int, dst []float32) error {
	if row < 0 || row >= t.Rows {
		return fmt.Errorf("%w: tensor %s row %d outside %d rows", ErrUnsupportedFormat, t.Name, row, t.Rows)
	}
	if len(dst) < t.Cols {
		return fmt.Errorf("%w: dst holds %d elements, need %d", ErrUnsupportedFormat, len(dst), t.Cols)
	}

	var buf [GroupSize]float32
	for g := 0; g < t.groupsPerRow; g++ {
		valid, err := t.DequantizeGroup(row, g, buf[:])
		if err != nil {
			return err
		}
		copy(dst[g*GroupSize:g*GroupSize+valid], buf[:valid])
	}
	return nil
}

// Scale returns the positive scale of one group, exposed for accuracy
// audits.
func (t *Tensor) Scale(row, group int) float32 {
	return t.scales[row*t.groupsPerRow+group]
}
