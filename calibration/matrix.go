package calibration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Matrix3x3 is indexed [row][col]
type Matrix3x3 [3][3]float32

// Matrix4x4 is indexed [row][col]
type Matrix4x4 [4][4]float32

// Identity3 returns the 3x3 identity
func Identity3() Matrix3x3 {
	return Matrix3x3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Identity4 returns the 4x4 identity
func Identity4() Matrix4x4 {
	return Matrix4x4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// Matrix3x3FromRows builds a matrix from 9 row-major values
func Matrix3x3FromRows(v []float32) (Matrix3x3, error) {
	var m Matrix3x3
	if len(v) != 9 {
		return m, fmt.Errorf("3x3 matrix needs 9 values, got %d", len(v))
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r][c] = v[r*3+c]
		}
	}
	return m, nil
}

// Matrix4x4FromRows builds a matrix from 16 row-major values
func Matrix4x4FromRows(v []float32) (Matrix4x4, error) {
	var m Matrix4x4
	if len(v) != 16 {
		return m, fmt.Errorf("4x4 matrix needs 16 values, got %d", len(v))
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[r][c] = v[r*4+c]
		}
	}
	return m, nil
}

// Rows returns the 9 values in row-major order
func (m Matrix3x3) Rows() []float32 {
	out := make([]float32, 0, 9)
	for r := 0; r < 3; r++ {
		out = append(out, m[r][:]...)
	}
	return out
}

// Rows returns the 16 values in row-major order
func (m Matrix4x4) Rows() []float32 {
	out := make([]float32, 0, 16)
	for r := 0; r < 4; r++ {
		out = append(out, m[r][:]...)
	}
	return out
}

// The file format writes each matrix as an object keyed mRC (row R, column C),
// walking the matrix column by column: m00, m10, m20, m01, ...

// MarshalJSON encodes the matrix as {"m00":..,"m10":..,"m20":..,"m01":..}
func (m Matrix3x3) MarshalJSON() ([]byte, error) {
	return marshalColumns(3, func(r, c int) float32 { return m[r][c] })
}

// UnmarshalJSON decodes the mRC object form
func (m *Matrix3x3) UnmarshalJSON(data []byte) error {
	return unmarshalColumns(data, 3, func(r, c int, v float32) { m[r][c] = v })
}

// MarshalJSON encodes the matrix as {"m00":..,"m10":..,"m20":..,"m30":..,"m01":..}
func (m Matrix4x4) MarshalJSON() ([]byte, error) {
	return marshalColumns(4, func(r, c int) float32 { return m[r][c] })
}

// UnmarshalJSON decodes the mRC object form
func (m *Matrix4x4) UnmarshalJSON(data []byte) error {
	return unmarshalColumns(data, 4, func(r, c int, v float32) { m[r][c] = v })
}

func marshalColumns(n int, at func(r, c int) float32) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for c := 0; c < n; c++ {
		for r := 0; r < n; r++ {
			if r > 0 || c > 0 {
				buf.WriteByte(',')
			}
			// float32 values are formatted with float32 precision so they
			// read back bit-exact
			v, err := json.Marshal(at(r, c))
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, `"m%d%d":`, r, c)
			buf.Write(v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func unmarshalColumns(data []byte, n int, set func(r, c int, v float32)) error {
	var fields map[string]float32
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for c := 0; c < n; c++ {
		for r := 0; r < n; r++ {
			key := "m" + strconv.Itoa(r) + strconv.Itoa(c)
			v, ok := fields[key]
			if !ok {
				return fmt.Errorf("matrix field %s missing", key)
			}
			set(r, c, v)
		}
	}
	return nil
}
