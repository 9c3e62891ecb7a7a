// Package dataframe implements the DataFrame wire value described in
// spec.md §3: a (start, stop, sample matrix) triple with a bit-exact,
// little-endian serialization used to ship sample chunks to clients.
package dataframe

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SampleMatrix is a (nsamples, nchannels) block of signed 16-bit samples,
// stored row-major in Go but serialized column-major (Fortran order) per
// spec.md §3 to match the original wire format.
type SampleMatrix struct {
	NSamples  uint32
	NChannels uint32
	Data      []int16 // len == NSamples*NChannels, row-major: Data[row*NChannels+col]
}

// At returns the sample at (row, col).
func (m SampleMatrix) At(row, col uint32) int16 {
	return m.Data[row*m.NChannels+col]
}

// NewSampleMatrix allocates a zeroed matrix of the given shape.
func NewSampleMatrix(nsamples, nchannels uint32) SampleMatrix {
	return SampleMatrix{
		NSamples:  nsamples,
		NChannels: nchannels,
		Data:      make([]int16, int(nsamples)*int(nchannels)),
	}
}

// DataFrame is one unit of sample transfer over the wire.
type DataFrame struct {
	Start   float32
	Stop    float32
	Samples SampleMatrix
}

// Validate checks the DataFrame invariant from spec.md §3: stop > start and
// nsamples matches (stop-start)*sampleRate within +/-1.
func (f DataFrame) Validate(sampleRate float64) error {
	if f.Stop <= f.Start {
		return fmt.Errorf("dataframe: stop (%v) must be greater than start (%v)", f.Stop, f.Start)
	}
	if sampleRate <= 0 {
		return nil
	}
	expected := math.Round(float64(f.Stop-f.Start) * sampleRate)
	if math.Abs(expected-float64(f.Samples.NSamples)) > 1 {
		return fmt.Errorf("dataframe: nsamples %d does not match duration %v at rate %v (expected ~%v)",
			f.Samples.NSamples, f.Stop-f.Start, sampleRate, expected)
	}
	return nil
}

// Serialize writes the bit-exact wire layout:
//
//	float32 start | float32 stop | uint32 nsamples | uint32 nchannels | int16[nsamples*nchannels] (column-major)
func (f DataFrame) Serialize() []byte {
	nsamp := f.Samples.NSamples
	nchan := f.Samples.NChannels
	out := make([]byte, 4+4+4+4+int(nsamp)*int(nchan)*2)
	binary.LittleEndian.PutUint32(out[0:4], math.Float32bits(f.Start))
	binary.LittleEndian.PutUint32(out[4:8], math.Float32bits(f.Stop))
	binary.LittleEndian.PutUint32(out[8:12], nsamp)
	binary.LittleEndian.PutUint32(out[12:16], nchan)
	off := 16
	for col := uint32(0); col < nchan; col++ {
		for row := uint32(0); row < nsamp; row++ {
			v := uint16(f.Samples.At(row, col))
			binary.LittleEndian.PutUint16(out[off:off+2], v)
			off += 2
		}
	}
	return out
}

// Deserialize parses the wire layout produced by Serialize.
func Deserialize(b []byte) (DataFrame, error) {
	if len(b) < 16 {
		return DataFrame{}, fmt.Errorf("dataframe: short buffer (%d bytes)", len(b))
	}
	start := math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))
	stop := math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))
	nsamp := binary.LittleEndian.Uint32(b[8:12])
	nchan := binary.LittleEndian.Uint32(b[12:16])
	want := 16 + int(nsamp)*int(nchan)*2
	if len(b) != want {
		return DataFrame{}, fmt.Errorf("dataframe: expected %d bytes, got %d", want, len(b))
	}
	m := NewSampleMatrix(nsamp, nchan)
	off := 16
	for col := uint32(0); col < nchan; col++ {
		for row := uint32(0); row < nsamp; row++ {
			v := int16(binary.LittleEndian.Uint16(b[off : off+2]))
			m.Data[row*nchan+col] = v
			off += 2
		}
	}
	return DataFrame{Start: start, Stop: stop, Samples: m}, nil
}
