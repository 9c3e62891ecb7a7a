package core

import (
	"sync"

	"pkt.systems/blds/internal/dataframe"
)

// RecordingFile is the abstract persistence collaborator the spec leaves
// external (spec.md §1): something that can accept appended sample
// matrices and answer range reads against them. The original C++ server
// used libdatafile's DataFile; BLDS only needs the shape of it.
type RecordingFile interface {
	// Append writes samples to the end of the file and returns the new
	// total length in seconds at the recorder's sample rate.
	Append(samples dataframe.SampleMatrix, sampleRate float64) (lengthS float64, err error)
	// ReadRange returns the samples recorded in [start, stop) seconds.
	ReadRange(start, stop float32, sampleRate float64) (dataframe.SampleMatrix, error)
	// NSamples is the total number of sample rows written so far.
	NSamples() uint32
	// NChannels is fixed at creation time by the first Append.
	NChannels() uint32
	// Close releases any underlying resources.
	Close() error
}

// memRecordingFile is a reference RecordingFile backed by an in-process
// buffer, used by ServerCore as the backing file of every Recorder and
// by tests. It keeps samples in memory only and writes nothing to disk:
// spec.md explicitly scopes the real on-disk format as an external
// collaborator.
type memRecordingFile struct {
	mu        sync.Mutex
	nchannels uint32
	rows      [][]int16
}

func newMemRecordingFile() *memRecordingFile {
	return &memRecordingFile{}
}

func (m *memRecordingFile) Append(samples dataframe.SampleMatrix, sampleRate float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nchannels == 0 {
		m.nchannels = samples.NChannels
	}
	if samples.NChannels != m.nchannels {
		return 0, fail("channel_mismatch", "appended matrix channel count does not match recording", 400)
	}
	for row := uint32(0); row < samples.NSamples; row++ {
		r := make([]int16, m.nchannels)
		for col := uint32(0); col < m.nchannels; col++ {
			r[col] = samples.At(row, col)
		}
		m.rows = append(m.rows, r)
	}
	return float64(len(m.rows)) / sampleRate, nil
}

func (m *memRecordingFile) ReadRange(start, stop float32, sampleRate float64) (dataframe.SampleMatrix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	firstRow := uint32(float64(start) * sampleRate)
	lastRow := uint32(float64(stop) * sampleRate)
	if lastRow > uint32(len(m.rows)) {
		lastRow = uint32(len(m.rows))
	}
	if firstRow > lastRow {
		firstRow = lastRow
	}
	n := lastRow - firstRow
	out := dataframe.NewSampleMatrix(n, m.nchannels)
	for i := uint32(0); i < n; i++ {
		copy(out.Data[i*m.nchannels:(i+1)*m.nchannels], m.rows[firstRow+i])
	}
	return out, nil
}

func (m *memRecordingFile) NSamples() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.rows))
}

func (m *memRecordingFile) NChannels() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nchannels
}

func (m *memRecordingFile) Close() error { return nil }
