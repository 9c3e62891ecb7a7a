package core

import (
	"encoding/binary"
	"math"
	"sync"

	"pkt.systems/blds/internal/clock"
	"pkt.systems/blds/internal/dataframe"
)

// recorderStatus captures the source-status fields the Recorder is seeded
// from on creation (spec.md §4.4): gain, adc-range (offset), creation
// date, and either a HiDens configuration blob or an analog-output size.
type recorderStatus struct {
	gain            float64
	adcRange        float64
	createdAt       string
	configuration   []byte
	analogOutputLen uint32
}

// Recorder wraps a RecordingFile, serializing every access behind one
// mutex per spec.md §4.4/§9 (the underlying file library is assumed
// non-thread-safe). One Recorder exists per active recording.
type Recorder struct {
	mu         sync.Mutex
	file       RecordingFile
	sampleRate float64
	status     recorderStatus
	path       string
}

// NewRecorder creates a Recorder bound to file, seeded from the source
// status at recording-start time.
func NewRecorder(file RecordingFile, sampleRate float64, path string, status recorderStatus) *Recorder {
	return &Recorder{file: file, sampleRate: sampleRate, path: path, status: status}
}

// Append adds one batch to the file. Per invariant #6 this must happen
// before any fan-out; callers are expected to call this first.
func (r *Recorder) Append(samples dataframe.SampleMatrix) (lengthBefore, lengthAfter float64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lengthBefore = float64(r.file.NSamples()) / r.sampleRate
	after, err := r.file.Append(samples, r.sampleRate)
	if err != nil {
		return lengthBefore, lengthBefore, err
	}
	return lengthBefore, after, nil
}

// ReadRange answers an immediate or drained range read. Safe to call
// concurrently with Append (both take the same mutex).
func (r *Recorder) ReadRange(start, stop float32) (dataframe.SampleMatrix, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.ReadRange(start, stop, r.sampleRate)
}

// LengthS returns nsamples / sampleRate (spec.md §4.4).
func (r *Recorder) LengthS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.file.NSamples()) / r.sampleRate
}

// NSamples returns the total rows written so far.
func (r *Recorder) NSamples() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.NSamples()
}

// SampleRate returns the fixed sample rate this recorder was created with.
func (r *Recorder) SampleRate() float64 {
	return r.sampleRate
}

// Path returns the resolved save-directory/save-file path this recorder
// was created against.
func (r *Recorder) Path() string {
	return r.path
}

// Close releases the underlying file. Safe to call once; subsequent
// reads/appends are the caller's responsibility to avoid.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// newRecorderStatus builds a recorderStatus from a source-status snapshot,
// choosing configuration vs analog-output-length per spec.md §4.4 ("either
// configuration for HiDens-type devices or analog-output size for other
// devices").
func newRecorderStatus(c clock.Clock, snapshot map[string][]byte) recorderStatus {
	st := recorderStatus{createdAt: isoCreationDate(c.Now())}
	if v, ok := snapshot["gain"]; ok {
		st.gain = decodeFloat64LE(v)
	}
	if v, ok := snapshot["adc-range"]; ok {
		st.adcRange = decodeFloat64LE(v)
	}
	if v, ok := snapshot["configuration"]; ok {
		st.configuration = v
	} else if v, ok := snapshot["analog-output"]; ok {
		st.analogOutputLen = uint32(len(v))
	}
	return st
}

func decodeFloat64LE(b []byte) float64 {
	if len(b) < 8 {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
