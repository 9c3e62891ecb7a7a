// Package sourcefile implements the "file" Source back-end: a source
// that replays a previously recorded sample file at approximately
// read-interval cadence, and stubs for the "hidens"/"mcs" types that
// spec.md names but which require hardware this repository does not
// have.
package sourcefile

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"pkt.systems/blds/internal/clock"
	"pkt.systems/blds/internal/core"
	"pkt.systems/blds/internal/dataframe"
)

// Default parameter values a replayed file source reports via
// requestStatus/get-source, absent any real acquisition hardware.
const (
	defaultSampleRate = 20000.0
	defaultGain       = 1.0
	defaultADCRange   = 2.0 // volts
	defaultNChannels  = 64
)

// FileSource replays samples from a local file. Initialize reads the
// whole file into memory, so no file access happens while streaming;
// StartStream then emits rows at read-interval cadence from a goroutine
// of its own. It does not run on ServerCore's goroutines; its state is
// guarded by mu.
type FileSource struct {
	mu       sync.Mutex
	location string
	clock    clock.Clock

	events  chan core.Event
	samples chan dataframe.SampleMatrix

	readIntervalMS uint32
	nchannels      uint32
	sampleRate     float64
	gain           float64
	adcRange       float64

	rows [][]int16 // the full replay payload, loaded at Initialize
	pos  uint32     // next row to emit

	streaming bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a FileSource bound to a local playback file. New itself
// never fails; the file is read at Initialize, matching the
// [Uninitialized] -> [Ready] transition. Registry's "file" factory
// checks that the location exists before calling New.
func New(location string, c clock.Clock) *FileSource {
	return &FileSource{
		location:       location,
		clock:          c,
		events:         make(chan core.Event, 8),
		samples:        make(chan dataframe.SampleMatrix, 32),
		readIntervalMS: core.DefaultReadInterval,
		nchannels:      defaultNChannels,
		sampleRate:     defaultSampleRate,
		gain:           defaultGain,
		adcRange:       defaultADCRange,
	}
}

// Initialize loads the replay file's sample rows into memory. A missing
// or malformed file yields initialized(false, msg); a replayable file
// yields initialized(true, "").
func (f *FileSource) Initialize(ctx context.Context) {
	rows, nchannels, err := loadReplayRows(f.location)
	if err != nil {
		f.events <- core.Event{Kind: core.EventInitialized, Success: false, Message: err.Error()}
		return
	}
	f.mu.Lock()
	f.rows = rows
	f.nchannels = nchannels
	f.pos = 0
	f.mu.Unlock()
	f.events <- core.Event{Kind: core.EventInitialized, Success: true}
}

// StartStream begins emitting rows at read-interval cadence. Streaming
// stops automatically once the replay file is exhausted.
func (f *FileSource) StartStream(ctx context.Context) {
	f.mu.Lock()
	if f.streaming {
		f.mu.Unlock()
		f.events <- core.Event{Kind: core.EventStreamStarted, Success: false, Message: "already streaming"}
		return
	}
	f.streaming = true
	f.stopCh = make(chan struct{})
	stopCh := f.stopCh
	f.mu.Unlock()

	f.wg.Add(1)
	go f.replayLoop(stopCh)

	f.events <- core.Event{Kind: core.EventStreamStarted, Success: true}
}

// replayLoop emits one batch of rows every read-interval until the
// source is stopped or the file is exhausted, mirroring the original's
// internal timer-driven read loop.
func (f *FileSource) replayLoop(stopCh chan struct{}) {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		interval := time.Duration(f.readIntervalMS) * time.Millisecond
		f.mu.Unlock()
		if interval <= 0 {
			interval = time.Millisecond
		}
		select {
		case <-stopCh:
			return
		case <-f.clock.After(interval):
		}

		batch, done := f.nextBatch(interval)
		if batch.NSamples > 0 {
			select {
			case f.samples <- batch:
			case <-stopCh:
				return
			}
		}
		if done {
			return
		}
	}
}

// nextBatch slices the next chunk of rows corresponding to one
// read-interval at the configured sample rate.
func (f *FileSource) nextBatch(interval time.Duration) (dataframe.SampleMatrix, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := uint32(interval.Seconds() * f.sampleRate)
	if n == 0 {
		n = 1
	}
	remaining := uint32(len(f.rows)) - f.pos
	if n > remaining {
		n = remaining
	}
	batch := dataframe.NewSampleMatrix(n, f.nchannels)
	for i := uint32(0); i < n; i++ {
		copy(batch.Data[i*f.nchannels:(i+1)*f.nchannels], f.rows[f.pos+i])
	}
	f.pos += n
	return batch, f.pos >= uint32(len(f.rows))
}

// StopStream halts replay.
func (f *FileSource) StopStream(ctx context.Context) {
	f.mu.Lock()
	if !f.streaming {
		f.mu.Unlock()
		f.events <- core.Event{Kind: core.EventStreamStopped, Success: false, Message: "not streaming"}
		return
	}
	f.streaming = false
	close(f.stopCh)
	f.mu.Unlock()

	f.wg.Wait()
	f.events <- core.Event{Kind: core.EventStreamStopped, Success: true}
}

// Get answers a parameter read. Unknown parameters pass through as an
// empty, successful value per spec.md §3's "unknown keys pass through
// unchanged".
func (f *FileSource) Get(ctx context.Context, param string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch param {
	case "source-type":
		f.events <- core.Event{Kind: core.EventGetResponse, Success: true, Param: param, Value: []byte("file")}
	case "location":
		f.events <- core.Event{Kind: core.EventGetResponse, Success: true, Param: param, Value: []byte(f.location)}
	case "nchannels":
		f.events <- core.Event{Kind: core.EventGetResponse, Success: true, Param: param, Value: encodeUint32LE(f.nchannels)}
	case "sample-rate":
		f.events <- core.Event{Kind: core.EventGetResponse, Success: true, Param: param, Value: encodeFloat64LE(f.sampleRate)}
	case "gain":
		f.events <- core.Event{Kind: core.EventGetResponse, Success: true, Param: param, Value: encodeFloat64LE(f.gain)}
	case "adc-range":
		f.events <- core.Event{Kind: core.EventGetResponse, Success: true, Param: param, Value: encodeFloat64LE(f.adcRange)}
	case "has-analog-output":
		f.events <- core.Event{Kind: core.EventGetResponse, Success: true, Param: param, Value: []byte{0}}
	default:
		f.events <- core.Event{Kind: core.EventGetResponse, Success: true, Param: param, Value: nil}
	}
}

// Set answers a parameter write. Only read-interval is mutable on a
// file replay source; other recognized keys are read-only.
func (f *FileSource) Set(ctx context.Context, param string, value []byte) {
	switch param {
	case "read-interval":
		v, err := decodeUint32LE(value)
		if err != nil {
			f.events <- core.Event{Kind: core.EventSetResponse, Success: false, Param: param, Message: err.Error()}
			return
		}
		f.mu.Lock()
		f.readIntervalMS = v
		f.mu.Unlock()
		f.events <- core.Event{Kind: core.EventSetResponse, Success: true, Param: param}
	default:
		f.events <- core.Event{Kind: core.EventSetResponse, Success: false, Param: param, Message: fmt.Sprintf("%q is read-only on a file source", param)}
	}
}

// Status reports the full current parameter map in one EventStatus,
// using the same keys and encodings as Get.
func (f *FileSource) Status(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events <- core.Event{Kind: core.EventStatus, Success: true, Values: map[string][]byte{
		"source-type":       []byte("file"),
		"location":          []byte(f.location),
		"nchannels":         encodeUint32LE(f.nchannels),
		"sample-rate":       encodeFloat64LE(f.sampleRate),
		"gain":              encodeFloat64LE(f.gain),
		"adc-range":         encodeFloat64LE(f.adcRange),
		"has-analog-output": {0},
	}}
}

// Events exposes completion/error events to SourceAdapter.
func (f *FileSource) Events() <-chan core.Event { return f.events }

// Samples exposes the broadcast sample stream to ServerCore.
func (f *FileSource) Samples() <-chan dataframe.SampleMatrix { return f.samples }

// Delete stops any in-progress replay and releases the loaded rows.
func (f *FileSource) Delete() {
	f.mu.Lock()
	streaming := f.streaming
	stopCh := f.stopCh
	f.streaming = false
	f.rows = nil
	f.mu.Unlock()
	if streaming {
		close(stopCh)
		f.wg.Wait()
	}
}

// Registry returns the core.CreateSourceRegistry for this package: the
// concrete "file" backend plus recognized-but-unsupported stubs for
// "hidens" and "mcs" (spec.md §4.5's "unknown type -> creation fails
// synchronously" does not apply to these -- they are known types that
// fail for lack of hardware, a distinct message).
func Registry(c clock.Clock) core.CreateSourceRegistry {
	return core.CreateSourceRegistry{
		"file": func(sourceType, location string) (core.Source, error) {
			if _, err := os.Stat(location); err != nil {
				return nil, fmt.Errorf("cannot open replay file %q: %w", location, err)
			}
			return New(location, c), nil
		},
		"hidens": func(sourceType, location string) (core.Source, error) {
			return nil, fmt.Errorf("hidens source support is not built into this server")
		},
		"mcs": func(sourceType, location string) (core.Source, error) {
			return nil, fmt.Errorf("mcs source support is not built into this server")
		},
	}
}

// loadReplayRows reads a simple flat int16 sample file: the first 4
// bytes are a little-endian uint32 channel count, followed by
// tightly-packed row-major int16 samples. This is not an attempt to
// model HDF5 -- RecordingFile's real on-disk format is explicitly out
// of scope (spec.md §1) -- it only needs to produce believable replay
// data for the "file" source type.
func loadReplayRows(path string) ([][]int16, uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("replay file %q too short for header", path)
	}
	nchannels := binary.LittleEndian.Uint32(data[0:4])
	if nchannels == 0 {
		return nil, 0, fmt.Errorf("replay file %q declares zero channels", path)
	}
	body := data[4:]
	rowBytes := int(nchannels) * 2
	if rowBytes == 0 || len(body)%rowBytes != 0 {
		return nil, 0, fmt.Errorf("replay file %q body not a multiple of %d bytes", path, rowBytes)
	}
	nrows := len(body) / rowBytes
	rows := make([][]int16, nrows)
	for r := 0; r < nrows; r++ {
		row := make([]int16, nchannels)
		for c := 0; c < int(nchannels); c++ {
			off := r*rowBytes + c*2
			row[c] = int16(binary.LittleEndian.Uint16(body[off : off+2]))
		}
		rows[r] = row
	}
	return rows, nchannels, nil
}

func decodeUint32LE(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

func encodeUint32LE(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}

func encodeFloat64LE(v float64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, math.Float64bits(v))
	return out
}
