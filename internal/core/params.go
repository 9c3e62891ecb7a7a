package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/blds/internal/clock"
)

// Server parameter defaults, spec.md §3.
const (
	DefaultRecordingLength uint32 = 1000
	DefaultReadInterval    uint32 = 10
	DefaultMaxChunkSizeS          = 10.0
)

const saveFileTimestampFormat = "2006-01-02T15-04-05"

// serverParams holds the mutable server-parameter store from spec.md §3.
// It is only ever touched while ServerCore's mutex is held.
type serverParams struct {
	saveDirectory   string
	saveFile        string
	recordingLength uint32
	readInterval    uint32
	clock           clock.Clock
}

func newServerParams(c clock.Clock) *serverParams {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return &serverParams{
		saveDirectory:   filepath.Join(home, "Desktop") + string(filepath.Separator),
		saveFile:        "",
		recordingLength: DefaultRecordingLength,
		readInterval:    DefaultReadInterval,
		clock:           c,
	}
}

// setParam validates and applies one server parameter. recording is the
// current recorder-exists flag (invariant #3: forbidden while recording).
func (p *serverParams) setParam(name string, raw []byte, recording bool) error {
	switch name {
	case "save-directory":
		if recording {
			return fail("forbidden_while_recording", "save-directory cannot change while recording", 409)
		}
		dir := strings.TrimSpace(string(raw))
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return fail("invalid_save_directory", fmt.Sprintf("directory %q must exist", dir), 400)
		}
		p.saveDirectory = dir
		return nil
	case "save-file":
		if recording {
			return fail("forbidden_while_recording", "save-file cannot change while recording", 409)
		}
		name := strings.TrimSpace(string(raw))
		target := filepath.Join(p.saveDirectory, name)
		if name != "" {
			if _, err := os.Stat(target); err == nil {
				return fail("save_file_exists", fmt.Sprintf("%q already exists", target), 409)
			}
		}
		p.saveFile = name
		return nil
	case "recording-length":
		if recording {
			return fail("forbidden_while_recording", "recording-length cannot change while recording", 409)
		}
		v, err := decodeUint32LE(raw)
		if err != nil {
			return fail("invalid_value", err.Error(), 400)
		}
		p.recordingLength = v
		return nil
	case "read-interval":
		if recording {
			return fail("forbidden_while_recording", "read-interval cannot change while recording", 409)
		}
		v, err := decodeUint32LE(raw)
		if err != nil {
			return fail("invalid_value", err.Error(), 400)
		}
		p.readInterval = v
		return nil
	default:
		return fail("unknown_param", fmt.Sprintf("unknown server parameter %q", name), 400)
	}
}

// getParam returns the encoded value for a known server parameter. Values
// mirror the encoding used by set (spec.md §6).
func (p *serverParams) getParam(name string) ([]byte, error) {
	switch name {
	case "save-directory":
		return []byte(p.saveDirectory), nil
	case "save-file":
		return []byte(p.saveFile), nil
	case "recording-length":
		return encodeUint32LE(p.recordingLength), nil
	case "read-interval":
		return encodeUint32LE(p.readInterval), nil
	default:
		return nil, fail("unknown_param", fmt.Sprintf("unknown server parameter %q", name), 400)
	}
}

// resolveSaveFile derives the recording's target filename per spec.md §4.4:
// an empty save-file is timestamp-derived, and a ".h5"/".hdf5" suffix is
// added if missing. It does not mutate saveFile; callers persist the
// resolved name once the recording is created.
func (p *serverParams) resolveSaveFile() string {
	name := p.saveFile
	if strings.TrimSpace(name) == "" {
		name = p.clock.Now().Format(saveFileTimestampFormat)
	}
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".h5") && !strings.HasSuffix(lower, ".hdf5") {
		name += ".h5"
	}
	return name
}

func decodeUint32LE(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func encodeUint32LE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// isoCreationDate renders the recorder creation timestamp per spec.md §4.4
// ("creation date (ISO-8601)").
func isoCreationDate(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}
