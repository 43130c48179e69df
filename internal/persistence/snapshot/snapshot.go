// Package snapshot is the on-disk save container: a zstd stream holding one
// JSON header line followed by the binary sections of the simulation, each
// written by its owner's WriteTo.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

var ErrVersion = errors.New("snapshot: unsupported version")

type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Tick      uint32 `json:"tick"`
	Seed      uint64 `json:"seed"`
	// ScenarioDigest ties the save to the scenario it started from.
	ScenarioDigest uint64 `json:"scenario_digest,omitempty"`
	// Checksum is the main state checksum at Tick, if one was taken.
	Checksum uint32 `json:"checksum,omitempty"`
	Sections int    `json:"sections"`
}

// Write compresses the header and sections into w. Header.Version and
// Header.Sections are filled in.
func Write(w io.Writer, h Header, sections ...io.WriterTo) error {
	h.Version = Version
	h.Sections = len(sections)

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(h)
	bw.Write(hb)
	bw.WriteByte('\n')
	for i, s := range sections {
		if _, err := s.WriteTo(bw); err != nil {
			enc.Close()
			return fmt.Errorf("snapshot: section %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Encode is Write into a fresh buffer.
func Encode(h Header, sections ...io.WriterTo) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, h, sections...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read decodes the header, hands it to check (which may refuse the save or
// prepare the section owners) and then reads the sections in order.
func Read(r io.Reader, check func(Header) error, sections ...io.ReaderFrom) (Header, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()
	br := bufio.NewReaderSize(dec, 256*1024)

	h, err := readHeader(br)
	if err != nil {
		return h, err
	}
	if h.Sections != len(sections) {
		return h, fmt.Errorf("snapshot: save has %d sections, reader expects %d", h.Sections, len(sections))
	}
	if check != nil {
		if err := check(h); err != nil {
			return h, err
		}
	}
	for i, s := range sections {
		if _, err := s.ReadFrom(br); err != nil {
			return h, fmt.Errorf("snapshot: section %d: %w", i, err)
		}
	}
	return h, nil
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("snapshot: header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("snapshot: header: %w", err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w %d", ErrVersion, h.Version)
	}
	return h, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(r io.Reader) (Header, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

// WriteFile stores already encoded save bytes at path through a temp file
// and a rename, so a crash never leaves a torn save behind.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadHeaderFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return ReadHeader(f)
}

// Path names the save of tick inside dir.
func Path(dir string, tick uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%010d.snap.zst", tick))
}

// List returns the saves in dir ordered by tick.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if _, ok := tickOf(e.Name()); ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := tickOf(filepath.Base(out[i]))
		b, _ := tickOf(filepath.Base(out[j]))
		return a < b
	})
	return out, nil
}

// Latest returns the newest save in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	all, err := List(dir)
	if err != nil || len(all) == 0 {
		return "", err
	}
	return all[len(all)-1], nil
}

func tickOf(name string) (uint32, bool) {
	s, ok := strings.CutSuffix(name, ".snap.zst")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
