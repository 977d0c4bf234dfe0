// Package snapshot encodes module state into checksummed export records and applies them
// back. The text form is base64 of:
//
//	[timestamp][world name][export name][small module count]
//	  ([name][display name][small version][uint32 length][bytes])*
//	[crc32 of everything before it]
package snapshot

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"lockstep/internal/codec"
	"lockstep/internal/state"
)

const crcSize = 4

var (
	// ErrEncoding is returned for text that is not valid base64.
	ErrEncoding = errors.New("snapshot: invalid encoding")
	// ErrChecksumMismatch is returned when the trailing CRC32 does not match.
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	// ErrTruncated is returned when the record ends before its declared contents.
	ErrTruncated = errors.New("snapshot: truncated data")
)

// Header carries the record's metadata.
type Header struct {
	Timestamp time.Time
	World     string
	Name      string
}

// Section is one module's serialized slice.
type Section struct {
	Name        string
	DisplayName string
	Version     uint32
	Data        []byte
}

// Snapshot is a decoded, checksum-verified record.
type Snapshot struct {
	Header
	Sections []Section
}

// WriteSection writes one module's slice, length-prefixed by backpatching.
func WriteSection(w *codec.Writer, m state.Module, isExport bool) {
	w.WriteString(m.Name())
	w.WriteString(m.DisplayName())
	w.WriteSmallUint(uint64(m.Version()))
	at := w.ReserveUint32()
	start := w.Len()
	m.Serialize(w, isExport)
	w.PatchUint32(at, uint32(w.Len()-start))
}

// ReadSection reads a slice written by WriteSection without interpreting its bytes.
func ReadSection(r *codec.Reader) (Section, error) {
	var s Section
	s.Name = r.ReadString()
	s.DisplayName = r.ReadString()
	version := r.ReadSmallUint()
	length := r.ReadUint32()
	if r.Err() != nil {
		return Section{}, ErrTruncated
	}
	if version > uint64(^uint32(0)) || int(length) > r.Remaining() {
		return Section{}, ErrTruncated
	}
	s.Version = uint32(version)
	s.Data = r.ReadRaw(int(length))
	return s, nil
}

// Build serializes every module that supports export and appends the checksum.
func Build(h Header, modules []state.Module) []byte {
	w := codec.NewWriter(1024)
	w.WriteTime(h.Timestamp)
	w.WriteString(h.World)
	w.WriteString(h.Name)
	exported := make([]state.Module, 0, len(modules))
	for _, m := range modules {
		if m.SupportsImportExport() {
			exported = append(exported, m)
		}
	}
	w.WriteSmallUint(uint64(len(exported)))
	for _, m := range exported {
		WriteSection(w, m, true)
	}
	sum := crc32.ChecksumIEEE(w.Bytes())
	var tail [crcSize]byte
	binary.LittleEndian.PutUint32(tail[:], sum)
	w.WriteRaw(tail[:])
	return w.Clone()
}

// Export returns the text form of Build.
func Export(h Header, modules []state.Module) string {
	return base64.StdEncoding.EncodeToString(Build(h, modules))
}

// Unwrap decodes the text form into raw record bytes.
func Unwrap(text string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return raw, nil
}

// Parse verifies the checksum and splits raw into sections. Nothing is applied.
func Parse(raw []byte) (*Snapshot, error) {
	if len(raw) < crcSize {
		return nil, ErrTruncated
	}
	body := raw[:len(raw)-crcSize]
	want := binary.LittleEndian.Uint32(raw[len(raw)-crcSize:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, ErrChecksumMismatch
	}
	r := codec.NewReader(body)
	snap := &Snapshot{}
	snap.Timestamp = r.ReadTime()
	snap.World = r.ReadString()
	snap.Name = r.ReadString()
	count := r.ReadSmallUint()
	if r.Err() != nil || count > uint64(r.Remaining()) {
		return nil, ErrTruncated
	}
	snap.Sections = make([]Section, 0, int(count))
	for i := uint64(0); i < count; i++ {
		section, err := ReadSection(r)
		if err != nil {
			return nil, err
		}
		snap.Sections = append(snap.Sections, section)
	}
	if r.Remaining() != 0 {
		return nil, ErrTruncated
	}
	return snap, nil
}

// Import unwraps and parses the text form.
func Import(text string) (*Snapshot, error) {
	raw, err := Unwrap(text)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// SkipReason explains why a section was not applied.
type SkipReason string

const (
	SkipUnknownModule SkipReason = "unknown module"
	SkipTooOld        SkipReason = "version below supported floor"
	SkipTooNew        SkipReason = "version above supported ceiling"
	SkipNotImportable SkipReason = "module does not support import"
)

// Skipped records a section that was left untouched.
type Skipped struct {
	Module  string
	Version uint32
	Reason  SkipReason
}

// ModuleError records a module whose deserialize hook failed.
type ModuleError struct {
	Module string
	Err    error
}

// Report summarises an Apply.
type Report struct {
	Applied []string
	Skipped []Skipped
	Errors  []ModuleError
}

// Apply hands each section to the matching module. Sections outside a module's version
// range are skipped by length; a failing module does not stop the others.
func (s *Snapshot) Apply(set *state.Set, isImport bool) Report {
	var report Report
	for _, section := range s.Sections {
		module, ok := set.Lookup(section.Name)
		switch {
		case !ok:
			report.Skipped = append(report.Skipped, Skipped{Module: section.Name, Version: section.Version, Reason: SkipUnknownModule})
			continue
		case isImport && !module.SupportsImportExport():
			report.Skipped = append(report.Skipped, Skipped{Module: section.Name, Version: section.Version, Reason: SkipNotImportable})
			continue
		case section.Version < module.LowestSupportedVersion():
			report.Skipped = append(report.Skipped, Skipped{Module: section.Name, Version: section.Version, Reason: SkipTooOld})
			continue
		case section.Version > module.Version():
			report.Skipped = append(report.Skipped, Skipped{Module: section.Name, Version: section.Version, Reason: SkipTooNew})
			continue
		}
		r := codec.NewReader(section.Data)
		err := module.Deserialize(r, isImport, section.Version)
		if err == nil && r.Err() != nil {
			err = r.Err()
		}
		if err != nil {
			report.Errors = append(report.Errors, ModuleError{Module: section.Name, Err: err})
			continue
		}
		report.Applied = append(report.Applied, section.Name)
	}
	return report
}
