package tracker

import (
	"fmt"
	"strings"

	"gqlbuild/cas"
)

// Fingerprinter decides how much of a file participates in its fingerprint.
type Fingerprinter interface {
	// Name identifies the strategy in config and logs.
	Name() string
	// Reuse carries information over from the previous fingerprint of the
	// same file when the fresh stat allows it.
	Reuse(previous, fresh Fingerprint) Fingerprint
	// NeedsContent reports whether the file must be read to complete fp.
	NeedsContent(fp Fingerprint) bool
	// WithContent completes fp from the file content.
	WithContent(fp Fingerprint, content []byte) Fingerprint
}

// StatFingerprinter uses mtime and size only. A touch without an edit is
// reported as updated.
type StatFingerprinter struct{}

func (StatFingerprinter) Name() string                                     { return "stat" }
func (StatFingerprinter) Reuse(_, fresh Fingerprint) Fingerprint           { return fresh }
func (StatFingerprinter) NeedsContent(Fingerprint) bool                    { return false }
func (StatFingerprinter) WithContent(fp Fingerprint, _ []byte) Fingerprint { return fp }

// ContentFingerprinter adds a BLAKE3 digest of the file content. A digest is
// reused without reading the file when mtime and size are unchanged, and a
// touch without an edit compares equal because digests decide equality.
type ContentFingerprinter struct{}

func (ContentFingerprinter) Name() string { return "content" }

func (ContentFingerprinter) Reuse(previous, fresh Fingerprint) Fingerprint {
	if previous.Digest != "" && previous.MtimeMs == fresh.MtimeMs && previous.Size == fresh.Size {
		fresh.Digest = previous.Digest
	}
	return fresh
}

func (ContentFingerprinter) NeedsContent(fp Fingerprint) bool { return fp.Digest == "" }

func (ContentFingerprinter) WithContent(fp Fingerprint, content []byte) Fingerprint {
	fp.Size = int64(len(content))
	fp.Digest = cas.Blake3HashHex(content)
	return fp
}

// FingerprinterByName resolves a strategy name. The empty string selects stat.
func FingerprinterByName(name string) (Fingerprinter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stat":
		return StatFingerprinter{}, nil
	case "content":
		return ContentFingerprinter{}, nil
	default:
		return nil, fmt.Errorf("unknown fingerprint strategy %q (want stat or content)", name)
	}
}
