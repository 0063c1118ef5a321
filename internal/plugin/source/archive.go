// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package source

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"strings"

	"github.com/samber/oops"
)

// maxArchiveEntries bounds the number of headers read from one archive.
const maxArchiveEntries = 10000

// ReadTarGz reads a gzip-compressed tarball into memory. The single
// top-level directory that hosting services wrap repository content in is
// stripped from every path. Paths are otherwise recorded verbatim so that
// integrity checks see exactly what the archive contains.
func ReadTarGz(r io.Reader, limits ArchiveLimits) (*Archive, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, oops.Code("ARCHIVE_INVALID").Wrap(err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	archive := &Archive{}
	var (
		read    int64
		prefix  string
		started bool
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return nil, oops.Code("ARCHIVE_INVALID").Wrap(err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if len(archive.Entries) >= maxArchiveEntries {
			return nil, oops.Code("ARCHIVE_TOO_LARGE").Errorf("archive exceeds %d entries", maxArchiveEntries)
		}

		if !started {
			prefix, started = topLevel(hdr.Name), true
		}
		name, ok := stripPrefix(hdr.Name, prefix)
		if !ok {
			continue
		}
		entry := Entry{
			Path: name,
			Mode: hdr.FileInfo().Mode(),
			Size: hdr.Size,
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			entry.Type = EntryDir
		case tar.TypeSymlink, tar.TypeLink:
			entry.Type = EntrySymlink
			entry.Target = hdr.Linkname
		case tar.TypeReg:
			entry.Type = EntryFile
			if hdr.Size < 0 || hdr.Size > limits.MaxFileSize || read+hdr.Size > limits.MaxTotalSize {
				entry.Skipped = true
				break
			}
			data := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, data); err != nil {
				return nil, oops.Code("ARCHIVE_INVALID").With("path", name).Wrap(err)
			}
			entry.Data = data
			read += hdr.Size
		default:
			entry.Type = EntryOther
		}
		archive.Entries = append(archive.Entries, entry)
	}
	return archive, nil
}

// topLevel returns the wrapping directory named by the first entry, or ""
// if the first entry does not look like one.
func topLevel(name string) string {
	first, _, found := strings.Cut(strings.TrimPrefix(name, "./"), "/")
	if !found || first == "" || first == "." || first == ".." {
		return ""
	}
	return first
}

// stripPrefix removes the wrapping directory from name. The directory entry
// itself is reported as not ok. Names outside the prefix are returned
// unchanged.
func stripPrefix(name, prefix string) (string, bool) {
	clean := strings.TrimPrefix(name, "./")
	if prefix == "" {
		return name, name != ""
	}
	if clean == prefix || clean == prefix+"/" {
		return "", false
	}
	if rest, ok := strings.CutPrefix(clean, prefix+"/"); ok {
		rest = strings.TrimSuffix(rest, "/")
		return rest, rest != ""
	}
	return name, true
}
