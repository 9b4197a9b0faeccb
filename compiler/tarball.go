package compiler

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/fsimage"
)

// TarballSpec is a tarballs feature entry.  Hash is "algo:hexdigest".
type TarballSpec struct {
	IntoDir            string `json:"into_dir"`
	Tarball            string `json:"tarball"`
	Hash               string `json:"hash"`
	ForceRootOwnership *bool  `json:"force_root_ownership"`
}

// Tarball extracts an archive into IntoDir.  The archive's hash is
// checked when the action is made.
type Tarball struct {
	base
	IntoDir            string
	Tarball            string
	Hash               string
	ForceRootOwnership bool
}

func NewTarball(target string, spec TarballSpec) (a *Tarball, err error) {
	if spec.Tarball == "" {
		return nil, &FieldError{Action: "Tarball", Field: "tarball", Reason: "is required"}
	}
	if spec.ForceRootOwnership == nil {
		return nil, &FieldError{Action: "Tarball", Field: "force_root_ownership", Reason: "must be true or false"}
	}
	if err = fsimage.VerifyFile(spec.Tarball, spec.Hash); err != nil {
		return nil, errors.Wrapf(err, "tarball %s failed hash validation", spec.Tarball)
	}
	into, err := NormalizePath(spec.IntoDir)
	if err != nil {
		return
	}
	a = &Tarball{
		base:               base{FromTarget: target},
		IntoDir:            into,
		Tarball:            spec.Tarball,
		Hash:               spec.Hash,
		ForceRootOwnership: *spec.ForceRootOwnership,
	}
	return
}

func (a *Tarball) String() string {
	return fmt.Sprintf("Tarball{%s: %s into %s}", a.FromTarget, a.Tarball, a.IntoDir)
}

type multiCloser struct {
	io.Reader
	closers []func() error
}

func (m *multiCloser) Close() (err error) {
	for i := len(m.closers) - 1; i >= 0; i-- {
		if cerr := m.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	return
}

// compression names the codec implied by the file name, or "" for an
// uncompressed archive.
func compression(fn string) string {
	switch {
	case strings.HasSuffix(fn, ".gz"), strings.HasSuffix(fn, ".tgz"):
		return "gzip"
	case strings.HasSuffix(fn, ".zst"):
		return "zstd"
	case strings.HasSuffix(fn, ".lz4"):
		return "lz4"
	case strings.HasSuffix(fn, ".bz2"), strings.HasSuffix(fn, ".tbz2"):
		return "bzip2"
	}
	return ""
}

// openTarball returns the decompressed archive stream of fn.
func openTarball(fn string) (rc io.ReadCloser, err error) {
	defer Return(&err)
	fh, err := os.Open(fn)
	Ck(err)
	m := &multiCloser{Reader: fh, closers: []func() error{fh.Close}}
	switch compression(fn) {
	case "gzip":
		gz, err := gzip.NewReader(fh)
		if err != nil {
			fh.Close()
			return nil, errors.Wrapf(err, "gunzip %s", fn)
		}
		m.Reader = gz
		m.closers = append(m.closers, gz.Close)
	case "zstd":
		zr, err := zstd.NewReader(fh)
		if err != nil {
			fh.Close()
			return nil, errors.Wrapf(err, "unzstd %s", fn)
		}
		m.Reader = zr
		m.closers = append(m.closers, func() error { zr.Close(); return nil })
	case "lz4":
		m.Reader = lz4.NewReader(fh)
	case "bzip2":
		m.Reader = bzip2.NewReader(fh)
	}
	return m, nil
}

// Provides lists every archive member under IntoDir.  IntoDir itself is
// left alone by extraction, so it is not provided.
func (a *Tarball) Provides() (provs []Provides, err error) {
	rc, err := openTarball(a.Tarball)
	if err != nil {
		return
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", a.Tarball)
		}
		rel, err := NormalizePath(hdr.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "member of %s", a.Tarball)
		}
		p := joinPath(a.IntoDir, rel)
		if hdr.Typeflag == tar.TypeDir {
			if p != a.IntoDir {
				provs = append(provs, ProvidesDirectory(p))
			}
			continue
		}
		provs = append(provs, ProvidesFile(p))
	}
	return
}

func (a *Tarball) Requires() ([]Requires, error) {
	return []Requires{RequireDirectory(a.IntoDir)}, nil
}

// Build runs tar against the archive, feeding it the decompressed
// stream when tar cannot read the codec itself.
func (a *Tarball) Build(subvol *Subvol, opts *LayerOptions) (err error) {
	argv := []string{"tar", "-C", subvol.MustPath(a.IntoDir), "-x", "--force-local"}
	if a.ForceRootOwnership {
		argv = append(argv, "--no-same-owner")
	}
	argv = append(argv, "--keep-old-files", "-f")
	switch compression(a.Tarball) {
	case "zstd", "lz4":
		rc, err := openTarball(a.Tarball)
		if err != nil {
			return err
		}
		defer rc.Close()
		log.Debugf("piping decompressed %s to tar", a.Tarball)
		_, err = subvol.RunAsRootStdin(rc, append(argv, "-")...)
		return err
	}
	_, err = subvol.RunAsRoot(append(argv, a.Tarball)...)
	return
}
