package compiler

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hlubek/readercomp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/t7a/fsimage"
)

func provsReqs(t *testing.T, a Action) ([]Provides, []Requires) {
	t.Helper()
	provs, err := a.Provides()
	ck(t, err)
	reqs, err := a.Requires()
	ck(t, err)
	return provs, reqs
}

func expectFieldError(t *testing.T, err error, field string) {
	t.Helper()
	var ferr *FieldError
	tassert(t, errors.As(err, &ferr), "expected FieldError, got %v", err)
	tassert(t, ferr.Field == field, "expected field %s, got %v", field, ferr)
}

func TestCopyFile(t *testing.T) {
	a, err := NewCopyFile("//f", CopyFileSpec{Source: "a/b/c", Dest: "d/"})
	ck(t, err)
	provs, reqs := provsReqs(t, a)
	tassert(t, reflect.DeepEqual(provs, []Provides{ProvidesFile("d/c")}), "provides %v", provs)
	tassert(t, reflect.DeepEqual(reqs, []Requires{RequireDirectory("d")}), "requires %v", reqs)
	tassert(t, a.Stat.Mode == OctalMode(0444), "mode %v", a.Stat.Mode)

	a, err = NewCopyFile("//f", CopyFileSpec{Source: "/bin/x", Dest: "/usr/bin/y", IsExecutable: true})
	ck(t, err)
	provs, reqs = provsReqs(t, a)
	tassert(t, provs[0] == ProvidesFile("usr/bin/y") && reqs[0] == RequireDirectory("usr/bin"), "%v %v", provs, reqs)
	tassert(t, a.Stat.Mode == OctalMode(0555) && a.Stat.UserGroup == "root:root", "stat %v", a.Stat)

	_, err = NewCopyFile("//f", CopyFileSpec{Source: "x", Dest: "/."})
	expectFieldError(t, err, "dest")
	_, err = NewCopyFile("//f", CopyFileSpec{Dest: "/y"})
	expectFieldError(t, err, "source")
	_, err = NewCopyFile("//f", CopyFileSpec{Source: "x", Dest: "../y"})
	var perr *InvalidPathError
	tassert(t, errors.As(err, &perr), "expected InvalidPathError, got %v", err)
}

func TestCopyFileBuild(t *testing.T) {
	opts, runner := testOpts(t)
	subvol := Subvol{}.New("/vol", runner)
	a, err := NewCopyFile("//f", CopyFileSpec{Source: "/src/x", Dest: "/d/", StatOptions: StatOptions{Mode: SymbolicMode("u+rw"), UserGroup: "a:b"}})
	ck(t, err)
	ck(t, a.Build(subvol, opts))
	expect := []string{
		"cp /src/x /vol/d/x",
		"test '!' -L /vol/d/x",
		"chmod -R a-rwxXst,u+rw /vol/d/x",
		"chown --no-dereference -R a:b /vol/d/x",
	}
	tassert(t, reflect.DeepEqual(runner.Commands, expect), "commands %q", runner.Commands)
}

func TestMakeDirs(t *testing.T) {
	a := mustMakeDirs(t, "/usr", "local/lib/x")
	provs, reqs := provsReqs(t, a)
	expect := []Provides{
		ProvidesDirectory("usr/local/lib/x"),
		ProvidesDirectory("usr/local/lib"),
		ProvidesDirectory("usr/local"),
	}
	tassert(t, reflect.DeepEqual(provs, expect), "provides %v", provs)
	tassert(t, reflect.DeepEqual(reqs, []Requires{RequireDirectory("usr")}), "requires %v", reqs)

	_, err := NewMakeDirs("//f", MakeDirsSpec{IntoDir: "/", PathToMake: "/"})
	expectFieldError(t, err, "path_to_make")

	opts, runner := testOpts(t)
	ck(t, a.Build(Subvol{}.New("/vol", runner), opts))
	cmds := []string{
		"mkdir -p /vol/usr/local/lib/x",
		"test '!' -L /vol/usr/local",
		"chmod -R 0755 /vol/usr/local",
		"chown --no-dereference -R root:root /vol/usr/local",
	}
	tassert(t, reflect.DeepEqual(runner.Commands, cmds), "commands %q", runner.Commands)
}

func TestSymlink(t *testing.T) {
	a, err := NewSymlinkToDir("//f", SymlinkSpec{Source: "/usr/lib", Dest: "/lib"})
	ck(t, err)
	provs, reqs := provsReqs(t, a)
	tassert(t, reflect.DeepEqual(provs, []Provides{ProvidesDirectory("lib")}), "provides %v", provs)
	tassert(t, reflect.DeepEqual(reqs, []Requires{RequireDirectory("usr/lib"), RequireDirectory(".")}), "requires %v", reqs)

	a, err = NewSymlinkToFile("//f", SymlinkSpec{Source: "/dev/null", Dest: "/etc/"})
	ck(t, err)
	provs, reqs = provsReqs(t, a)
	tassert(t, reflect.DeepEqual(provs, []Provides{ProvidesFile("etc/null")}), "provides %v", provs)
	tassert(t, reflect.DeepEqual(reqs, []Requires{RequireDirectory("etc")}), "requires %v", reqs)

	a, err = NewSymlinkToFile("//f", SymlinkSpec{Source: "/etc/a", Dest: "/etc/b"})
	ck(t, err)
	_, reqs = provsReqs(t, a)
	tassert(t, reqs[0] == RequireFile("etc/a"), "requires %v", reqs)

	opts, runner := testOpts(t)
	ck(t, a.Build(Subvol{}.New("/vol", runner), opts))
	tassert(t, runner.Commands[0] == "ln --symbolic --no-dereference /etc/a /vol/etc/b", "%q", runner.Commands)

	_, err = NewSymlinkToDir("//f", SymlinkSpec{Source: "/a"})
	expectFieldError(t, err, "dest")
}

func TestStatMode(t *testing.T) {
	var so StatOptions
	ck(t, json.Unmarshal([]byte(`{"mode": 493, "user_group": "u:g"}`), &so))
	tassert(t, so.Mode == OctalMode(0755) && so.UserGroup == "u:g", "%v", so)
	tassert(t, so.Mode.ChmodArg() == "0755", "%s", so.Mode.ChmodArg())

	so = StatOptions{}
	ck(t, json.Unmarshal([]byte(`{"mode": "u+rx,g+r"}`), &so))
	tassert(t, so.Mode == SymbolicMode("u+rx,g+r"), "%v", so)
	tassert(t, so.Mode.ChmodArg() == "a-rwxXst,u+rx,g+r", "%s", so.Mode.ChmodArg())

	so = StatOptions{}
	ck(t, json.Unmarshal([]byte(`{}`), &so))
	tassert(t, !so.Mode.IsSet(), "%v", so)
	so = so.withDefaults(0700)
	tassert(t, so.Mode == OctalMode(0700) && so.UserGroup == "root:root", "%v", so)

	for _, bad := range []string{`{"mode": -1}`, `{"mode": 1.5}`, `{"mode": 99999}`, `{"mode": true}`} {
		err := json.Unmarshal([]byte(bad), &StatOptions{})
		tassert(t, err != nil, "%s: expected error", bad)
	}

	buf, err := json.Marshal(OctalMode(0644))
	ck(t, err)
	tassert(t, string(buf) == "420", "%s", buf)
	buf, err = json.Marshal(Mode{})
	ck(t, err)
	tassert(t, string(buf) == "null", "%s", buf)
}

func TestRemovePathFields(t *testing.T) {
	a, err := NewRemovePath("//f", RemovePathSpec{Path: "/a/b/", Action: RemoveAssertExists})
	ck(t, err)
	tassert(t, a.Path == "a/b" && a.Phase() == REMOVE_PATHS, "%v", a)
	_, err = NewRemovePath("//f", RemovePathSpec{Path: "/", Action: RemoveIfExists})
	expectFieldError(t, err, "path")
	_, err = NewRemovePath("//f", RemovePathSpec{Path: "/a", Action: "maybe"})
	expectFieldError(t, err, "action")
}

func TestRpmActionFields(t *testing.T) {
	_, err := NewRpmAction("//f", RpmSpec{Name: "a", Source: "/a.rpm", Action: RpmInstall})
	expectFieldError(t, err, "name")
	_, err = NewRpmAction("//f", RpmSpec{Action: RpmInstall})
	expectFieldError(t, err, "name")
	_, err = NewRpmAction("//f", RpmSpec{Name: "a", Action: "downgrade"})
	expectFieldError(t, err, "action")

	a := mustRpm(t, "//f", "a", RpmRemoveIfExists)
	tassert(t, a.Phase() == RPM_REMOVE, "%v", a.Phase())
	a, err = NewRpmAction("//f", RpmSpec{Source: "/x/a.rpm", Action: RpmInstall})
	ck(t, err)
	tassert(t, a.Phase() == RPM_INSTALL && a.Key() == "/x/a.rpm", "%v", a)
	provs, reqs := provsReqs(t, a)
	tassert(t, len(provs) == 0 && len(reqs) == 0, "%v %v", provs, reqs)
}

func hostMount(t *testing.T, src string, isDir bool) json.RawMessage {
	t.Helper()
	buf, err := json.Marshal(map[string]interface{}{
		"is_directory":       isDir,
		"build_source":       map[string]string{"type": "host", "source": src},
		"default_mountpoint": "/mnt/host",
	})
	ck(t, err)
	return buf
}

func TestMount(t *testing.T) {
	opts, runner := testOpts(t)
	src := t.TempDir()
	target := "//fs_image/features/host_mounts:h"

	a, err := NewMount(target, MountSpec{MountConfig: hostMount(t, src, true)}, opts)
	ck(t, err)
	provs, reqs := provsReqs(t, a)
	tassert(t, reflect.DeepEqual(provs, []Provides{ProvidesDoNotAccess("mnt/host")}), "provides %v", provs)
	tassert(t, reflect.DeepEqual(reqs, []Requires{RequireDirectory("mnt")}), "requires %v", reqs)

	ck(t, a.Build(Subvol{}.New("/vol", runner), opts))
	meta := "/vol/meta/private/mount/mnt/host/MOUNT"
	bs := fmt.Sprintf(`{"type":"host","source":"%s"}`, src)
	expect := []string{
		"mkdir --parents " + meta,
		"tee " + meta + "/is_directory <5 bytes",
		fmt.Sprintf("tee %s/build_source <%d bytes", meta, len(bs)+1),
		"tee " + meta + "/runtime_source <5 bytes",
		"mkdir --mode=0755 /vol/mnt/host",
		"mount -o ro,rbind " + src + " /vol/mnt/host",
		"mount --make-rslave /vol/mnt/host",
	}
	tassert(t, reflect.DeepEqual(runner.Commands, expect), "commands %q", runner.Commands)

	// the source must match is_directory
	a, err = NewMount(target, MountSpec{Mountpoint: "/f", MountConfig: hostMount(t, src, false)}, opts)
	ck(t, err)
	tassert(t, a.Mountpoint == "f", "mountpoint %q", a.Mountpoint)
	err = a.Build(Subvol{}.New("/vol", &RecordingRunner{}), opts)
	var berr *BuildError
	tassert(t, errors.As(err, &berr), "expected BuildError, got %v", err)
}

func TestMountConfigErrors(t *testing.T) {
	opts, _ := testOpts(t)
	cfg := hostMount(t, "/etc", true)

	_, err := NewMount("//elsewhere:h", MountSpec{MountConfig: cfg}, opts)
	expectFieldError(t, err, "build_source")
	_, err = NewMount("//fs_image/compiler/test:h", MountSpec{Target: "/out", MountConfig: cfg}, opts)
	expectFieldError(t, err, "target")
	_, err = NewMount("//fs_image/compiler/test:h", MountSpec{}, opts)
	expectFieldError(t, err, "target")

	raw := json.RawMessage(`{"is_directory": true, "build_source": {"type": "layer", "source": "//l"}, "runtime_source": {"type": "host"}}`)
	_, err = NewMount("//x", MountSpec{Mountpoint: "m", MountConfig: raw}, opts)
	expectFieldError(t, err, "runtime_source")

	raw = json.RawMessage(`{"is_directory": true, "build_source": {"type": "layer", "source": "//l"}}`)
	_, err = NewMount("//x", MountSpec{MountConfig: raw}, opts)
	expectFieldError(t, err, "mountpoint")
	_, err = NewMount("//x", MountSpec{Mountpoint: "/", MountConfig: raw}, opts)
	expectFieldError(t, err, "mountpoint")

	raw = json.RawMessage(`{"is_directory": true, "build_source": {"type": "layer", "source": "//l"}, "bogus": 1}`)
	_, err = NewMount("//x", MountSpec{Mountpoint: "m", MountConfig: raw}, opts)
	expectFieldError(t, err, "mount_config")

	// the config may come from a mount target's output
	out := t.TempDir()
	ck(t, os.WriteFile(filepath.Join(out, MountConfigFile), []byte(`{"is_directory": false, "build_source": {"type": "layer", "source": "//l"}, "default_mountpoint": "etc/f"}`), 0644))
	a, err := NewMount("//x", MountSpec{Target: out}, opts)
	ck(t, err)
	tassert(t, a.Mountpoint == "etc/f" && !a.IsDirectory, "%v", a)
}

// mkTar returns an archive holding the root, a directory and two files.
func mkTar(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range []struct {
		name string
		body string
	}{
		{"./", ""},
		{"d/", ""},
		{"d/f", "hello"},
		{"top", "world"},
	} {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.name[len(e.name)-1] == '/' {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		}
		ck(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(e.body))
		ck(t, err)
	}
	ck(t, tw.Close())
	return buf.Bytes()
}

func writeCompressed(t *testing.T, fn string, data []byte) string {
	t.Helper()
	fh, err := os.Create(fn)
	ck(t, err)
	defer fh.Close()
	var w io.WriteCloser
	switch compression(fn) {
	case "gzip":
		w = gzip.NewWriter(fh)
	case "zstd":
		w, err = zstd.NewWriter(fh)
		ck(t, err)
	case "lz4":
		w = lz4.NewWriter(fh)
	default:
		_, err = fh.Write(data)
		ck(t, err)
		return fn
	}
	_, err = w.Write(data)
	ck(t, err)
	ck(t, w.Close())
	return fn
}

func sha256Of(t *testing.T, fn string) string {
	t.Helper()
	h, err := fsimage.HashFile("sha256", fn)
	ck(t, err)
	return "sha256:" + h
}

func TestTarballProvides(t *testing.T) {
	dir := t.TempDir()
	data := mkTar(t)
	force := true
	expect := []Provides{
		ProvidesDirectory("opt/d"),
		ProvidesFile("opt/d/f"),
		ProvidesFile("opt/top"),
	}
	for _, name := range []string{"t.tar", "t.tar.gz", "t.tgz", "t.tar.zst", "t.tar.lz4"} {
		fn := writeCompressed(t, filepath.Join(dir, name), data)

		rc, err := openTarball(fn)
		ck(t, err)
		ok, err := readercomp.Equal(bytes.NewReader(data), rc, 4096)
		ck(t, err)
		tassert(t, ok, "%s: decompressed stream differs", name)
		ck(t, rc.Close())

		a, err := NewTarball("//f", TarballSpec{IntoDir: "/opt", Tarball: fn, Hash: sha256Of(t, fn), ForceRootOwnership: &force})
		ck(t, err)
		provs, reqs := provsReqs(t, a)
		tassert(t, reflect.DeepEqual(provs, expect), "%s: provides %v", name, provs)
		tassert(t, reflect.DeepEqual(reqs, []Requires{RequireDirectory("opt")}), "%s: requires %v", name, reqs)
	}
}

func TestTarballErrors(t *testing.T) {
	fn := writeCompressed(t, filepath.Join(t.TempDir(), "t.tar"), mkTar(t))
	force := false
	_, err := NewTarball("//f", TarballSpec{IntoDir: "/", Tarball: fn, Hash: "sha256:00"})
	expectFieldError(t, err, "force_root_ownership")
	_, err = NewTarball("//f", TarballSpec{IntoDir: "/", Tarball: fn, Hash: "sha256:00", ForceRootOwnership: &force})
	var herr *fsimage.HashMismatchError
	tassert(t, errors.As(err, &herr), "expected HashMismatchError, got %v", err)
	_, err = NewTarball("//f", TarballSpec{IntoDir: "/", Hash: "sha256:00", ForceRootOwnership: &force})
	expectFieldError(t, err, "tarball")
}

func TestTarballBuild(t *testing.T) {
	dir := t.TempDir()
	data := mkTar(t)
	force := true
	opts, runner := testOpts(t)
	subvol := Subvol{}.New("/vol", runner)

	plain := writeCompressed(t, filepath.Join(dir, "t.tar.gz"), data)
	a, err := NewTarball("//f", TarballSpec{IntoDir: "/opt", Tarball: plain, Hash: sha256Of(t, plain), ForceRootOwnership: &force})
	ck(t, err)
	ck(t, a.Build(subvol, opts))

	zst := writeCompressed(t, filepath.Join(dir, "t.tar.zst"), data)
	force = false
	a, err = NewTarball("//f", TarballSpec{IntoDir: "/", Tarball: zst, Hash: sha256Of(t, zst), ForceRootOwnership: &force})
	ck(t, err)
	ck(t, a.Build(subvol, opts))

	expect := []string{
		"tar -C /vol/opt -x --force-local --no-same-owner --keep-old-files -f " + plain,
		fmt.Sprintf("tar -C /vol -x --force-local --keep-old-files -f - <%d bytes", len(data)),
	}
	tassert(t, reflect.DeepEqual(runner.Commands, expect), "commands %q", runner.Commands)
}
