package compiler

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Runner executes privileged commands.
type Runner interface {
	Run(argv []string, stdin io.Reader) (out []byte, err error)
}

// ExecRunner runs commands with os/exec, each behind Prefix.
type ExecRunner struct {
	Prefix []string
}

func (r *ExecRunner) Run(argv []string, stdin io.Reader) (out []byte, err error) {
	full := append(append([]string{}, r.Prefix...), argv...)
	log.Debugf("run %s", QuoteArgv(full))
	cmd := exec.Command(full[0], full[1:]...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err = cmd.Output()
	if err != nil {
		return out, errors.Wrapf(err, "%s: %s", QuoteArgv(full), strings.TrimSpace(stderr.String()))
	}
	return
}

// RecordingRunner records commands instead of running them.  Respond,
// if set, supplies the output of each command.
type RecordingRunner struct {
	mu       sync.Mutex
	Commands []string
	Respond  func(argv []string) ([]byte, error)
}

func (r *RecordingRunner) Run(argv []string, stdin io.Reader) (out []byte, err error) {
	line := QuoteArgv(argv)
	if stdin != nil {
		n, _ := io.Copy(io.Discard, stdin)
		line += fmt.Sprintf(" <%d bytes", n)
	}
	r.mu.Lock()
	r.Commands = append(r.Commands, line)
	r.mu.Unlock()
	if r.Respond != nil {
		return r.Respond(argv)
	}
	return
}

// QuoteArgv renders argv as a shell would read it back.
func QuoteArgv(argv []string) string {
	var out []string
	for _, a := range argv {
		if a != "" && strings.IndexFunc(a, needsQuote) < 0 {
			out = append(out, a)
			continue
		}
		out = append(out, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(out, " ")
}

func needsQuote(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,+@%", r))
}

// Subvol is the filesystem object a layer is built in.  Every mutation
// goes through its runner.
type Subvol struct {
	path   string
	runner Runner
}

func (s Subvol) New(p string, runner Runner) *Subvol {
	s.path = filepath.Clean(p)
	s.runner = runner
	return &s
}

// Path returns the absolute location of rel inside the subvolume.
func (s *Subvol) Path(rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if strings.Contains("/"+rel+"/", "/../") {
		return "", &InvalidPathError{Path: rel, Reason: "may not contain .."}
	}
	if clean == "/" {
		return s.path, nil
	}
	return filepath.Join(s.path, clean), nil
}

// MustPath is Path for paths that were normalized on construction.
func (s *Subvol) MustPath(rel string) string {
	p, err := s.Path(rel)
	if err != nil {
		panic(err)
	}
	return p
}

func (s *Subvol) RunAsRoot(argv ...string) ([]byte, error) {
	return s.runner.Run(argv, nil)
}

// RunAsRootStdin is RunAsRoot with stdin attached.
func (s *Subvol) RunAsRootStdin(stdin io.Reader, argv ...string) ([]byte, error) {
	return s.runner.Run(argv, stdin)
}

func (s *Subvol) Create() (err error) {
	_, err = s.RunAsRoot("btrfs", "subvolume", "create", s.path)
	return
}

// Snapshot makes s a snapshot of src.  s must not exist yet.
func (s *Subvol) Snapshot(src *Subvol) (err error) {
	if _, err = s.RunAsRoot("test", "!", "-e", s.path); err != nil {
		return
	}
	_, err = s.RunAsRoot("btrfs", "subvolume", "snapshot", src.path, s.path)
	return
}

func (s *Subvol) SetReadonly(readonly bool) (err error) {
	_, err = s.RunAsRoot("btrfs", "property", "set", "-ts", s.path, "ro", fmt.Sprint(readonly))
	return
}

func (s *Subvol) String() string {
	return s.path
}
