package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/docopt/docopt-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	fsimage "github.com/t7a/fsimage"
	"github.com/t7a/fsimage/compiler"
	"github.com/t7a/fsimage/mockfs"
)

type Opts struct {
	Plan     bool     `docopt:"plan"`
	Build    bool     `docopt:"build"`
	Showplan bool     `docopt:"showplan"`
	Clones   bool     `docopt:"clones"`
	Dedup    bool     `docopt:"dedup"`
	Hash     bool     `docopt:"hash"`
	Config   string   `docopt:"--config"`
	Out      string   `docopt:"--out"`
	Parent   string   `docopt:"--parent"`
	DryRun   bool     `docopt:"--dry-run"`
	MinSize  string   `docopt:"--min-size"`
	MaxSize  string   `docopt:"--max-size"`
	Subvol   string   `docopt:"<subvol>"`
	Target   string   `docopt:"<target>"`
	Feature  []string `docopt:"<feature>"`
	Planfile string   `docopt:"<planfile>"`
	Figure   string   `docopt:"<figure>"`
	Algo     string   `docopt:"<algo>"`
	File     []string `docopt:"<file>"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {

	usage := `fsimage

Usage:
  fsimage plan [-c <config>] [-o <planfile>] [--parent <layerjson>] <target> <feature>...
  fsimage build [-c <config>] [-n] [-o <layerjson>] [--parent <layerjson>] <subvol> <target> <feature>...
  fsimage showplan <planfile>
  fsimage clones <figure>
  fsimage dedup [-m <size>] [-x <size>] <file>...
  fsimage hash <algo> <file>...

Options:
  -h --help              Show this screen.
  --version              Show version.
  -c --config=<config>   YAML layer options.
  -o --out=<out>         Write the plan, or the built layer's layer.json, here.
  --parent=<layerjson>   layer.json of the parent layer.
  -n --dry-run           Print the build commands instead of running them.
  -m --min-size=<size>   Minimum chunk size [default: 512k].
  -x --max-size=<size>   Maximum chunk size [default: 8m].
`
	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.1")
	var opts Opts
	err := o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}
	log.Debug(opts)

	switch true {
	case opts.Plan:
		plan, err := compile(&opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		if opts.Out != "" {
			err = plan.WritePlan(opts.Out)
			if err != nil {
				log.Error(err)
				return 43
			}
		} else {
			fmt.Print(plan.Record())
		}
	case opts.Build:
		cmds, err := build(&opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, cmd := range cmds {
			fmt.Println(cmd)
		}
	case opts.Showplan:
		rec, err := compiler.ReadPlan(opts.Planfile)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Print(rec)
	case opts.Clones:
		out, err := clones(opts.Figure)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Print(out)
	case opts.Dedup:
		out, err := dedup(opts.MinSize, opts.MaxSize, opts.File)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Print(out)
	case opts.Hash:
		for _, fn := range opts.File {
			hexhash, err := fsimage.HashFile(opts.Algo, fn)
			if err != nil {
				log.Error(err)
				return 42
			}
			fmt.Printf("%s  %s\n", hexhash, fn)
		}
	}
	return 0
}

func layerOptions(opts *Opts) (lo *compiler.LayerOptions, err error) {
	if opts.Config != "" {
		lo, err = compiler.LoadLayerOptions(opts.Config)
		if err != nil {
			return
		}
	} else {
		lo = compiler.LayerOptions{}.New()
	}
	lo.LayerTarget = opts.Target
	return
}

func compile(opts *Opts) (plan *compiler.Plan, err error) {
	lo, err := layerOptions(opts)
	if err != nil {
		return
	}
	return compiler.Compile(opts.Parent, opts.Feature, lo)
}

// build compiles and builds the layer.  With --dry-run nothing runs and
// the commands that would have run are returned.
func build(opts *Opts) (cmds []string, err error) {
	defer Return(&err)
	lo, err := layerOptions(opts)
	Ck(err)
	var recorder *compiler.RecordingRunner
	if opts.DryRun {
		recorder = &compiler.RecordingRunner{}
		lo.Runner = recorder
	}
	runner, err := lo.GetRunner()
	Ck(err)
	plan, err := compiler.Compile(opts.Parent, opts.Feature, lo)
	Ck(err)
	err = plan.Build(compiler.Subvol{}.New(opts.Subvol, runner), lo)
	Ck(err)
	if opts.Out != "" {
		var abs, rel string
		abs, err = filepath.Abs(opts.Subvol)
		Ck(err)
		rel, err = filepath.Rel(lo.SubvolumesDir, abs)
		Ck(err)
		if lo.SubvolumesDir == "" || rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, fmt.Errorf("subvolume %s is not under subvolumes dir %q", opts.Subvol, lo.SubvolumesDir)
		}
		err = compiler.WriteLayerInfo(opts.Out, rel)
		Ck(err)
	}
	if recorder != nil {
		cmds = recorder.Commands
	}
	return
}

func clones(fn string) (out string, err error) {
	defer Return(&err)
	buf, err := os.ReadFile(fn)
	Ck(err)
	files, err := mockfs.FigureFiles(mockfs.Arena{}.New(), string(buf), mockfs.FigureOpts{})
	Ck(err)
	err = mockfs.FindClones(files)
	Ck(err)
	return mockfs.FormatChunks(files), nil
}

func dedup(minSize, maxSize string, fns []string) (out string, err error) {
	defer Return(&err)
	lo, err := units.RAMInBytes(minSize)
	if err != nil {
		return "", errors.Wrapf(err, "min size")
	}
	hi, err := units.RAMInBytes(maxSize)
	if err != nil {
		return "", errors.Wrapf(err, "max size")
	}
	if lo <= 0 || lo > hi {
		return "", fmt.Errorf("need 0 < min size <= max size, got %d and %d", lo, hi)
	}
	d := mockfs.Dedup{MinSize: uint(lo), MaxSize: uint(hi)}.New(mockfs.Arena{}.New())
	var files []*mockfs.File
	for _, fn := range fns {
		f, err := d.AddFile(fn)
		Ck(err)
		files = append(files, f)
	}
	log.Debugf("%d files, %d distinct chunks", len(files), d.Chunks())
	err = mockfs.FindClones(files)
	Ck(err)
	return mockfs.FormatChunks(files), nil
}
