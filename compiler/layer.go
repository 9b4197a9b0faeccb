package compiler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
)

// LayerInfo is the layer.json descriptor of a built layer.
type LayerInfo struct {
	SubvolumeRelPath string `json:"subvolume_rel_path"`
	Hostname         string `json:"hostname,omitempty"`
	Danger           string `json:"DANGER,omitempty"`
}

const layerDanger = "Do NOT edit manually: this can break future builds."

// LayerJSON is the descriptor name inside a layer's output directory.
const LayerJSON = "layer.json"

// LoadLayerInfo reads a descriptor and returns it with the absolute
// subvolume path it names.
func LoadLayerInfo(fn, subvolumesDir string) (info *LayerInfo, subvolPath string, err error) {
	defer Return(&err)
	buf, err := os.ReadFile(fn)
	Ck(err)
	info = &LayerInfo{}
	if err = json.Unmarshal(buf, info); err != nil {
		return nil, "", errors.Wrapf(err, "parsing %s", fn)
	}
	rel := filepath.Clean(info.SubvolumeRelPath)
	if info.SubvolumeRelPath == "" || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, "", &InvalidPathError{Path: info.SubvolumeRelPath, Reason: "is not a path under the subvolumes dir"}
	}
	return info, filepath.Join(subvolumesDir, rel), nil
}

// WriteLayerInfo atomically writes the descriptor for the subvolume at
// subvolumesDir/rel.
func WriteLayerInfo(fn, rel string) (err error) {
	defer Return(&err)
	hostname, err := os.Hostname()
	Ck(err)
	buf, err := json.MarshalIndent(LayerInfo{SubvolumeRelPath: rel, Hostname: hostname, Danger: layerDanger}, "", "  ")
	Ck(err)
	err = renameio.WriteFile(fn, append(buf, '\n'), 0644)
	Ck(err)
	return
}

// layerSubvolPath resolves the output directory of a layer target to
// its subvolume.
func layerSubvolPath(outDir, subvolumesDir string) (string, error) {
	_, p, err := LoadLayerInfo(filepath.Join(outDir, LayerJSON), subvolumesDir)
	return p, err
}
