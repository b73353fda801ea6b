// Package weights saves and loads model params (a trees.Tree[*tensors.Tensor]) as msgpack checkpoints,
// along with the matching metadata.
package weights

import (
	"github.com/Akash4467/gemma/trees"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"k8s.io/klog/v2"
	"os"
	"path"
)

const (
	// CheckpointFileName is the name of the file holding the params, inside the checkpoint directory.
	CheckpointFileName = "checkpoint"

	checkpointVersion = 1
)

// checkpoint is the msgpack serialized form of the params.
type checkpoint struct {
	Version int               `msgpack:"version"`
	Entries []checkpointEntry `msgpack:"entries"`
}

// checkpointEntry holds one tensor. Only one of the data fields is set, according to DType.
type checkpointEntry struct {
	Path    string    `msgpack:"path"`
	DType   int32     `msgpack:"dtype"`
	Dims    []int     `msgpack:"dims"`
	Float32 []float32 `msgpack:"f32,omitempty"`
	Int32   []int32   `msgpack:"i32,omitempty"`
}

// Save writes params to checkpointDir/checkpoint, creating the directory if needed.
func Save(checkpointDir string, params *trees.Tree[*tensors.Tensor]) error {
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", checkpointDir)
	}
	ckpt := checkpoint{Version: checkpointVersion}
	for treePath, t := range params.OrderedLeaves() {
		entry := checkpointEntry{
			Path:  treePath.String(),
			DType: int32(t.DType()),
			Dims:  t.Shape().Dimensions,
		}
		switch t.DType() {
		case dtypes.Float32:
			entry.Float32 = tensors.CopyFlatData[float32](t)
		case dtypes.Int32:
			entry.Int32 = tensors.CopyFlatData[int32](t)
		default:
			return errors.Errorf("param %q has dtype %s, only Float32 and Int32 can be saved", treePath, t.DType())
		}
		ckpt.Entries = append(ckpt.Entries, entry)
	}

	checkpointPath := path.Join(checkpointDir, CheckpointFileName)
	f, err := os.Create(checkpointPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file %q", checkpointPath)
	}
	if err = msgpack.NewEncoder(f).Encode(&ckpt); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write checkpoint to %q", checkpointPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint file %q", checkpointPath)
	}
	klog.V(1).Infof("saved %d params to %q", len(ckpt.Entries), checkpointPath)
	return nil
}

// readCheckpoint of checkpointDir.
func readCheckpoint(checkpointDir string) (ckpt *checkpoint, err error) {
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	checkpointPath := path.Join(checkpointDir, CheckpointFileName)
	var f *os.File
	f, err = os.Open(checkpointPath)
	if err != nil {
		err = errors.Wrapf(err, "failed to read checkpoint file from %q", checkpointPath)
		return
	}
	defer func() { _ = f.Close() }()

	ckpt = &checkpoint{}
	if err = msgpack.NewDecoder(f).Decode(ckpt); err != nil {
		err = errors.Wrapf(err, "failed to decode checkpoint %q", checkpointPath)
		return
	}
	if ckpt.Version != checkpointVersion {
		err = errors.Errorf("checkpoint %q has version %d, only version %d is supported",
			checkpointPath, ckpt.Version, checkpointVersion)
	}
	return
}

// Load reads the params saved with Save in checkpointDir.
func Load(checkpointDir string) (*trees.Tree[*tensors.Tensor], error) {
	ckpt, err := readCheckpoint(checkpointDir)
	if err != nil {
		return nil, err
	}
	params := trees.New[*tensors.Tensor]()
	var memory uint64
	for _, entry := range ckpt.Entries {
		var t *tensors.Tensor
		switch dtypes.DType(entry.DType) {
		case dtypes.Float32:
			t = tensors.FromFlatDataAndDimensions(entry.Float32, entry.Dims...)
		case dtypes.Int32:
			t = tensors.FromFlatDataAndDimensions(entry.Int32, entry.Dims...)
		default:
			return nil, errors.Errorf("param %q has unsupported dtype %s", entry.Path, dtypes.DType(entry.DType))
		}
		if err = params.Set(trees.ParsePath(entry.Path), t); err != nil {
			return nil, errors.WithMessagef(err, "while loading checkpoint from %q", checkpointDir)
		}
		memory += uint64(t.Shape().Memory())
	}
	klog.V(1).Infof("loaded %d params (%s) from %q", len(ckpt.Entries), humanize.Bytes(memory), checkpointDir)
	return params, nil
}
