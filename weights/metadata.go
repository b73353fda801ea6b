package weights

import (
	"fmt"
	"github.com/Akash4467/gemma/trees"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// MetadataEntry holds information about one tensor.
type MetadataEntry struct {
	Name  string
	Shape shapes.Shape
}

// String implements fmt.Stringer.
func (e MetadataEntry) String() string {
	return fmt.Sprintf("%s (%s)", e.Shape, humanize.Bytes(uint64(e.Shape.Memory())))
}

// Metadata holds the tree of tensors descriptions of a checkpoint.
type Metadata struct {
	Entries *trees.Tree[MetadataEntry]

	// Directory where tha data is located.
	Directory string
}

// Memory returns the total size of the described tensors, in bytes.
func (m *Metadata) Memory() uint64 {
	var total uint64
	for _, e := range m.Entries.Leaves() {
		total += uint64(e.Shape.Memory())
	}
	return total
}

// LoadMetadata returns the metadata loaded from the given directory in the form of a tree.
func LoadMetadata(dir string) (metadata *Metadata, err error) {
	ckpt, err := readCheckpoint(dir)
	if err != nil {
		return nil, err
	}
	metadata = &Metadata{
		Entries:   trees.New[MetadataEntry](),
		Directory: dir,
	}
	for _, entry := range ckpt.Entries {
		treePath := trees.ParsePath(entry.Path)
		err = metadata.Entries.Set(treePath, MetadataEntry{
			Name:  entry.Path,
			Shape: shapes.Make(dtypes.DType(entry.DType), entry.Dims...),
		})
		if err != nil {
			return nil, err
		}
	}
	return metadata, nil
}
