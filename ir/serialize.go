package ir

import (
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Graph snapshots are CBOR. Sinks are stored as indices into Nodes so that
// decoding restores pointer identity between Sinks and Nodes, which the
// structural-edit operations rely on.

type graphSnapshot struct {
	Name       string                `cbor:"name,omitempty"`
	Parameters []*Parameter          `cbor:"parameters"`
	Results    []*Result             `cbor:"results,omitempty"`
	Nodes      []*Node               `cbor:"nodes"`
	SinkIdx    []int                 `cbor:"sinks,omitempty"`
	Info       map[string]TensorInfo `cbor:"info,omitempty"`
}

// Encode serializes the graph to a snapshot.
func Encode(g *Graph) ([]byte, error) {
	snap := graphSnapshot{
		Name:       g.Name,
		Parameters: g.Parameters,
		Results:    g.Results,
		Nodes:      g.Nodes,
		Info:       g.Info,
	}
	nodeIdx := make(map[*Node]int, len(g.Nodes))
	for i, n := range g.Nodes {
		nodeIdx[n] = i
	}
	for _, sink := range g.Sinks {
		idx, ok := nodeIdx[sink]
		if !ok {
			return nil, errors.Errorf("sink node %q is not part of the graph", sink.Name)
		}
		snap.SinkIdx = append(snap.SinkIdx, idx)
	}
	data, err := cbor.Marshal(&snap)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode graph %q", g.Name)
	}
	return data, nil
}

// Decode deserializes a graph snapshot.
func Decode(data []byte) (*Graph, error) {
	var snap graphSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "failed to decode graph snapshot")
	}
	g := &Graph{
		Name:       snap.Name,
		Parameters: snap.Parameters,
		Results:    snap.Results,
		Nodes:      snap.Nodes,
		Info:       snap.Info,
	}
	if g.Info == nil {
		g.Info = make(map[string]TensorInfo)
	}
	for _, idx := range snap.SinkIdx {
		if idx < 0 || idx >= len(g.Nodes) {
			return nil, errors.Errorf("snapshot sink index %d out of range (%d nodes)", idx, len(g.Nodes))
		}
		g.Sinks = append(g.Sinks, g.Nodes[idx])
	}
	return g, nil
}

// ReadFile reads and decodes a graph snapshot file.
func ReadFile(filePath string) (*Graph, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph snapshot %s", filePath)
	}
	return Decode(contents)
}

// WriteFile encodes the graph and writes the snapshot file.
func WriteFile(filePath string, g *Graph) error {
	data, err := Encode(g)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write graph snapshot %s", filePath)
	}
	return nil
}
