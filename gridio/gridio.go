// Package gridio reads and writes prediction grids and ground truth.
//
// Tensors use the NumPy .npy format so grids can be exchanged with training
// code; ground truth may also be JSON, one array of boxes per image.
package gridio

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nvr-ai/go-yolo/head"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrFormat is returned for unsupported file types or dtypes.
var ErrFormat = errors.New("unsupported format")

var (
	npyMagic = []byte("\x93NUMPY")
	npyDescr = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
)

// npyDtype peeks at the .npy header and returns its dtype descriptor without
// consuming the stream.
func npyDtype(br *bufio.Reader) (string, error) {
	prefix, err := br.Peek(len(npyMagic) + 2)
	if err != nil {
		return "", errors.Wrap(err, "reading npy header")
	}
	if string(prefix[:len(npyMagic)]) != string(npyMagic) {
		return "", errors.Wrap(ErrFormat, "not an npy stream")
	}

	// Version 1 stores the header length in 2 bytes, later versions in 4.
	start, size := len(prefix)+2, 0
	if prefix[len(npyMagic)] == 1 {
		raw, err := br.Peek(start)
		if err != nil {
			return "", errors.Wrap(err, "reading npy header")
		}
		size = int(binary.LittleEndian.Uint16(raw[len(prefix):]))
	} else {
		start = len(prefix) + 4
		raw, err := br.Peek(start)
		if err != nil {
			return "", errors.Wrap(err, "reading npy header")
		}
		size = int(binary.LittleEndian.Uint32(raw[len(prefix):]))
	}

	header, err := br.Peek(start + size)
	if err != nil {
		return "", errors.Wrap(err, "reading npy header")
	}
	m := npyDescr.FindSubmatch(header[start:])
	if m == nil {
		return "", errors.Wrap(ErrFormat, "npy header has no descr")
	}
	return string(m[1]), nil
}

// DecodeTensor reads a .npy stream. Float64 arrays are narrowed to float32;
// any other dtype is ErrFormat.
func DecodeTensor(r io.Reader) (*tensor.Dense, error) {
	br := bufio.NewReaderSize(r, 1<<16+16)
	descr, err := npyDtype(br)
	if err != nil {
		return nil, err
	}
	switch descr {
	case "<f4", "<f8":
	default:
		return nil, errors.Wrapf(ErrFormat, "dtype %s", descr)
	}

	t := new(tensor.Dense)
	if err := t.ReadNpy(br); err != nil {
		return nil, errors.Wrap(err, "decoding npy")
	}

	switch data := t.Data().(type) {
	case []float32:
		return t, nil
	case []float64:
		narrowed := make([]float32, len(data))
		for i, v := range data {
			narrowed[i] = float32(v)
		}
		return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(narrowed)), nil
	default:
		return nil, errors.Wrapf(ErrFormat, "dtype %v", t.Dtype())
	}
}

// ReadTensor reads a .npy file.
func ReadTensor(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	t, err := DecodeTensor(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return t, nil
}

// WriteTensor writes t to path as .npy.
func WriteTensor(path string, t *tensor.Dense) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "closing %s", path)
		}
	}()

	if t.IsView() {
		t = t.Materialize().(*tensor.Dense)
	}
	return errors.Wrapf(t.WriteNpy(f), "writing %s", path)
}

// DecodeBoxes reads JSON ground truth: [[{"cx":..,"cy":..,"w":..,"h":..,"class":..}, ...], ...].
func DecodeBoxes(r io.Reader) ([][]head.Box, error) {
	var images [][]head.Box
	if err := json.NewDecoder(r).Decode(&images); err != nil {
		return nil, errors.Wrap(err, "decoding ground truth")
	}
	return images, nil
}

// ReadGroundTruth reads a (batch, boxes, 5) ground-truth tensor from a .json
// or .npy file.
func ReadGroundTruth(path string) (*tensor.Dense, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npy":
		gt, err := ReadTensor(path)
		if err != nil {
			return nil, err
		}
		if s := gt.Shape(); len(s) != 3 || s[2] != 5 {
			return nil, errors.Wrapf(ErrFormat, "%s: ground truth shape %v, want (batch, boxes, 5)", path, s)
		}
		return gt, nil
	case ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", path)
		}
		defer f.Close()

		images, err := DecodeBoxes(f)
		if err != nil {
			return nil, errors.Wrap(err, path)
		}
		if len(images) == 0 {
			return nil, errors.Wrapf(ErrFormat, "%s: no images", path)
		}
		return head.NewGroundTruth(images), nil
	default:
		return nil, errors.Wrapf(ErrFormat, "%s: want .json or .npy", path)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encoding json")
}
