package checkpoint

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/serialization"
	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

// pathSep joins a component name and its child names into a section path.
const pathSep = "."

// ErrInvalidName is returned when a component or child name cannot be used as
// a section path element.
var ErrInvalidName = errors.New("invalid component name")

// Encode writes c to w in the .born container format.
func Encode(w io.Writer, c *Checkpoint) error {
	meta := &serialization.CheckpointMeta{
		ID:   c.ID,
		Date: c.Date.UTC().Format(time.RFC3339Nano),
	}
	if c.HasLastEpoch {
		epoch := c.LastEpoch
		meta.LastEpoch = &epoch
	}

	var entries []serialization.Entry
	var walk func(path string, s *State) error
	walk = func(path string, s *State) error {
		if s == nil {
			return errors.Errorf("section %q has nil state", path)
		}
		section := serialization.SectionMeta{Path: path}
		if len(s.Scalars) > 0 {
			section.Scalars = s.Scalars
		}
		meta.Sections = append(meta.Sections, section)
		s.Tensors.Range(func(key string, t *tensor.RawTensor) bool {
			entries = append(entries, serialization.Entry{Section: path, Name: key, Tensor: t})
			return true
		})
		for _, name := range s.childNames() {
			if err := validName(name); err != nil {
				return err
			}
			if err := walk(path+pathSep+name, s.Children[name]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range c.names {
		if err := validName(name); err != nil {
			return err
		}
		if err := walk(name, c.components[name]); err != nil {
			return err
		}
	}

	header := serialization.Header{
		Kind:           serialization.KindCheckpoint,
		CheckpointMeta: meta,
	}
	return errors.WithMessage(serialization.Encode(w, header, entries), "encoding checkpoint")
}

// Decode parses a blob into a Checkpoint.
//
// Both .born containers and bare SafeTensors files are accepted. A SafeTensors
// file, or a .born file holding a plain state dict, yields a checkpoint with
// a single model entry and no last epoch.
func Decode(blob []byte) (*Checkpoint, error) {
	switch serialization.DetectFormat(blob) {
	case serialization.FormatBorn:
		header, entries, err := serialization.Decode(blob, serialization.ReaderOptions{})
		if err != nil {
			return nil, err
		}
		if header.CheckpointMeta == nil {
			return weightsOnly(entries), nil
		}
		return fromSections(header.CheckpointMeta, entries)
	case serialization.FormatSafeTensors:
		_, entries, err := serialization.DecodeSafeTensors(blob)
		if err != nil {
			return nil, err
		}
		return weightsOnly(entries), nil
	default:
		return nil, serialization.ErrUnknownFormat
	}
}

// Save writes c to path, replacing any existing file atomically.
func Save(path string, c *Checkpoint) error {
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "writing %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "renaming %q to %q", tmp, path)
	}
	return nil
}

// Load reads and decodes the checkpoint stored at path.
func Load(path string) (*Checkpoint, error) {
	//nolint:gosec // G304: checkpoint paths are user-provided by design of the CLI
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	c, err := Decode(blob)
	return c, errors.WithMessagef(err, "decoding %q", path)
}

func weightsOnly(entries []serialization.Entry) *Checkpoint {
	sd := statedict.New()
	for _, e := range entries {
		sd.Set(e.Name, e.Tensor)
	}
	c := New()
	c.Set(ComponentModel, StateOf(sd))
	return c
}

func fromSections(meta *serialization.CheckpointMeta, entries []serialization.Entry) (*Checkpoint, error) {
	c := New()
	c.ID = meta.ID
	if meta.Date != "" {
		date, err := time.Parse(time.RFC3339Nano, meta.Date)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing checkpoint date %q", meta.Date)
		}
		c.Date = date
	}
	if meta.LastEpoch != nil {
		c.SetLastEpoch(*meta.LastEpoch)
	}

	states := make(map[string]*State, len(meta.Sections))
	for _, section := range meta.Sections {
		s := NewState()
		for k, v := range section.Scalars {
			s.Scalars[k] = v
		}
		states[section.Path] = s

		parent, child, nested := cutLast(section.Path)
		if !nested {
			c.Set(section.Path, s)
			continue
		}
		p, ok := states[parent]
		if !ok {
			return nil, errors.Errorf("section %q appears before its parent %q", section.Path, parent)
		}
		p.SetChild(child, s)
	}

	for _, e := range entries {
		s, ok := states[e.Section]
		if !ok {
			return nil, errors.Errorf("tensor %q references unknown section %q", e.Name, e.Section)
		}
		s.Tensors.Set(e.Name, e.Tensor)
	}
	return c, nil
}

func cutLast(path string) (parent, child string, nested bool) {
	i := strings.LastIndex(path, pathSep)
	if i < 0 {
		return "", path, false
	}
	return path[:i], path[i+1:], true
}

func validName(name string) error {
	if name == "" || strings.Contains(name, pathSep) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}
