package fleet

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
)

// Loader reads the templates document and resolves each entry against the
// templates root directory.
type Loader struct {
	filePath string
	rootDir  string
	logger   logger.Logger
}

func NewLoader(filePath, rootDir string, log logger.Logger) *Loader {
	return &Loader{
		filePath: filePath,
		rootDir:  rootDir,
		logger:   log,
	}
}

// Load returns the valid descriptors in document order. The document is a
// JSON array, a YAML list, or a YAML mapping with a "templates" key holding
// either form (or a name -> descriptor map). Entries without a matching
// source directory, invalid entries and duplicates are dropped with a warning.
// A missing document yields no templates.
func (l *Loader) Load() ([]Descriptor, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("templates document not found, no templates loaded",
				logger.String("path", l.filePath))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}

	raw, err := parseDescriptors(data)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]Descriptor, 0, len(raw))
	for _, d := range raw {
		if err := d.Validate(); err != nil {
			l.logger.Warn("dropping invalid template", logger.Error(err))
			continue
		}
		if _, dup := seen[d.Name]; dup {
			l.logger.Warn("dropping duplicate template", logger.String("template", d.Name))
			continue
		}

		dir := filepath.Join(l.rootDir, d.Name)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			l.logger.Warn("template source directory missing, dropping template",
				logger.String("template", d.Name),
				logger.String("path", dir))
			continue
		}
		d.Dir = dir

		seen[d.Name] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

func parseDescriptors(data []byte) ([]Descriptor, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse templates document: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	doc := root.Content[0]
	if doc.Kind == yaml.MappingNode {
		list := mappingValue(doc, "templates")
		if list == nil {
			return nil, fmt.Errorf("failed to parse templates document: no templates key")
		}
		doc = list
	}

	switch doc.Kind {
	case yaml.SequenceNode:
		out := make([]Descriptor, 0, len(doc.Content))
		for _, item := range doc.Content {
			d := DefaultDescriptor()
			if err := item.Decode(&d); err != nil {
				return nil, fmt.Errorf("failed to parse template entry (line %d): %w", item.Line, err)
			}
			out = append(out, d)
		}
		return out, nil

	case yaml.MappingNode:
		// name -> descriptor, kept in document order
		out := make([]Descriptor, 0, len(doc.Content)/2)
		for i := 0; i+1 < len(doc.Content); i += 2 {
			d := DefaultDescriptor()
			if err := doc.Content[i+1].Decode(&d); err != nil {
				return nil, fmt.Errorf("failed to parse template %s: %w", doc.Content[i].Value, err)
			}
			if d.Name == "" {
				d.Name = doc.Content[i].Value
			}
			out = append(out, d)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("failed to parse templates document: expected a list of templates")
	}
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// Names returns the descriptor names sorted alphabetically.
func Names(descs []Descriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Name
	}
	sort.Strings(out)
	return out
}
