package results

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/beevik/etree"
	json "github.com/json-iterator/go"
)

// Document is the serialized form of a tree.
type Document struct {
	Summary Summary `json:"summary"`
	Root    *Node   `json:"root"`
}

// WriteJSON writes the tree as indented JSON.
func WriteJSON(w io.Writer, t *Tree) error {
	doc := Document{Summary: t.Summary()}
	t.mu.RLock()
	doc.Root = t.root
	data, err := json.MarshalIndent(doc, "", "  ")
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal result tree: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// BuildXML renders the tree as an XML document.
func BuildXML(t *Tree) *etree.Document {
	sum := t.Summary()
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	results := doc.CreateElement("results")
	results.CreateAttr("run", sum.RunID)
	results.CreateAttr("session", sum.SessionID)
	results.CreateAttr("script", sum.Script)
	results.CreateAttr("status", strconv.Itoa(int(sum.Status)))
	results.CreateAttr("events", strconv.Itoa(sum.Events))
	results.CreateAttr("warnings", strconv.Itoa(sum.Warnings))
	if sum.LogRef != "" {
		results.CreateAttr("log", sum.LogRef)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	appendNode(results, t.root)
	doc.Indent(2)
	return doc
}

func appendNode(parent *etree.Element, n *Node) {
	el := parent.CreateElement(string(n.Type))
	el.CreateAttr("key", n.Key)
	if n.Type != NodeRun {
		el.CreateAttr("seq", strconv.Itoa(n.Seq))
		el.CreateAttr("subscript", strconv.Itoa(n.Subscript))
	}
	el.CreateAttr("state", string(n.State))
	el.CreateAttr("status", strconv.Itoa(int(n.Status)))
	if n.BranchTaken {
		el.CreateAttr("branchtaken", "true")
	}
	if !n.Started.IsZero() {
		el.CreateAttr("started", n.Started.UTC().Format(time.RFC3339Nano))
	}
	if !n.Finished.IsZero() {
		el.CreateAttr("finished", n.Finished.UTC().Format(time.RFC3339Nano))
	}
	if n.Label != "" {
		el.CreateElement("label").SetText(n.Label)
	}
	if n.Message != "" {
		el.CreateElement("message").SetText(n.Message)
	}
	if len(n.Attrs) > 0 {
		keys := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m := el.CreateElement("detail")
			m.CreateAttr("name", k)
			m.SetText(n.Attrs[k])
		}
	}
	for _, c := range n.Children {
		appendNode(el, c)
	}
}

// WriteXML writes the tree as XML.
func WriteXML(w io.Writer, t *Tree) error {
	if _, err := BuildXML(t).WriteTo(w); err != nil {
		return fmt.Errorf("failed to write result XML: %w", err)
	}
	return nil
}

// Export writes <run>.xml and <run>.json into dir, brotli-compressed with a
// .br suffix when compress is set. It returns the written paths.
func Export(dir string, t *Tree, compress bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	writers := []struct {
		ext   string
		write func(io.Writer, *Tree) error
	}{
		{".xml", WriteXML},
		{".json", WriteJSON},
	}
	var paths []string
	for _, wr := range writers {
		name := t.RunID() + wr.ext
		if compress {
			name += ".br"
		}
		path := filepath.Join(dir, name)
		if err := writeFile(path, compress, func(w io.Writer) error { return wr.write(w, t) }); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, compress bool, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if !compress {
		return write(f)
	}
	bw := brotli.NewWriterLevel(f, brotli.DefaultCompression)
	if err := write(bw); err != nil {
		return err
	}
	return bw.Close()
}

// ReadCompressed opens a file written by Export, transparently decompressing
// .br files. The caller closes the reader.
func ReadCompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".br" {
		return f, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{brotli.NewReader(f), f}, nil
}
