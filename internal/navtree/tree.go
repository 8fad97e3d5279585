// Package navtree holds the runtime browser -> location -> document -> event
// tree that replay matches recorded targets against. A tree is built fresh
// for every record or replay pass.
package navtree

import (
	"sort"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Document is a live document the content layer can serve.
type Document struct {
	ID          string
	TabID       string
	URL         string
	Title       string
	Fingerprint string
	Breadcrumbs []schemas.Breadcrumb
	// Tracked documents belong to tabs the session drives. Untracked ones
	// (popups, devtools, pre-existing tabs) are still searchable.
	Tracked bool
	// Seq orders documents by when they were last reported.
	Seq    uint64
	Events []int
}

// Location is a URL a browser visited, with the documents loaded for it.
type Location struct {
	URL       string
	Documents []*Document
}

// Browser is a tab or window.
type Browser struct {
	TabID     string
	Title     string
	Locations []*Location
}

// Tree is the navigation tree. It is owned by a single session and is not
// safe for concurrent use.
type Tree struct {
	browsers map[string]*Browser
	order    []string
	docs     map[string]*Document
	seq      uint64
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		browsers: make(map[string]*Browser),
		docs:     make(map[string]*Document),
	}
}

// Reset empties the tree for a new pass.
func (t *Tree) Reset() {
	t.browsers = make(map[string]*Browser)
	t.order = nil
	t.docs = make(map[string]*Document)
	t.seq = 0
}

// AddBrowser registers a tab. Re-adding an existing tab updates its title.
func (t *Tree) AddBrowser(tabID, title string) *Browser {
	if b, ok := t.browsers[tabID]; ok {
		if title != "" {
			b.Title = title
		}
		return b
	}
	b := &Browser{TabID: tabID, Title: title}
	t.browsers[tabID] = b
	t.order = append(t.order, tabID)
	return b
}

// RemoveBrowser drops a tab and all of its documents.
func (t *Tree) RemoveBrowser(tabID string) {
	b, ok := t.browsers[tabID]
	if !ok {
		return
	}
	for _, loc := range b.Locations {
		for _, d := range loc.Documents {
			delete(t.docs, d.ID)
		}
	}
	delete(t.browsers, tabID)
	for i, id := range t.order {
		if id == tabID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Browser returns the tab node for tabID.
func (t *Tree) Browser(tabID string) (*Browser, bool) {
	b, ok := t.browsers[tabID]
	return b, ok
}

// Browsers returns tabs in the order they were first seen.
func (t *Tree) Browsers() []*Browser {
	out := make([]*Browser, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.browsers[id])
	}
	return out
}

// AddDocument records a connected document under its tab and URL. A document
// that reconnects keeps its node but moves to the newest sequence.
func (t *Tree) AddDocument(msg schemas.DocumentConnected) *Document {
	t.seq++
	if d, ok := t.docs[msg.DocumentID]; ok {
		d.URL, d.Title, d.Seq = msg.URL, msg.Title, t.seq
		if msg.Fingerprint != "" {
			d.Fingerprint = msg.Fingerprint
		}
		return d
	}
	b := t.AddBrowser(msg.TabID, "")
	var loc *Location
	if n := len(b.Locations); n > 0 && b.Locations[n-1].URL == msg.URL {
		loc = b.Locations[n-1]
	} else {
		loc = &Location{URL: msg.URL}
		b.Locations = append(b.Locations, loc)
	}
	d := &Document{
		ID:          msg.DocumentID,
		TabID:       msg.TabID,
		URL:         msg.URL,
		Title:       msg.Title,
		Fingerprint: msg.Fingerprint,
		Breadcrumbs: msg.Breadcrumbs,
		Tracked:     msg.Tracked,
		Seq:         t.seq,
	}
	loc.Documents = append(loc.Documents, d)
	t.docs[d.ID] = d
	return d
}

// Touch marks a document as the most recently reported.
func (t *Tree) Touch(docID string) {
	if d, ok := t.docs[docID]; ok {
		t.seq++
		d.Seq = t.seq
	}
}

// RemoveDocument forgets a disconnected document. The location node stays so
// the tree keeps its navigation history.
func (t *Tree) RemoveDocument(docID string) {
	d, ok := t.docs[docID]
	if !ok {
		return
	}
	delete(t.docs, docID)
	if b, ok := t.browsers[d.TabID]; ok {
		for _, loc := range b.Locations {
			for i, cand := range loc.Documents {
				if cand == d {
					loc.Documents = append(loc.Documents[:i], loc.Documents[i+1:]...)
					break
				}
			}
		}
	}
}

// Document looks up a live document.
func (t *Tree) Document(docID string) (*Document, bool) {
	d, ok := t.docs[docID]
	return d, ok
}

// Documents returns every live document ordered by document id so that
// scoring walks them deterministically.
func (t *Tree) Documents() []*Document {
	out := make([]*Document, 0, len(t.docs))
	for _, d := range t.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DocumentsInTab returns the live documents of one tab, newest first.
func (t *Tree) DocumentsInTab(tabID string) []*Document {
	var out []*Document
	for _, d := range t.docs {
		if d.TabID == tabID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

// AttachEvent records that an event was replayed against a document.
func (t *Tree) AttachEvent(docID string, seq int) {
	if d, ok := t.docs[docID]; ok {
		d.Events = append(d.Events, seq)
	}
}

// FindTabByURL searches every location of every tab, newest location first,
// and returns the tab that most recently showed url.
func (t *Tree) FindTabByURL(url string) (string, bool) {
	for i := len(t.order) - 1; i >= 0; i-- {
		b := t.browsers[t.order[i]]
		for j := len(b.Locations) - 1; j >= 0; j-- {
			if b.Locations[j].URL == url {
				return b.TabID, true
			}
		}
	}
	return "", false
}
