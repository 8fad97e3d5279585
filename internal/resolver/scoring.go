package resolver

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/navtree"
)

// Scoring weights for document matching when the fingerprint does not decide.
const (
	breadcrumbWeight = 0.6
	urlWeight        = 0.4
	// maxFuzzyScore keeps fuzzy matches strictly below a fingerprint match.
	maxFuzzyScore = 0.99

	tagWeight   = 0.5
	indexWeight = 0.2
	attrWeight  = 0.3
)

// MethodScore is one scoring method's contribution to a document score.
type MethodScore struct {
	Method string
	Score  float64
	Weight float64
}

// Candidate is the scored view of one document.
type Candidate struct {
	DocumentID string
	Tracked    bool
	Score      float64
	Methods    []MethodScore
}

// DocumentMatch is the result of document-level search.
type DocumentMatch struct {
	Document   *navtree.Document
	Score      float64
	Candidates []Candidate
}

// ScoreDocument scores one live document against a recorded target.
// A recorded fingerprint that matches is authoritative.
func ScoreDocument(target schemas.Target, doc *navtree.Document) Candidate {
	c := Candidate{DocumentID: doc.ID, Tracked: doc.Tracked}
	if target.DocFingerprint != "" && target.DocFingerprint == doc.Fingerprint {
		c.Score = 1
		c.Methods = []MethodScore{{Method: "fingerprint", Score: 1, Weight: 1}}
		return c
	}

	urlScore := URLSimilarity(target.DocURL, doc.URL)
	if len(target.DocBreadcrumbs) == 0 && len(doc.Breadcrumbs) == 0 {
		// Top-level documents have no frame chain; the URL is all there is.
		c.Score = urlScore * maxFuzzyScore
		c.Methods = []MethodScore{{Method: "url", Score: urlScore, Weight: 1}}
		return c
	}
	crumbScore := BreadcrumbSimilarity(target.DocBreadcrumbs, doc.Breadcrumbs)
	c.Score = (breadcrumbWeight*crumbScore + urlWeight*urlScore) * maxFuzzyScore
	c.Methods = []MethodScore{
		{Method: "breadcrumbs", Score: crumbScore, Weight: breadcrumbWeight},
		{Method: "url", Score: urlScore, Weight: urlWeight},
	}
	return c
}

// BreadcrumbSimilarity compares two ancestor chains aligned from the target
// outwards. Missing steps on either side count as zero.
func BreadcrumbSimilarity(a, b []schemas.Breadcrumb) float64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var total float64
	for i := 0; i < len(a) && i < len(b); i++ {
		total += crumbSimilarity(a[i], b[i])
	}
	return total / float64(n)
}

func crumbSimilarity(a, b schemas.Breadcrumb) float64 {
	var s float64
	if strings.EqualFold(a.Tag, b.Tag) {
		s += tagWeight
	}
	if a.Index == b.Index {
		s += indexWeight
	}
	s += attrWeight * attrJaccard(a.Attrs, b.Attrs)
	return s
}

func attrJaccard(a, b map[string]string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k, v := range a {
		if bv, ok := b[k]; ok && bv == v {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// URLSimilarity grades how close two URLs are: identical (ignoring the
// fragment), same host and path, same host, same registrable domain, or unrelated.
func URLSimilarity(recorded, live string) float64 {
	if recorded == "" || live == "" {
		return 0
	}
	ru, err1 := url.Parse(recorded)
	lu, err2 := url.Parse(live)
	if err1 != nil || err2 != nil {
		return 0
	}
	ru.Fragment, lu.Fragment = "", ""
	switch {
	case ru.String() == lu.String():
		return 1
	case ru.Host == "" || lu.Host == "":
		return 0
	case strings.EqualFold(ru.Host, lu.Host) && ru.Path == lu.Path:
		return 0.9
	case strings.EqualFold(ru.Host, lu.Host):
		return 0.6
	}
	rd, err1 := publicsuffix.EffectiveTLDPlusOne(ru.Hostname())
	ld, err2 := publicsuffix.EffectiveTLDPlusOne(lu.Hostname())
	if err1 == nil && err2 == nil && strings.EqualFold(rd, ld) {
		return 0.4
	}
	return 0
}
