// Package resolver maps recorded targets onto live documents and elements.
//
// Resolution runs in two stages. Document search scores every document in the
// navigation tree synchronously. Element search is asynchronous: the request
// goes to the preferred document first and, if that answer is not confident,
// to every other document (the hail-mary search), whose best answer is
// discounted before it is compared with the minimum score.
package resolver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/idtable"
	"github.com/xkilldash9x/scalpel-replay/internal/navtree"
)

// Searcher sends element-search requests to the content layer. Answers come
// back through Resolver.HandleResponse.
type Searcher interface {
	SearchElement(req schemas.ElementSearchRequest) error
}

// Options holds the tuned constants of element search.
type Options struct {
	// HailMaryDiscount multiplies the best score of a broadened search.
	HailMaryDiscount float64
	// CombinedThresholdFactor times the minimum score is the bar for
	// accepting the preferred document's answer outright.
	CombinedThresholdFactor float64
}

// Request describes one element search.
type Request struct {
	Target         schemas.Target
	MinScore       float64
	PreferredDocID string
	DocScore       float64
}

// Answer is one document's response, kept for diagnostics.
type Answer struct {
	DocumentID string
	Found      bool
	Score      float64
}

// Resolution is the outcome of an element search.
type Resolution struct {
	SearchID   uint32
	Status     schemas.StatusCode
	DocumentID string
	ElementRef string
	// Score is the score compared against the minimum; for hail-mary
	// searches it is RawScore times the discount.
	Score    float64
	RawScore float64
	HailMary bool
	Answers  []Answer
}

// Callback receives the resolution of a search. It runs on the goroutine that
// delivered the final response.
type Callback func(Resolution)

type stage int

const (
	stagePreferred stage = iota
	stageBroadcast
)

type activeSearch struct {
	id            uint32
	generation    uint64
	req           Request
	cb            Callback
	stage         stage
	responsesLeft map[string]struct{}
	answers       []Answer

	best        *schemas.ElementSearchResponse
	bestTracked bool
}

// Resolver owns the active search table. It is driven from a single goroutine.
type Resolver struct {
	tree       *navtree.Tree
	searcher   Searcher
	opts       Options
	logger     *zap.Logger
	searches   *idtable.Table[*activeSearch]
	generation uint64
}

// New creates a Resolver over tree.
func New(tree *navtree.Tree, searcher Searcher, opts Options, logger *zap.Logger) *Resolver {
	return &Resolver{
		tree:     tree,
		searcher: searcher,
		opts:     opts,
		logger:   logger.Named("resolver"),
		searches: idtable.New[*activeSearch](),
	}
}

// SetGeneration retires every active search and tags new requests with g.
// Responses carrying any other generation are discarded.
func (r *Resolver) SetGeneration(g uint64) {
	r.generation = g
	r.searches.Clear()
}

// Active is the number of searches awaiting responses.
func (r *Resolver) Active() int { return r.searches.Len() }

// Clear abandons every active search without invoking callbacks.
func (r *Resolver) Clear() { r.searches.Clear() }

// Abandon drops one search without invoking its callback.
func (r *Resolver) Abandon(id uint32) { r.searches.Delete(id) }

// SearchForTargetDocument scores every live document and returns the best.
// Ties go to tracked documents, then to the most recently reported. It does
// not mutate anything, so repeated calls over an unchanged tree agree.
func (r *Resolver) SearchForTargetDocument(target schemas.Target) DocumentMatch {
	var m DocumentMatch
	for _, doc := range r.tree.Documents() {
		c := ScoreDocument(target, doc)
		m.Candidates = append(m.Candidates, c)
		if c.Score <= 0 {
			continue
		}
		if m.Document == nil || c.Score > m.Score ||
			(c.Score == m.Score && preferDoc(doc, m.Document)) {
			m.Document, m.Score = doc, c.Score
		}
	}
	return m
}

func preferDoc(cand, cur *navtree.Document) bool {
	if cand.Tracked != cur.Tracked {
		return cand.Tracked
	}
	return cand.Seq > cur.Seq
}

// FindTargetElement starts an element search. The callback may run before
// FindTargetElement returns when there is nothing to ask.
func (r *Resolver) FindTargetElement(req Request, cb Callback) (uint32, error) {
	s := &activeSearch{generation: r.generation, req: req, cb: cb}
	id, err := r.searches.Insert(s)
	if err != nil {
		return 0, fmt.Errorf("allocating search id: %w", err)
	}
	s.id = id

	if _, ok := r.tree.Document(req.PreferredDocID); ok && req.PreferredDocID != "" {
		s.stage = stagePreferred
		s.responsesLeft = map[string]struct{}{req.PreferredDocID: {}}
		r.send(s, req.PreferredDocID)
		return id, nil
	}
	r.broadcast(s, "")
	return id, nil
}

// broadcast asks every live document except skip.
func (r *Resolver) broadcast(s *activeSearch, skip string) {
	s.stage = stageBroadcast
	s.responsesLeft = make(map[string]struct{})
	var targets []string
	for _, doc := range r.tree.Documents() {
		if doc.ID != skip {
			s.responsesLeft[doc.ID] = struct{}{}
			targets = append(targets, doc.ID)
		}
	}
	r.logger.Debug("Broadening element search.",
		zap.Uint32("search_id", s.id), zap.Int("documents", len(targets)))
	if len(targets) == 0 {
		r.finish(s)
		return
	}
	for _, docID := range targets {
		if _, live := r.searches.Get(s.id); !live {
			return
		}
		r.send(s, docID)
	}
}

func (r *Resolver) send(s *activeSearch, docID string) {
	err := r.searcher.SearchElement(schemas.ElementSearchRequest{
		Generation: s.generation,
		SearchID:   s.id,
		DocumentID: docID,
		Target:     s.req.Target,
	})
	if err != nil {
		r.logger.Warn("Element search request failed; treating as not found.",
			zap.Uint32("search_id", s.id), zap.String("document", docID), zap.Error(err))
		r.accept(s, schemas.ElementSearchResponse{Generation: s.generation, SearchID: s.id, DocumentID: docID})
	}
}

// HandleResponse folds a content-layer answer into its search. It returns
// false when the response was stale and discarded.
func (r *Resolver) HandleResponse(resp schemas.ElementSearchResponse) bool {
	if resp.Generation != r.generation {
		return false
	}
	s, ok := r.searches.Get(resp.SearchID)
	if !ok {
		return false
	}
	if _, waiting := s.responsesLeft[resp.DocumentID]; !waiting {
		return false
	}
	r.tree.Touch(resp.DocumentID)
	r.accept(s, resp)
	return true
}

// HandleDisconnect answers "not found" on behalf of a document that went away
// for every search still waiting on it.
func (r *Resolver) HandleDisconnect(docID string) {
	for _, id := range r.searches.IDs() {
		s, ok := r.searches.Get(id)
		if !ok {
			continue
		}
		if _, waiting := s.responsesLeft[docID]; waiting {
			r.accept(s, schemas.ElementSearchResponse{Generation: s.generation, SearchID: id, DocumentID: docID})
		}
	}
}

func (r *Resolver) accept(s *activeSearch, resp schemas.ElementSearchResponse) {
	delete(s.responsesLeft, resp.DocumentID)
	s.answers = append(s.answers, Answer{DocumentID: resp.DocumentID, Found: resp.Found, Score: resp.Score})

	if resp.Found {
		r.consider(s, resp)
	}

	if s.stage == stagePreferred {
		if resp.Found && s.req.DocScore+resp.Score >= r.opts.CombinedThresholdFactor*s.req.MinScore {
			r.complete(s, Resolution{
				Status:     schemas.StatusSuccess,
				DocumentID: resp.DocumentID,
				ElementRef: resp.ElementRef,
				Score:      resp.Score,
				RawScore:   resp.Score,
			})
			return
		}
		r.broadcast(s, resp.DocumentID)
		return
	}

	if len(s.responsesLeft) == 0 {
		r.finish(s)
	}
}

// consider keeps the best answer seen so far.
func (r *Resolver) consider(s *activeSearch, resp schemas.ElementSearchResponse) {
	tracked := false
	if doc, ok := r.tree.Document(resp.DocumentID); ok {
		tracked = doc.Tracked
	}
	switch {
	case s.best == nil, resp.Score > s.best.Score:
	case resp.Score < s.best.Score:
		return
	case tracked != s.bestTracked:
		// Equal scores: tracked beats untracked unless the untracked one is perfect.
		if !tracked && resp.Score < 1 {
			return
		}
	}
	cp := resp
	s.best, s.bestTracked = &cp, tracked
}

// finish resolves a broadcast search from its best answer.
func (r *Resolver) finish(s *activeSearch) {
	if s.best == nil {
		r.complete(s, Resolution{Status: schemas.StatusTargetNotFound, HailMary: true})
		return
	}
	final := s.best.Score * r.opts.HailMaryDiscount
	res := Resolution{
		DocumentID: s.best.DocumentID,
		ElementRef: s.best.ElementRef,
		Score:      final,
		RawScore:   s.best.Score,
		HailMary:   true,
	}
	if final >= s.req.MinScore {
		res.Status = schemas.StatusSuccess
	} else {
		res.Status = schemas.StatusMatchScoreFailure
	}
	r.complete(s, res)
}

func (r *Resolver) complete(s *activeSearch, res Resolution) {
	r.searches.Delete(s.id)
	res.SearchID = s.id
	res.Answers = s.answers
	r.logger.Debug("Element search resolved.",
		zap.Uint32("search_id", s.id),
		zap.Stringer("status", res.Status),
		zap.Float64("score", res.Score),
		zap.Bool("hail_mary", res.HailMary))
	if s.cb != nil {
		s.cb(res)
	}
}
