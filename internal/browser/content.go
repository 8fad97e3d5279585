package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Every call into the content layer first checks that the document it was
// addressed to is still the one loaded; a stale call evaluates to null.
const callTemplate = `(function (r) {
	if (!r || r.docId !== %s) return null;
	%s
})(window.__scalpelReplay)`

type searchResult struct {
	Found bool    `json:"found"`
	Score float64 `json:"score"`
	Ref   string  `json:"ref"`
}

type assertionResult struct {
	Truthy bool   `json:"truthy"`
	Error  string `json:"error"`
}

type dispatchResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func jsString(s string) string {
	out, err := json.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}

func contentCall(docID, body string) string {
	return fmt.Sprintf(callTemplate, jsString(docID), body)
}

func searchExpr(docID string, target schemas.Target) (string, error) {
	t, err := json.MarshalToString(target)
	if err != nil {
		return "", fmt.Errorf("failed to encode search target: %w", err)
	}
	return contentCall(docID, "return r.search("+t+");"), nil
}

func keywordExpr(docID, keyword string) string {
	return contentCall(docID, "return r.keyword("+jsString(keyword)+");")
}

func assertionExpr(docID, expression string) string {
	return contentCall(docID, "try { return { truthy: !!("+expression+"\n) }; } catch (e) { return { error: String(e && e.message || e) }; }")
}

func dispatchExpr(docID string, req schemas.DispatchRequest) string {
	return contentCall(docID, fmt.Sprintf("return r.dispatch(%s, %s, %s);",
		jsString(req.ElementRef), jsString(string(req.Type)), jsString(req.Value)))
}

func (b *Browser) tabForDocument(docID string) (*tab, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.tabs[b.docs[docID]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, docID)
	}
	return t, nil
}

func (b *Browser) evaluate(t *tab, expr string, res any) error {
	ctx, cancel := b.opContext(t.ctx)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Evaluate(expr, res))
}

// SearchElement implements replay.Content.
func (b *Browser) SearchElement(req schemas.ElementSearchRequest) error {
	t, err := b.tabForDocument(req.DocumentID)
	if err != nil {
		return err
	}
	expr, err := searchExpr(req.DocumentID, req.Target)
	if err != nil {
		return err
	}
	return b.async(func() {
		resp := schemas.ElementSearchResponse{Generation: req.Generation, SearchID: req.SearchID, DocumentID: req.DocumentID}
		var res *searchResult
		if err := b.evaluate(t, expr, &res); err != nil {
			b.logger.Debug("Element search failed.", zap.String("document_id", req.DocumentID), zap.Error(err))
		} else if res != nil && res.Found {
			resp.Found = true
			resp.Score = res.Score
			resp.ElementRef = res.Ref
		}
		b.emit(resp)
	})
}

// SearchKeyword implements replay.Content.
func (b *Browser) SearchKeyword(req schemas.KeywordSearchRequest) error {
	t, err := b.tabForDocument(req.DocumentID)
	if err != nil {
		return err
	}
	expr := keywordExpr(req.DocumentID, req.Keyword)
	return b.async(func() {
		resp := schemas.KeywordSearchResponse{Generation: req.Generation, ValidationID: req.ValidationID, DocumentID: req.DocumentID}
		var found *bool
		if err := b.evaluate(t, expr, &found); err != nil {
			b.logger.Debug("Keyword search failed.", zap.String("document_id", req.DocumentID), zap.Error(err))
		} else if found != nil {
			resp.Found = *found
		}
		b.emit(resp)
	})
}

// EvaluateAssertion implements replay.Content. A script error is reported in
// the response rather than as a failed call.
func (b *Browser) EvaluateAssertion(req schemas.AssertionRequest) error {
	t, err := b.tabForDocument(req.DocumentID)
	if err != nil {
		return err
	}
	expr := assertionExpr(req.DocumentID, req.Expression)
	return b.async(func() {
		resp := schemas.AssertionResponse{Generation: req.Generation, ValidationID: req.ValidationID, DocumentID: req.DocumentID}
		var res *assertionResult
		switch err := b.evaluate(t, expr, &res); {
		case err != nil:
			resp.Error = err.Error()
		case res == nil:
			resp.Error = "document is no longer loaded"
		default:
			resp.Truthy = res.Truthy
			resp.Error = res.Error
		}
		b.emit(resp)
	})
}

// DispatchEvent implements replay.Content. The event is acknowledged once the
// page accepted it and completed after any follow-up input has been typed.
func (b *Browser) DispatchEvent(req schemas.DispatchRequest) error {
	t, err := b.tabForDocument(req.DocumentID)
	if err != nil {
		return err
	}
	expr := dispatchExpr(req.DocumentID, req)
	return b.async(func() {
		complete := schemas.DispatchComplete{Generation: req.Generation, EventSeq: req.EventSeq, DocumentID: req.DocumentID}
		var res *dispatchResult
		switch err := b.evaluate(t, expr, &res); {
		case err != nil:
			complete.Error = err.Error()
		case res == nil:
			complete.Error = "document is no longer loaded"
		case res.Error != "":
			complete.Error = res.Error
		}
		if complete.Error != "" {
			b.emit(complete)
			return
		}
		b.emit(schemas.DispatchAck{Generation: req.Generation, EventSeq: req.EventSeq, DocumentID: req.DocumentID})

		if req.Type == schemas.EventKeyboard && req.Value != "" {
			if err := b.typeKeys(t, req.Value); err != nil {
				complete.Error = err.Error()
			}
		}
		b.emit(complete)
	})
}

func (b *Browser) typeKeys(t *tab, keys string) error {
	ctx, cancel := b.opContext(t.ctx)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.KeyEvent(keys)); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("typing timed out: %w", err)
		}
		return fmt.Errorf("failed to type keys: %w", err)
	}
	return nil
}
