package replay

import (
	"fmt"
	"strconv"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/resolver"
)

func eventLabel(ev *schemas.Event) string {
	switch ev.Type {
	case schemas.EventNavigate:
		return "navigate to " + ev.Value
	case schemas.EventTabOpen, schemas.EventWinOpen:
		return fmt.Sprintf("%s %s", ev.Type, ev.Value)
	case schemas.EventTabClose, schemas.EventWinClose, schemas.EventTabFocus:
		return fmt.Sprintf("%s %q", ev.Type, tabDesc(ev.Tab))
	case schemas.EventChange, schemas.EventKeyboard:
		return fmt.Sprintf("%s %s = %q", ev.Type, targetDesc(ev.Target), ev.Value)
	}
	return fmt.Sprintf("%s %s", ev.Type, targetDesc(ev.Target))
}

func targetDesc(t schemas.Target) string {
	switch {
	case t.ElementPath != "":
		return t.ElementPath
	case t.Fingerprint != "":
		return t.Fingerprint
	}
	return "element"
}

func actionTitle(act *schemas.Action) string {
	if act.Title != "" {
		return act.Title
	}
	return fmt.Sprintf("action %d", act.Seq)
}

func validationLabel(v schemas.Validation) string {
	if v.Kind == schemas.ValidationKeyword {
		return fmt.Sprintf("keyword %q", v.Keyword)
	}
	return "assertion " + v.Expression
}

func score(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) }

func documentAttrs(m resolver.DocumentMatch) map[string]string {
	attrs := map[string]string{"candidates": strconv.Itoa(len(m.Candidates))}
	if m.Document != nil {
		attrs["document"] = m.Document.ID
		attrs["url"] = m.Document.URL
		attrs["score"] = score(m.Score)
	}
	return attrs
}

func resolutionAttrs(r resolver.Resolution) map[string]string {
	attrs := map[string]string{
		"status":    r.Status.String(),
		"score":     score(r.Score),
		"raw_score": score(r.RawScore),
		"answers":   strconv.Itoa(len(r.Answers)),
	}
	if r.DocumentID != "" {
		attrs["document"] = r.DocumentID
	}
	if r.HailMary {
		attrs["hail_mary"] = "true"
	}
	return attrs
}

func describeResolution(r resolver.Resolution, min float64) string {
	switch r.Status {
	case schemas.StatusTargetNotFound:
		return fmt.Sprintf("target element not found in %d documents", len(r.Answers))
	case schemas.StatusMatchScoreFailure:
		return fmt.Sprintf("best match scored %s, below the minimum %s", score(r.Score), score(min))
	}
	return "element search failed: " + r.Status.String()
}
