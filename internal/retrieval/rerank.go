package retrieval

import (
	"path"
	"strings"
	"unicode"
)

// queryIntent classifies a query as lexical, semantic, or mixed based on
// symbolic content, digits, and token count (spec.md §4.6 step 6).
type queryIntent string

const (
	intentLexical  queryIntent = "lexical"
	intentSemantic queryIntent = "semantic"
	intentMixed    queryIntent = "mixed"
)

func classifyIntent(query string) queryIntent {
	tokens := strings.Fields(query)
	symbolic := 0
	digits := 0
	for _, r := range query {
		switch {
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune("_./:(){}[]<>=-", r):
			symbolic++
		}
	}
	switch {
	case symbolic >= 2 || digits >= 3:
		return intentLexical
	case len(tokens) >= 5 && symbolic == 0 && digits == 0:
		return intentSemantic
	default:
		return intentMixed
	}
}

// docClass classifies a candidate by uri/extension (spec.md §4.6).
type docClass string

const (
	classCode      docClass = "code"
	classNarrative docClass = "narrative"
	classData      docClass = "data"
	classOther     docClass = "other"
)

var extClasses = map[string]docClass{
	".go": classCode, ".rs": classCode, ".py": classCode, ".ts": classCode,
	".js": classCode, ".sh": classCode, ".sql": classCode,
	".md": classNarrative, ".mdx": classNarrative, ".txt": classNarrative,
	".json": classData, ".jsonl": classData, ".yaml": classData,
	".yml": classData, ".xml": classData, ".csv": classData,
}

func classifyDoc(uri string) docClass {
	if c, ok := extClasses[strings.ToLower(path.Ext(uri))]; ok {
		return c
	}
	return classOther
}

// boostMatrix holds the small additive boosts per (intent, class)
// (spec.md §4.6: "lexical x code = +0.12, semantic x narrative =
// +0.12").
var boostMatrix = map[queryIntent]map[docClass]float64{
	intentLexical: {
		classCode:      0.12,
		classData:      0.06,
		classNarrative: 0.0,
	},
	intentSemantic: {
		classNarrative: 0.12,
		classCode:      0.0,
		classData:      0.02,
	},
	intentMixed: {
		classCode:      0.04,
		classNarrative: 0.04,
		classData:      0.02,
	},
}

// rerank applies the reranker named by selector: "off" passes hits
// through; doc-aware-v1 multiplies each score by (1 + boost), clamps
// non-negative, and re-sorts with URI tie-break (spec.md §4.6 step 6).
func (e *Engine) rerank(selector string, req Request, hits []scoredRec, trace *Trace) []scoredRec {
	if selector == "off" || len(hits) == 0 {
		return hits
	}
	intent := classifyIntent(req.Query)
	trace.Steps = append(trace.Steps, "rerank=doc-aware-v1 intent="+string(intent))

	queryTokens := map[string]bool{}
	for _, t := range strings.Fields(strings.ToLower(req.Query)) {
		queryTokens[t] = true
	}

	for i := range hits {
		boost := boostMatrix[intent][classifyDoc(hits[i].rec.URI)]

		// Token-name-overlap bonus: query tokens appearing in the
		// candidate's name.
		nameTokens := strings.FieldsFunc(strings.ToLower(hits[i].rec.Name), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, nt := range nameTokens {
			if queryTokens[nt] {
				boost += 0.05
				break
			}
		}

		// Tag-overlap bonus.
		for _, tag := range hits[i].rec.Tags {
			if queryTokens[strings.ToLower(tag)] {
				boost += 0.03
				break
			}
		}

		score := hits[i].score * (1 + boost)
		if score < 0 {
			score = 0
		}
		hits[i].score = score
	}
	sortScored(hits)
	return hits
}
