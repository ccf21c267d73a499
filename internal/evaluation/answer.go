package evaluation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/knoguchi/scout/internal/repository"
)

// MinEvidenceRunes is the shortest evidence fragment worth a sub-question.
const MinEvidenceRunes = 5

var labelPattern = regexp.MustCompile(`(?i)\[?(positive|neutral|negative)\]?`)

var titleCaser = cases.Title(language.English)

// ExtractAnswer finds the verdict in a model response. The last label wins;
// every label occurrence, with its optional brackets, is removed from the
// returned text. Without a label it returns AnswerNone and raw unchanged.
func ExtractAnswer(raw string) (repository.Answer, string) {
	matches := labelPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return repository.AnswerNone, raw
	}
	last := matches[len(matches)-1][1]
	label := repository.Answer(titleCaser.String(strings.ToLower(last)))
	cleaned := strings.TrimSpace(labelPattern.ReplaceAllString(raw, ""))
	return label, cleaned
}

// SplitEvidence splits underscore-separated evidence points and drops
// fragments shorter than MinEvidenceRunes. Fragments are not trimmed.
func SplitEvidence(evidence string) []string {
	if evidence == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(evidence, "_") {
		if utf8.RuneCountInString(part) >= MinEvidenceRunes {
			out = append(out, part)
		}
	}
	return out
}
