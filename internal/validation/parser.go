package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vzahanych/plant-curator/internal/records"
)

// ErrUnparseable is returned when a judge reply carries no yes/no verdict or
// no JSON identification block.
var ErrUnparseable = errors.New("unparseable judge response")

// DefaultScore is assumed when a verdict carries no number at all.
const DefaultScore = 50

var (
	yesWord    = regexp.MustCompile(`\byes\b`)
	noWord     = regexp.MustCompile(`\bno\b`)
	scoreField = regexp.MustCompile(`score:?(\d+)`)
	anyNumber  = regexp.MustCompile(`(\d+)`)
	jsonBlock  = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseVerdict extracts the yes/no answer and the 0-100 score from a free-text
// judge reply. Matching is done on the lower-cased reply with spaces removed.
func ParseVerdict(reply string) (bool, int, error) {
	lower := strings.ToLower(reply)
	compact := strings.ReplaceAll(lower, " ", "")

	var answer bool
	switch {
	case strings.Contains(compact, "answer:yes") || strings.Contains(compact, "yes,") || strings.HasPrefix(lower, "yes"):
		answer = true
	case strings.Contains(compact, "answer:no") || strings.Contains(compact, "no,") || strings.HasPrefix(lower, "no"):
		answer = false
	case yesWord.MatchString(compact):
		answer = true
	case noWord.MatchString(compact):
		answer = false
	default:
		return false, 0, fmt.Errorf("%w: no verdict in %q", ErrUnparseable, truncate(reply, 120))
	}

	score := DefaultScore
	if m := scoreField.FindStringSubmatch(compact); m != nil {
		score = atoi(m[1])
	} else if m := anyNumber.FindStringSubmatch(compact); m != nil {
		score = atoi(m[1])
	}

	return answer, clampScore(score), nil
}

// ParseIdentification decodes the first {...} block of an identification reply.
func ParseIdentification(reply string) (*records.Identification, error) {
	block := jsonBlock.FindString(reply)
	if block == "" {
		return nil, fmt.Errorf("%w: no JSON block", ErrUnparseable)
	}

	var id records.Identification
	if err := json.Unmarshal([]byte(block), &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return &id, nil
}

// atoi parses a run of digits; very long runs saturate.
func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 100
	}
	return n
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
