package executor

import (
	"regexp"
	"strconv"
)

// ScoreParser extracts the points a grader awarded from its stdout.
type ScoreParser interface {
	// Parse returns nil when no score can be found.
	Parse(stdout string) *float64
}

var scoreLine = regexp.MustCompile(`(?m)^[ \t]*Score:[ \t]*([-+]?[0-9]+(?:\.[0-9]+)?)[ \t]*%[ \t]*\r?$`)

// PercentageScoreParser reads the last "Score: <value>%" line.
type PercentageScoreParser struct{}

func (PercentageScoreParser) Parse(stdout string) *float64 {
	matches := scoreLine.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return nil
	}
	return &v
}
