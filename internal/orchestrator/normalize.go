package orchestrator

import "regexp"

var (
	reTrailingSpaceBeforeNL = regexp.MustCompile(`[ \t]+\n`)
	reThreeNewlines         = regexp.MustCompile(`\n{3,}`)
	reDoubleSpace           = regexp.MustCompile(` {2,}`)
)
