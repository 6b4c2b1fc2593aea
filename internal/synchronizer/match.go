package synchronizer

import (
	"regexp"
	"strings"

	"assistant-sync/internal/config"
	"assistant-sync/internal/models"
)

var timestampSuffix = regexp.MustCompile(models.TimestampSuffixRegex)

// matchRemote reports whether the remote filename refers to the local document.
// In substring mode any remote name containing the document name matches, and
// loose is set for matches that are neither exact nor a timestamped copy.
func matchRemote(mode, doc, remote string) (match, loose bool) {
	strict := sameDocument(doc, remote)
	if mode == config.MatchStem {
		return strict, false
	}
	match = strings.Contains(remote, doc)
	return match, match && !strict
}

// sameDocument is true for an exact name or <stem>_YYYYMMDD_HHMMSS<ext>
func sameDocument(doc, remote string) bool {
	if remote == doc {
		return true
	}
	m := timestampSuffix.FindStringSubmatch(remote)
	return m != nil && m[1]+m[2] == doc
}
