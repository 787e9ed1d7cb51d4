package merge

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var patternsYAML []byte

type patternFile struct {
	Patterns []string `yaml:"patterns"`
}

// namePatterns matches paired display names of Apple audio products. Loaded
// once from the embedded ruleset so the list can be extended without
// touching the merge logic.
var namePatterns = mustLoadPatterns(patternsYAML)

func mustLoadPatterns(raw []byte) []*regexp.Regexp {
	var pf patternFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		panic(fmt.Sprintf("merge: embedded patterns.yaml invalid: %v", err))
	}
	res := make([]*regexp.Regexp, 0, len(pf.Patterns))
	for _, p := range pf.Patterns {
		res = append(res, regexp.MustCompile(p))
	}
	return res
}

// matchesAppleAudioName reports whether a paired display name looks like an
// Apple audio product.
func matchesAppleAudioName(name string) bool {
	for _, re := range namePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
