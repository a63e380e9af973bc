package policy

import (
	"strings"

	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/model"
)

// MaxDangerScore is the top of the danger scale.
const MaxDangerScore = 10

// DefaultDangerScores rates the known command families.
var DefaultDangerScores = map[string]int{
	"hive:fee-policy/*":    3,
	"hive:rebalance/*":     5,
	"hive:channel-open/*":  7,
	"hive:channel-close/*": 8,
}

// DangerTable maps schema patterns to base danger scores.
type DangerTable map[string]int

// Base returns the score of the most specific matching pattern: an exact
// schema type beats a prefix, a longer prefix beats a shorter one. Unknown
// schema types score MaxDangerScore.
func (d DangerTable) Base(schemaType string) int {
	if score, ok := d[schemaType]; ok {
		return score
	}
	best, bestLen := MaxDangerScore, -1
	for pattern, score := range d {
		if pattern == schemaType || !credential.MatchScope(pattern, schemaType) {
			continue
		}
		if l := len(strings.TrimSuffix(pattern, "*")); l > bestLen {
			best, bestLen = score, l
		}
	}
	return best
}

// Score rates a command against the resolved rules. Commands using more
// than half of a magnitude cap score one point higher.
func (d DangerTable) Score(cmd *model.Command, rules RuleSet) int {
	score := d.Base(cmd.SchemaType)
	t := cmd.Target()
	if t.HasFeeChange && rules.MaxFeeChangePct > 0 && t.FeeChangePct > rules.MaxFeeChangePct/2 {
		score++
	} else if t.AmountSats > 0 && rules.MaxRebalanceSats > 0 && t.AmountSats > rules.MaxRebalanceSats/2 {
		score++
	}
	if score > MaxDangerScore {
		score = MaxDangerScore
	}
	if score < 0 {
		score = 0
	}
	return score
}
