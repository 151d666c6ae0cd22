package compose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/classifier"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// MaxContextMemories is how many past memories enter the context block.
const MaxContextMemories = 5

// ContextInput is everything the context block is built from.
type ContextInput struct {
	Persona      Persona
	SiteURL      string
	DisplayName  string
	Facts        []models.Memory
	Memories     []models.Memory
	InboundText  string
	StateContext string
	Instruction  string
}

// BuildContext renders the system context passed to the generation call.
func BuildContext(p *Policy, in ContextInput) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.System))
	b.WriteString("\n\n")

	spec := p.persona(in.Persona)
	b.WriteString("PERSONA:\n")
	b.WriteString(strings.TrimSpace(spec.Description))
	b.WriteString("\n\n")

	b.WriteString("RÈGLES:\n")
	for _, r := range p.Rules {
		b.WriteString("- " + r + "\n")
	}
	b.WriteString("- Ne décris pas l'interface utilisateur et n'invente aucune fonctionnalité.\n")
	if in.SiteURL != "" {
		fmt.Fprintf(&b, "- N'invente aucune URL. Le seul lien autorisé est %s, recopié exactement.\n", in.SiteURL)
	} else {
		b.WriteString("- N'invente aucune URL et ne donne aucun lien.\n")
	}
	b.WriteString("\n")

	if in.DisplayName != "" || len(in.Facts) > 0 {
		b.WriteString("CE QUE TU SAIS DE LA PERSONNE:\n")
		if in.DisplayName != "" {
			b.WriteString("- Prénom: " + in.DisplayName + "\n")
		}
		for _, f := range in.Facts {
			b.WriteString("- " + f.Content + "\n")
		}
		b.WriteString("\n")
	}

	if ranked := RankMemories(in.Memories, in.InboundText, MaxContextMemories); len(ranked) > 0 {
		b.WriteString("SOUVENIRS DE CONVERSATIONS PASSÉES:\n")
		for _, m := range ranked {
			fmt.Fprintf(&b, "- (%s) %s\n", m.CreatedAt.Format("02/01"), m.Content)
		}
		b.WriteString("\n")
	}

	if in.StateContext != "" {
		b.WriteString("SITUATION:\n" + in.StateContext + "\n\n")
	}
	if in.Instruction != "" {
		b.WriteString("CONSIGNE POUR CE MESSAGE:\n" + in.Instruction + "\n")
	}
	return strings.TrimSpace(b.String())
}

// RankMemories orders memories by word overlap with text, newest first on ties,
// and keeps at most limit.
func RankMemories(memories []models.Memory, text string, limit int) []models.Memory {
	if len(memories) == 0 || limit <= 0 {
		return nil
	}
	query := contentWords(text)
	type scored struct {
		m     models.Memory
		score int
	}
	all := make([]scored, 0, len(memories))
	for _, m := range memories {
		score := 0
		for w := range contentWords(m.Content) {
			if query[w] {
				score++
			}
		}
		all = append(all, scored{m: m, score: score})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].m.CreatedAt.After(all[j].m.CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]models.Memory, len(all))
	for i, s := range all {
		out[i] = s.m
	}
	return out
}

// contentWords returns the normalized words longer than three letters.
func contentWords(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(classifier.Normalize(text), func(r rune) bool {
		return r == ' ' || r == '\'' || r == '-' || r == '/' || r == ':'
	}) {
		if len([]rune(w)) > 3 {
			out[w] = true
		}
	}
	return out
}
