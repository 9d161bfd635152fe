package dispatcher

// adjectives and nouns are the fixed lexicons agent names are drawn from
// (spec.md §3: "two-word AdjectiveNoun pattern drawn from fixed lexicons").
var adjectives = []string{
	"Blue", "Green", "Red", "Gold", "Silver", "Crimson", "Amber", "Violet",
	"Copper", "Jade", "Ivory", "Obsidian", "Scarlet", "Cobalt", "Indigo",
	"Bright", "Quiet", "Swift", "Calm", "Bold", "Keen", "Deep", "Wide",
}

var nouns = []string{
	"Lake", "Stone", "Castle", "River", "Hill", "Forest", "Harbor", "Meadow",
	"Summit", "Canyon", "Glacier", "Valley", "Reef", "Ridge", "Delta",
	"Falcon", "Otter", "Heron", "Lynx", "Wren", "Badger", "Finch", "Stag",
}

var adjectiveSet = buildLookup(adjectives)
var nounSet = buildLookup(nouns)

func buildLookup(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[toLowerASCII(w)] = true
	}
	return m
}

// GenerateName returns a deterministic AdjectiveNoun candidate for the
// given index, wrapping around both lexicons. Callers retry with
// incrementing indices until an unused name is found within the project.
func GenerateName(index int) string {
	adj := adjectives[index%len(adjectives)]
	noun := nouns[(index/len(adjectives))%len(nouns)]
	return adj + noun
}

// splitAdjectiveNoun tries every prefix split of name against the adjective
// lexicon, returning the matching (adjective, noun) pair and true if name is
// a lexicon-exact AdjectiveNoun composition.
func splitAdjectiveNoun(name string) (adjective, noun string, ok bool) {
	for _, adj := range adjectives {
		if len(name) <= len(adj) {
			continue
		}
		if name[:len(adj)] != adj {
			continue
		}
		rest := name[len(adj):]
		if nounSet[toLowerASCII(rest)] {
			return adj, rest, true
		}
	}
	return "", "", false
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
