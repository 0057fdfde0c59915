package tokenizer

import (
	"sort"
	"strings"
)

// pair is one BPE merge candidate, two adjacent word fragments.
type pair struct {
	left  string
	right string
}

type textPart struct {
	text      string
	isSpecial bool
}

func splitRunes(s string) []string {
	runes := []rune(s)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

func adjacentPairs(word []string) map[pair]struct{} {
	pairs := make(map[pair]struct{}, len(word))
	for i := 1; i < len(word); i++ {
		pairs[pair{word[i-1], word[i]}] = struct{}{}
	}
	return pairs
}

// applyMerge rewrites word with every left+right occurrence fused.
func applyMerge(word []string, p pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); {
		if i+1 < len(word) && word[i] == p.left && word[i+1] == p.right {
			out = append(out, p.left+p.right)
			i += 2
		} else {
			out = append(out, word[i])
			i++
		}
	}
	return out
}

func looksSpecial(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// mergeSpecials unions declared added tokens with <|...|> style vocab
// entries and orders the result longest-match first.
func mergeSpecials(declared []string, vocab []string) []string {
	seen := make(map[string]struct{}, len(declared))
	var out []string
	keep := func(s string) {
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range declared {
		keep(s)
	}
	for _, s := range vocab {
		if looksSpecial(s) {
			keep(s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// splitSpecials cuts text at every special token occurrence. Specials
// must be ordered longest-first so overlapping tokens resolve to the
// longest match.
func splitSpecials(text string, specials []string) []textPart {
	var parts []textPart
	for text != "" {
		at, match := -1, ""
		for _, sp := range specials {
			if sp == "" {
				continue
			}
			idx := strings.Index(text, sp)
			if idx < 0 {
				continue
			}
			if at < 0 || idx < at || (idx == at && len(sp) > len(match)) {
				at, match = idx, sp
			}
		}
		if at < 0 {
			parts = append(parts, textPart{text: text})
			break
		}
		if at > 0 {
			parts = append(parts, textPart{text: text[:at]})
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		text = text[at+len(match):]
	}
	return parts
}

// bytesToUnicode maps every byte to a printable rune so BPE can treat
// raw bytes as reversible text. Printable latin bytes map to
// themselves, the rest shift into the U+0100 block in byte order,
// matching GPT-2's byte encoder.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	enc := make(map[byte]string, 256)
	dec := make(map[string]byte, 256)
	shift := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + shift)
			shift++
		}
		enc[byte(b)] = string(r)
		dec[string(r)] = byte(b)
	}
	return enc, dec
}
