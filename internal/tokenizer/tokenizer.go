// Package tokenizer loads Hugging Face byte-level BPE tokenizers. Both
// the fast format (tokenizer.json) and the legacy pair of vocab.json
// plus merges.txt are supported; tokenizer_config.json supplies the
// special token roles on top of either.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

type Tokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[pair]int
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	padID        int
	unkID        int
	ignoreMerges bool
	special      []string
}

type fastTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	PostProcessor struct {
		Type       string `json:"type"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// tokenName decodes a tokenizer_config.json token field, which is either
// a bare string or an AddedToken object with a content field.
type tokenName string

func (t *tokenName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = tokenName(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*t = tokenName(obj.Content)
	return nil
}

type tokenizerConfig struct {
	AddBOS bool      `json:"add_bos_token"`
	AddEOS bool      `json:"add_eos_token"`
	BOS    tokenName `json:"bos_token"`
	EOS    tokenName `json:"eos_token"`
	PAD    tokenName `json:"pad_token"`
	UNK    tokenName `json:"unk_token"`
}

// Load reads a tokenizer from a model directory, preferring the fast
// single-file format over the legacy vocab/merges pair.
func Load(dir string) (*Tokenizer, error) {
	cfg, _ := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))

	if data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json")); err == nil {
		return LoadFastBytes(data, cfg)
	}

	vocab, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("no tokenizer.json or vocab.json in %s", dir)
	}
	merges, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("vocab.json without merges.txt in %s", dir)
	}
	return LoadLegacyBytes(vocab, merges, cfg)
}

// LoadFastBytes builds a tokenizer from tokenizer.json contents plus an
// optional tokenizer_config.json.
func LoadFastBytes(tokJSON, tokConfig []byte) (*Tokenizer, error) {
	var tj fastTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, err
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		if id > maxID {
			maxID = id
		}
	}
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		if at.ID > maxID {
			maxID = at.ID
		}
	}
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
	}
	for _, at := range tj.AddedTokens {
		decoder[at.ID] = at.Content
	}

	bpeRanks := make(map[pair]int, len(tj.Model.Merges))
	rank := 0
	for _, raw := range tj.Model.Merges {
		line := ""
		switch v := raw.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		if p, ok := parseMerge(line); ok {
			if _, dup := bpeRanks[p]; !dup {
				bpeRanks[p] = rank
				rank++
			}
		}
	}

	t := &Tokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		pattern:      buildPattern(fastPatternOf(tj)),
		bosID:        -1,
		eosID:        -1,
		padID:        -1,
		unkID:        -1,
		ignoreMerges: tj.Model.IgnoreMerges,
	}
	t.byteEncoder, t.byteDecoder = bytesToUnicode()

	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			t.unkID = id
		}
	}

	t.applyConfig(tokConfig)

	// A TemplateProcessing post-processor that names a BOS token wins
	// over the config flag.
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, spec := range proc.SpecialTokens {
			if len(spec.IDs) > 0 {
				t.bosID = spec.IDs[0]
				t.addBOS = true
				break
			}
		}
	}

	specials := make([]string, 0, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		if at.Special {
			specials = append(specials, at.Content)
		}
	}
	t.special = mergeSpecials(specials, decoder)
	return t, nil
}

// LoadLegacyBytes builds a tokenizer from vocab.json and merges.txt
// contents plus an optional tokenizer_config.json.
func LoadLegacyBytes(vocabJSON, mergesTxt, tokConfig []byte) (*Tokenizer, error) {
	var vocab map[string]int
	if err := json.Unmarshal(vocabJSON, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab.json: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}

	maxID := -1
	for _, id := range vocab {
		if id > maxID {
			maxID = id
		}
	}
	decoder := make([]string, maxID+1)
	for tok, id := range vocab {
		decoder[id] = tok
	}

	bpeRanks := make(map[pair]int)
	rank := 0
	for _, line := range strings.Split(string(mergesTxt), "\n") {
		if p, ok := parseMerge(line); ok {
			if _, dup := bpeRanks[p]; !dup {
				bpeRanks[p] = rank
				rank++
			}
		}
	}

	t := &Tokenizer{
		encoder:  vocab,
		decoder:  decoder,
		bpeRanks: bpeRanks,
		cache:    make(map[string][]string),
		pattern:  buildPattern(""),
		bosID:    -1,
		eosID:    -1,
		padID:    -1,
		unkID:    -1,
	}
	t.byteEncoder, t.byteDecoder = bytesToUnicode()
	t.applyConfig(tokConfig)
	t.special = mergeSpecials(nil, decoder)
	return t, nil
}

func (t *Tokenizer) applyConfig(tokConfig []byte) {
	if len(tokConfig) == 0 {
		return
	}
	var cfg tokenizerConfig
	if err := json.Unmarshal(tokConfig, &cfg); err != nil {
		return
	}
	t.addBOS = cfg.AddBOS
	t.addEOS = cfg.AddEOS
	lookup := func(name tokenName) int {
		if name == "" {
			return -1
		}
		if id, ok := t.encoder[string(name)]; ok {
			return id
		}
		return -1
	}
	if id := lookup(cfg.BOS); id >= 0 {
		t.bosID = id
	}
	if id := lookup(cfg.EOS); id >= 0 {
		t.eosID = id
	}
	if id := lookup(cfg.PAD); id >= 0 {
		t.padID = id
	}
	if id := lookup(cfg.UNK); id >= 0 {
		t.unkID = id
	}
}

func parseMerge(line string) (pair, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return pair{}, false
	}
	left, right, ok := strings.Cut(line, " ")
	if !ok || left == "" || right == "" || strings.Contains(right, " ") {
		return pair{}, false
	}
	return pair{left, right}, true
}

func fastPatternOf(tj fastTokenizerJSON) string {
	if tj.PreTokenizer.Type != "Sequence" {
		return ""
	}
	for _, p := range tj.PreTokenizer.Pretokenizers {
		if p.Type == "Split" && p.Pattern.Regex != "" {
			return p.Pattern.Regex
		}
	}
	return ""
}

// buildPattern compiles the pre-tokenizer regex, falling back to the
// GPT-2 split. Llama 3 style patterns use lookahead which Go's regexp
// rejects, so those are swapped for the llama.cpp equivalent.
func buildPattern(pat string) *regexp.Regexp {
	if pat == "" {
		pat = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	}
	if strings.Contains(pat, "(?!\\S)") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	return regexp.MustCompile(pat)
}

func (t *Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token: %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, token := range t.pattern.FindAllString(part.text, -1) {
			encoded := t.byteEncode(token)
			for _, bpeTok := range t.bpe(encoded) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

// EncodeTruncated encodes text and cuts the result to at most maxLen
// ids. maxLen <= 0 means no limit.
func (t *Tokenizer) EncodeTruncated(text string, maxLen int) ([]int, error) {
	ids, err := t.Encode(text)
	if err != nil {
		return nil, err
	}
	if maxLen > 0 && len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	return ids, nil
}

func (t *Tokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if looksSpecial(token) {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *Tokenizer) BOSID() int   { return t.bosID }
func (t *Tokenizer) EOSID() int   { return t.eosID }
func (t *Tokenizer) UNKID() int   { return t.unkID }
func (t *Tokenizer) AddBOS() bool { return t.addBOS }
func (t *Tokenizer) AddEOS() bool { return t.addEOS }

// PadID returns the padding token, falling back to EOS when the
// tokenizer defines none. Causal LM tokenizers usually don't.
func (t *Tokenizer) PadID() int {
	if t.padID >= 0 {
		return t.padID
	}
	return t.eosID
}

// VocabSize is the id space size including added tokens.
func (t *Tokenizer) VocabSize() int { return len(t.decoder) }

func (t *Tokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *Tokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *Tokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	for len(word) > 1 {
		best, ok := t.lowestRank(word)
		if !ok {
			break
		}
		word = applyMerge(word, best)
	}
	t.cache[token] = word
	return word
}

// lowestRank picks the adjacent pair that merges earliest in the
// learned merge order.
func (t *Tokenizer) lowestRank(word []string) (pair, bool) {
	best := pair{}
	bestRank := -1
	for p := range adjacentPairs(word) {
		if rank, ok := t.bpeRanks[p]; ok && (bestRank < 0 || rank < bestRank) {
			best, bestRank = p, rank
		}
	}
	return best, bestRank >= 0
}
