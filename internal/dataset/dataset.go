// Package dataset streams JSONL records into fixed-length tokenized
// examples for causal-LM fine-tuning: truncate, right-pad, mask labels,
// and split train/eval deterministically.
package dataset

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/loam/internal/logger"
)

// IgnoreIndex marks label positions the loss must skip: padding, and
// prompt tokens under completion-only training.
const IgnoreIndex = -1

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 16 << 20

// Encoder is the tokenizer surface the pipeline needs.
type Encoder interface {
	Encode(text string) ([]int, error)
	EncodeTruncated(text string, maxLen int) ([]int, error)
	PadID() int
	AddEOS() bool
}

// Options selects columns and shapes the tokenized output.
type Options struct {
	// ContextColumn is the JSON field holding the training text (or the
	// prompt when ResponseColumn is also set).
	ContextColumn string
	// ResponseColumn, when set, is appended to the context with a
	// newline and optionally excluded from the loss.
	ResponseColumn string
	// MaxLength is the fixed example length after truncate+pad.
	MaxLength int
	// TrainSplit is the train fraction in (0,1]; the rest is eval.
	TrainSplit  float64
	Shuffle     bool
	ShuffleSeed uint64
	// MaskPrompt sets prompt positions to IgnoreIndex so only response
	// tokens carry loss. Meaningless without ResponseColumn.
	MaskPrompt bool
}

// DefaultOptions matches the run-config defaults.
func DefaultOptions() Options {
	return Options{
		ContextColumn: "text",
		MaxLength:     512,
		TrainSplit:    0.9,
		Shuffle:       true,
		ShuffleSeed:   42,
	}
}

func (o *Options) validate() error {
	if o.ContextColumn == "" {
		return fmt.Errorf("context column not set")
	}
	if o.MaxLength <= 0 {
		return fmt.Errorf("max length must be positive, got %d", o.MaxLength)
	}
	if o.TrainSplit <= 0 || o.TrainSplit > 1 {
		return fmt.Errorf("train split must be in (0,1], got %g", o.TrainSplit)
	}
	return nil
}

// Example is one tokenized record. Input is MaxLength wide; Length
// counts the real tokens before padding; Labels mirror Input with
// IgnoreIndex on padding and masked prompt positions.
type Example struct {
	Input  []int
	Labels []int
	Length int
}

// Dataset is an in-memory slice of examples.
type Dataset struct {
	examples []Example
}

// NewDataset wraps already-tokenized examples.
func NewDataset(examples []Example) *Dataset {
	return &Dataset{examples: examples}
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.examples)
}

func (d *Dataset) Get(i int) Example { return d.examples[i] }

// Splits carries the train/eval partition of one source file.
type Splits struct {
	Train *Dataset
	Eval  *Dataset
}

// Load reads a JSONL file, tokenizes every record and splits it.
// Malformed lines are skipped and counted; more than 1% of them fails
// the load.
func Load(path string, tok Encoder, opts Options, log logger.Logger) (*Splits, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var (
		examples  []Example
		total     int
		malformed int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		total++
		ex, err := tokenizeLine(line, tok, opts)
		if err != nil {
			malformed++
			log.Debug("skipping malformed record", "line", total, "error", err)
			continue
		}
		examples = append(examples, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if malformed > 0 {
		log.Warn("skipped malformed records", "path", path, "skipped", malformed, "total", total)
		if malformed*100 > total {
			return nil, fmt.Errorf("%s: %d of %d records malformed", path, malformed, total)
		}
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%s: no usable records", path)
	}

	splits := split(examples, opts)
	log.Info("dataset loaded",
		"path", path,
		"train", splits.Train.Len(),
		"eval", splits.Eval.Len(),
		"max_length", opts.MaxLength)
	return splits, nil
}

// tokenizeLine turns one JSON record into a padded example.
func tokenizeLine(line []byte, tok Encoder, opts Options) (Example, error) {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(line, &rec); err != nil {
		return Example{}, fmt.Errorf("parse: %w", err)
	}
	context, err := column(rec, opts.ContextColumn)
	if err != nil {
		return Example{}, err
	}

	text := context
	var response string
	if opts.ResponseColumn != "" {
		if response, err = column(rec, opts.ResponseColumn); err != nil {
			return Example{}, err
		}
		text = fmt.Sprintf("%s\n%s", context, response)
	}
	if text == "" {
		return Example{}, fmt.Errorf("empty text")
	}

	ids, err := tok.EncodeTruncated(text, opts.MaxLength)
	if err != nil {
		return Example{}, err
	}
	length := len(ids)

	input := make([]int, opts.MaxLength)
	labels := make([]int, opts.MaxLength)
	pad := tok.PadID()
	for i := 0; i < opts.MaxLength; i++ {
		if i < length {
			input[i] = ids[i]
			labels[i] = ids[i]
		} else {
			input[i] = pad
			labels[i] = IgnoreIndex
		}
	}

	if opts.MaskPrompt && opts.ResponseColumn != "" {
		n, err := promptLen(tok, context+"\n")
		if err != nil {
			return Example{}, err
		}
		if n > length {
			n = length
		}
		for i := 0; i < n; i++ {
			labels[i] = IgnoreIndex
		}
	}
	return Example{Input: input, Labels: labels, Length: length}, nil
}

// promptLen counts the tokens the prompt occupies at the front of the
// full encoding. A trailing EOS added by the tokenizer config belongs
// to the whole sequence, not the prompt.
func promptLen(tok Encoder, prompt string) (int, error) {
	ids, err := tok.Encode(prompt)
	if err != nil {
		return 0, err
	}
	n := len(ids)
	if tok.AddEOS() && n > 0 {
		n--
	}
	return n, nil
}

func column(rec map[string]json.RawMessage, name string) (string, error) {
	raw, ok := rec[name]
	if !ok {
		return "", fmt.Errorf("column %q missing", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("column %q is not a string", name)
	}
	return s, nil
}

// split shuffles deterministically and partitions by the train
// fraction. A fractional split always leaves at least one eval record
// when there are two or more examples.
func split(examples []Example, opts Options) *Splits {
	if opts.Shuffle {
		rng := rand.New(rand.NewSource(int64(opts.ShuffleSeed)))
		rng.Shuffle(len(examples), func(i, j int) {
			examples[i], examples[j] = examples[j], examples[i]
		})
	}
	n := len(examples)
	nTrain := int(float64(n) * opts.TrainSplit)
	if opts.TrainSplit < 1 && n >= 2 {
		if nTrain == n {
			nTrain = n - 1
		}
		if nTrain == 0 {
			nTrain = 1
		}
	}
	if nTrain > n {
		nTrain = n
	}
	return &Splits{
		Train: &Dataset{examples: examples[:nTrain]},
		Eval:  &Dataset{examples: examples[nTrain:]},
	}
}
