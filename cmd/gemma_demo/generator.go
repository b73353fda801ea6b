package main

import (
	"flag"
	"github.com/Akash4467/gemma/samplers"
	"github.com/Akash4467/gemma/sentencepiece"
	"github.com/Akash4467/gemma/transformers"
	"github.com/Akash4467/gemma/trees"
	"github.com/Akash4467/gemma/weights"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
	"path"
	"strings"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir     = flag.String("data", "~/work/gemma", "Directory to cache downloaded and generated dataset files.")
	flagVocabFile   = flag.String("vocab", "weights/tokenizer.model", "Tokenizer file with vocabulary. Relative to --data directory.")
	flagParams      = flag.String("params", "", "Checkpoint directory with the model params (see --save_params). Relative to --data directory. If empty, params are randomly initialized with --seed.")
	flagSaveParams  = flag.String("save_params", "", "If set, randomly initialized params are saved to this checkpoint directory. Relative to --data directory.")
	flagVocabSize   = flag.Int("vocab_size", 256128, "Vocabulary size of a randomly initialized model. It must match the tokenizer.")
	flagSeed        = flag.Uint64("seed", 42, "Seed for the params initialization and for the sampling random key.")
	flagMaxTokens   = flag.Int("max_tokens", 512, "Maximum number of tokens to generate.")
	flagCacheLength = flag.Int("cache_length", 1024, "Number of steps held by the model cache.")
	flagUseBackend  = flag.Bool("use_backend", false, "Use a GoMLX backend for positions and for the greedy and temperature policies.")

	flagPolicy      = flag.String("policy", "greedy", `Sampling policy: "greedy", "temperature", "top_k" or "top_p".`)
	flagTemperature = flag.Float64("temperature", 1.0, "Temperature for the random sampling policies.")
	flagTopK        = flag.Int("top_k", 40, `Number of tokens to sample from, for --policy="top_k".`)
	flagTopP        = flag.Float64("top_p", 0.95, `Probability mass to sample from, for --policy="top_p".`)
	flagEcho        = flag.Bool("echo", false, "Include the prompt in the output.")
	flagForbidden   = flag.String("forbidden", "", "Comma separated list of tokens that are never generated.")
)

// dataPath returns p relative to --data, unless it's an absolute path.
func dataPath(p string) string {
	p = data.ReplaceTildeInDir(p)
	if !path.IsAbs(p) {
		dataDir := data.ReplaceTildeInDir(*flagDataDir)
		p = path.Join(dataDir, p)
	}
	return p
}

// BuildTokenizer from flags --data and --vocab. Panics in case of error.
func BuildTokenizer() *sentencepiece.Processor {
	return must.M1(sentencepiece.NewFromPath(dataPath(*flagVocabFile)))
}

// BuildModel returns the model and its params, loaded from --params or randomly initialized. Panics in case
// of error.
func BuildModel() (*transformers.Model, *trees.Tree[*tensors.Tensor]) {
	var (
		config *transformers.Config
		params *trees.Tree[*tensors.Tensor]
	)
	if *flagParams != "" {
		params = must.M1(weights.Load(dataPath(*flagParams)))
		config = must.M1(transformers.NewConfigFromWeights(params))
	} else {
		config = transformers.NewTinyConfig(*flagVocabSize)
	}
	model := must.M1(transformers.NewModel(config))
	if params == nil {
		params = must.M1(model.InitParams(*flagSeed))
		if *flagSaveParams != "" {
			must.M(weights.Save(dataPath(*flagSaveParams), params))
		}
	}
	must.M(model.CheckParams(params))

	var memory uint64
	for _, t := range params.Leaves() {
		memory += uint64(t.Shape().Memory())
	}
	klog.Infof("model: %d layers, vocabulary of %d, %d params tensors (%s)", config.NumLayers,
		config.VocabularySize, params.NumLeaves(), humanize.Bytes(memory))
	return model, params
}

// BuildSampler from the flags. Panics in case of error.
func BuildSampler() *samplers.Sampler {
	vocab := BuildTokenizer()
	model, params := BuildModel()
	sampler := samplers.New(vocab, model, params, *flagSeed).
		WithCacheLength(*flagCacheLength).
		WithMaxGeneratedTokens(*flagMaxTokens)
	if *flagUseBackend {
		sampler.WithBackend(backends.New())
	}
	return sampler
}

// BuildOptions for Sampler.Generate from the flags.
func BuildOptions(sampler *samplers.Sampler) (samplers.Options, error) {
	policyConfig := samplers.PolicyConfig{
		Name:        *flagPolicy,
		Temperature: *flagTemperature,
		TopK:        *flagTopK,
		TopP:        *flagTopP,
	}
	policy, err := samplers.PolicyFromConfig(policyConfig)
	if err != nil {
		return samplers.Options{}, err
	}
	if sampler.Backend != nil {
		switch p := policy.(type) {
		case samplers.Greedy:
			policy = samplers.NewGraphGreedy(sampler.Backend)
		case samplers.RandomSampling:
			policy = samplers.NewGraphRandomSampling(sampler.Backend, p.Temperature)
		}
	}
	var forbidden []string
	for _, token := range strings.Split(*flagForbidden, ",") {
		if token != "" {
			forbidden = append(forbidden, token)
		}
	}
	return samplers.Options{
		TotalGenerationSteps: sampler.MaxGeneratedTokens,
		Echo:                 *flagEcho,
		ForbiddenTokens:      forbidden,
		Policy:               policy,
	}, nil
}
