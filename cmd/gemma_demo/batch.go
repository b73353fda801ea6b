package main

import (
	"fmt"
	"github.com/Akash4467/gemma/samplers"
	"github.com/schollz/progressbar/v3"
	"os"
	"time"
)

// runBatch generates the continuation of all prompts in one batch, showing the progress of the decoding steps,
// and prints the results.
func runBatch(sampler *samplers.Sampler, prompts []string) error {
	opts, err := BuildOptions(sampler)
	if err != nil {
		return err
	}
	var bar *progressbar.ProgressBar
	opts.OnStep = func(state *samplers.State) {
		if bar == nil {
			bar = progressbar.NewOptions(state.TotalSamplingSteps,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Generating"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
		}
		_ = bar.Set(state.DecodingStep)
	}

	start := time.Now()
	output, err := sampler.Generate(prompts, opts)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	var numTokens int
	for ii, text := range output.Text {
		numTokens += len(output.Tokens[ii])
		fmt.Printf("[%d] %q\n%s\n\n", ii, prompts[ii], text)
	}
	fmt.Fprintf(os.Stderr, "%d prompts, %d tokens in %s\n", len(prompts), numTokens, time.Since(start))
	return nil
}
