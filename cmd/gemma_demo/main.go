// gemma_demo uses the Gemma sampler to generate text given a prompt.
//
// Without arguments it opens an interactive prompt, using github.com/charmbracelet libraries to make for a pretty
// command-line UI. Otherwise, each argument is taken as a prompt, and they are all generated in one batch:
//
//	gemma_demo --max_tokens=64 --policy=top_k "The capital of France is" "Once upon a time"
package main

import (
	"flag"
	"fmt"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gomlx/exceptions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	"net/http"
	"os"
)

var (
	flagConfig      = flag.String("config", "", "YAML configuration file. Its values are used for the flags not given in the command line.")
	flagMetricsAddr = flag.String("metrics_addr", "", `If set, serves Prometheus metrics at "/metrics" on this address (e.g. ":9090").`)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig != "" {
		cfg, err := LoadConfig(*flagConfig)
		if err == nil {
			err = applyConfig(flag.CommandLine, cfg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
			os.Exit(1)
		}
	}
	if *flagMetricsAddr != "" {
		go serveMetrics(*flagMetricsAddr)
	}

	if flag.NArg() > 0 {
		err := exceptions.TryCatch[error](func() {
			if err := runBatch(BuildSampler(), flag.Args()); err != nil {
				panic(err)
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
			os.Exit(1)
		}
		return
	}

	var p *tea.Program
	err := exceptions.TryCatch[error](func() { p = tea.NewProgram(newUIModel()) })
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
		os.Exit(1)
	}
	finalModel, err := p.Run()
	if err == nil {
		if ui, ok := finalModel.(*uiModel); ok && ui.err != nil {
			err = ui.err
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	klog.Infof("serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		klog.Errorf("metrics server failed: %+v", err)
	}
}
