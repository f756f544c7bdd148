package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"apbtrace/internal/apberr"
	"apbtrace/internal/config"
	"apbtrace/internal/logx"
	"apbtrace/internal/pipeline"
)

func main() {
	outputPath := flag.String("o", "", "output report path (default: input path with its extension replaced by .txt)")
	configPath := flag.String("config", "", "INI file overriding the compiled-in address map and exempt register set")
	verbose := flag.Bool("v", false, "log decode and finalize progress to stdout")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Println("apbtrace : Error: expected exactly one input VCD path")
		fmt.Println("usage: apbtrace [-o <output.txt>] [-config <path.ini>] [-v] <input.vcd>")
		os.Exit(1)
	}
	inputPath := flag.Arg(0)

	out := *outputPath
	if out == "" {
		ext := filepath.Ext(inputPath)
		out = strings.TrimSuffix(inputPath, ext) + ".txt"
	}

	addrCfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "apbtrace : Error: %v\n", err)
			os.Exit(1)
		}
		addrCfg = loaded
	}

	level := logx.SeverityWarning
	if *verbose {
		level = logx.SeverityDebug
	}
	logger := logx.NewStdLogger(level)

	outFile, err := os.Create(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apbtrace : Error: %v\n", err)
		os.Exit(1)
	}
	defer outFile.Close()

	cfg := pipeline.Config{
		InputPath:    inputPath,
		OutputWriter: outFile,
		Addressing:   addrCfg,
		Logger:       logger,
	}

	if err := pipeline.Run(context.Background(), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "apbtrace : Error: %v\n", err)
		if apberr.Fatal(err) {
			os.Exit(1)
		}
	}
}
