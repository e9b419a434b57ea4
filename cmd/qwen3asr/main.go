// Command qwen3asr is a thin CLI shell around the asr package: load a
// checkpoint directory, transcribe one WAV file or run an interactive
// read-eval-print loop over file paths typed at a prompt.
//
// Grounded on the teacher's flag-parsing idiom in
// _examples/manningwu07-transformer/go/main.go (flag.BoolVar in init,
// switch-free if-ladder over mode flags) and the bufio.NewReader(os.Stdin)
// REPL loop in src/CLI.go's ChatCLI, generalized from a token-prediction
// chat loop to an audio-file transcription loop.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/antirez/qwen-asr/asr"
	"github.com/antirez/qwen-asr/config"
)

var (
	modelDir     string
	audioPath    string
	language     string
	prompt       string
	threads      int
	verbose      bool
	maxNewTokens int
	interactive  bool
	saveCache    bool
)

func init() {
	flag.StringVar(&modelDir, "model", "", "path to a model directory (config.json, model.safetensors, vocab.json)")
	flag.StringVar(&audioPath, "audio", "", "path to a 16-bit PCM WAV file to transcribe")
	flag.StringVar(&language, "lang", "", "force decoding to a language tag (e.g. \"en\"); empty lets the model choose")
	flag.StringVar(&prompt, "prompt", "", "text prompt injected before generation")
	flag.IntVar(&threads, "threads", 0, "worker pool size; 0 uses runtime.NumCPU()")
	flag.BoolVar(&verbose, "verbose", false, "print per-call timing counters to stderr")
	flag.IntVar(&maxNewTokens, "max-new-tokens", 0, "hard cap on generated tokens; 0 uses the model's max context")
	flag.BoolVar(&interactive, "cli", false, "run an interactive loop reading WAV file paths from stdin")
	flag.BoolVar(&saveCache, "save-cache", false, "write a dequantized-weight cache (dequant_cache.gob) into -model after loading")
}

func main() {
	flag.Parse()

	if modelDir == "" {
		fmt.Fprintln(os.Stderr, "qwen3asr: -model is required")
		flag.Usage()
		os.Exit(2)
	}

	rt := config.DefaultRuntime()
	rt.Threads = threads
	rt.Verbose = verbose
	rt.MaxNewTokens = maxNewTokens

	ctx, err := asr.Load(modelDir, rt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qwen3asr: loading %s: %v\n", modelDir, err)
		os.Exit(1)
	}
	defer ctx.Free()

	if saveCache {
		cachePath := modelDir + string(os.PathSeparator) + "dequant_cache.gob"
		if err := ctx.SaveDequantCache(cachePath); err != nil {
			fmt.Fprintf(os.Stderr, "qwen3asr: saving dequant cache: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "qwen3asr: wrote %s\n", cachePath)
		}
	}

	if language != "" {
		if err := ctx.SetForceLanguage(language); err != nil {
			fmt.Fprintf(os.Stderr, "qwen3asr: %v\n", err)
			os.Exit(2)
		}
	}
	if prompt != "" {
		ctx.SetPrompt(prompt)
	}

	if interactive {
		repl(ctx)
		return
	}

	if audioPath == "" {
		fmt.Fprintln(os.Stderr, "qwen3asr: -audio is required unless -cli is set")
		flag.Usage()
		os.Exit(2)
	}
	if err := transcribeFile(ctx, audioPath); err != nil {
		fmt.Fprintf(os.Stderr, "qwen3asr: %v\n", err)
		os.Exit(1)
	}
}

// repl reads WAV file paths from stdin, one per line, transcribing each in
// turn until "exit" or EOF.
func repl(ctx *asr.Context) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Println("qwen3asr interactive mode. Type a WAV file path, or 'exit' to quit.")
	for {
		fmt.Print("wav> ")
		line, err := reader.ReadString('\n')
		path := strings.TrimSpace(line)
		if path == "exit" {
			break
		}
		if path != "" {
			if err := transcribeFile(ctx, path); err != nil {
				fmt.Fprintf(os.Stderr, "qwen3asr: %v\n", err)
			}
		}
		if err != nil {
			break
		}
	}
}

// transcribeFile reads a WAV file, runs it through ctx, and prints the
// transcript followed by the perf counters when -verbose is set.
func transcribeFile(ctx *asr.Context, path string) error {
	samples, err := readWAVMono16k(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	text, err := ctx.Transcribe(samples, len(samples))
	if err != nil {
		return fmt.Errorf("transcribing %s: %w", path, err)
	}
	fmt.Println(text)
	if verbose {
		p := ctx.Perf()
		fmt.Fprintf(os.Stderr, "encode=%.1fms decode=%.1fms total=%.1fms tokens=%d\n",
			p.EncodeMs, p.DecodeMs, p.TotalMs, p.TextTokens)
	}
	return nil
}
