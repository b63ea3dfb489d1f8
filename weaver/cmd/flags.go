package cmd

import (
	"errors"
	"flag"
	"strings"

	"github.com/TrackWeave/go-class-weave/weaver"
)

// ParseFlags builds Config from the optional TOML config file and the CLI
// flags, with flags explicitly set on the command line taking precedence
// over file values.
func ParseFlags() (*weaver.Config, error) {
	configFile := flag.String("config", "", "Path to a TOML configuration file")
	inputDir := flag.String("input", "", "Directory tree of compiled class modules to rewrite")
	outputDir := flag.String("output", "", "Directory to mirror rewritten modules into (default rewrites in place)")
	reportJsonFile := flag.String("json", "weavereport.json", "File to output rewrite details")
	reportChartsFile := flag.String("charts", "weavereport.png", "File to output rewrite overview chart image")
	cacheDir := flag.String("cachedir", "", "Directory for the persistent result cache (empty disables caching)")
	cacheMB := flag.Int("cachemb", 64, "Cache memory limit in MB")
	verbose := flag.Bool("verbose", false, "Record per-unit rewrite diffs in diagnostics")
	enabled := flag.Bool("enabled", true, "Global tracking toggle")
	screens := flag.Bool("screens", true, "Lifecycle screen tracking toggle")
	subScreens := flag.Bool("subscreens", true, "Lifecycle sub-screen tracking toggle")
	declaratives := flag.Bool("declaratives", true, "Declarative screen tracking toggle")
	containers := flag.Bool("containers", true, "Trackable container tracking toggle")
	includes := flag.String("include", "", "Comma-separated namespace include patterns")
	excludes := flag.String("exclude", "", "Comma-separated namespace exclude patterns (win over includes)")
	excludeMethods := flag.String("excludemethods", "", "Comma-separated method names to never track")
	maxParams := flag.Int("maxparams", weaver.DefaultMaxParamsPerMethod, "Maximum captured parameters per tracked function")
	validate := flag.Bool("validate", false, "Fail units with misplaced tracking markers")

	flag.Parse()

	config := weaver.DefaultConfig()
	if *configFile != "" {
		var err error
		if config, err = weaver.LoadConfigFile(*configFile); err != nil {
			return nil, err
		}
	}

	// Only apply flag values the user actually set, so the config file keeps
	// authority over untouched options.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	apply := func(name string, fn func()) {
		if set[name] || *configFile == "" {
			fn()
		}
	}
	apply("input", func() { config.InputDir = *inputDir })
	apply("output", func() { config.OutputDir = *outputDir })
	apply("json", func() { config.ReportJsonFile = *reportJsonFile })
	apply("charts", func() { config.ReportChartsFile = *reportChartsFile })
	apply("cachedir", func() { config.CacheDir = *cacheDir })
	apply("cachemb", func() { config.CacheSizeMB = *cacheMB })
	apply("verbose", func() { config.Verbose = *verbose })
	apply("enabled", func() { config.Enabled = *enabled })
	apply("screens", func() { config.LifecycleScreens = *screens })
	apply("subscreens", func() { config.LifecycleSubScreens = *subScreens })
	apply("declaratives", func() { config.DeclarativeScreens = *declaratives })
	apply("containers", func() { config.TrackableContainers = *containers })
	apply("include", func() { config.IncludePatterns = splitList(*includes) })
	apply("exclude", func() { config.ExcludePatterns = splitList(*excludes) })
	apply("excludemethods", func() { config.ExcludeMethodNames = splitList(*excludeMethods) })
	apply("maxparams", func() { config.MaxParamsPerMethod = *maxParams })
	apply("validate", func() { config.ValidateAnnotations = *validate })

	if config.InputDir == "" {
		return nil, errors.New("usage: -input build/classes [-output out/classes] [-config weave.toml]")
	}
	return &config, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
