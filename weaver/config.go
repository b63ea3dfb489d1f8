package weaver

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-analyze/bulk"
	"github.com/gobwas/glob"
)

// DefaultMaxParamsPerMethod caps how many marked parameters a single tracked
// function may capture.
const DefaultMaxParamsPerMethod = 10

// Default call-target and marker locations within the runtime companion
// library, overridable through Config.
const (
	DefaultTrackerClass      = "com/trackweaver/runtime/Tracker"
	DefaultProviderInterface = "com/trackweaver/runtime/TrackedParamsProvider"
	DefaultMarkerPackage     = "com/trackweaver/annotations"
)

// defaultScreenBases and defaultSubScreenBases are the built-in lifecycle
// base-class allowlists, extended by config.
var (
	defaultScreenBases = []string{
		"android/app/Activity",
		"androidx/appcompat/app/AppCompatActivity",
		"androidx/fragment/app/FragmentActivity",
		"androidx/activity/ComponentActivity",
	}
	defaultSubScreenBases = []string{
		"androidx/fragment/app/Fragment",
		"android/app/Fragment",
	}
)

// Config defines the engine setup. Populate the fields, then call Prepare
// before use.
type Config struct {
	// InputDir is the root directory scanned for compiled class modules.
	InputDir string `toml:"input_dir"`
	// OutputDir receives the mirrored rewritten tree. Empty rewrites in place.
	OutputDir string `toml:"output_dir"`
	// ReportJsonFile is where run metrics are written, empty to disable.
	ReportJsonFile string `toml:"report_json"`
	// ReportChartsFile is where the overview chart image is written, empty to disable.
	ReportChartsFile string `toml:"report_charts"`
	// CacheDir enables the persistent result cache when set.
	CacheDir string `toml:"cache_dir"`
	// CacheSizeMB bounds the in-memory front cache (default 64).
	CacheSizeMB int `toml:"cache_size_mb"`
	// Verbose enables per-unit diagnostics including rewrite diffs.
	Verbose bool `toml:"verbose"`

	// Enabled is the global tracking toggle.
	Enabled bool `toml:"enabled"`
	// Per-kind toggles.
	LifecycleScreens    bool `toml:"lifecycle_screens"`
	LifecycleSubScreens bool `toml:"lifecycle_sub_screens"`
	DeclarativeScreens  bool `toml:"declarative_screens"`
	TrackableContainers bool `toml:"trackable_containers"`
	// IncludePatterns restricts instrumentation to matching namespaces when
	// non-empty. ExcludePatterns always wins over includes.
	IncludePatterns []string `toml:"include_patterns"`
	ExcludePatterns []string `toml:"exclude_patterns"`
	// ExcludeMethodNames skips tracked methods by exact name.
	ExcludeMethodNames []string `toml:"exclude_method_names"`
	// MaxParamsPerMethod caps captured parameters per tracked function.
	MaxParamsPerMethod int `toml:"max_params_per_method"`
	// ValidateAnnotations fails units with misplaced markers instead of
	// silently ignoring them.
	ValidateAnnotations bool `toml:"validate_annotations"`
	// SerializerClass and SerializerMethod name an optional static
	// (Ljava/lang/Object;)Ljava/lang/String; converter for reference-typed
	// captured parameters. Defaults to java/lang/String.valueOf.
	SerializerClass  string `toml:"serializer_class"`
	SerializerMethod string `toml:"serializer_method"`
	// ExtraScreenBases and ExtraSubScreenBases extend the lifecycle
	// base-class allowlists (internal slash names).
	ExtraScreenBases    []string `toml:"extra_screen_bases"`
	ExtraSubScreenBases []string `toml:"extra_sub_screen_bases"`
	// TrackerClass, ProviderInterface and MarkerPackage relocate the runtime
	// companion library (internal slash names).
	TrackerClass      string `toml:"tracker_class"`
	ProviderInterface string `toml:"provider_interface"`
	MarkerPackage     string `toml:"marker_package"`

	includeGlobs     []glob.Glob
	excludeGlobs     []glob.Glob
	excludeMethodSet map[string]struct{}
	screenBaseSet    map[string]struct{}
	subScreenBaseSet map[string]struct{}
	prepared         bool
}

// DefaultConfig returns a Config with all tracking enabled and library
// defaults in place.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		LifecycleScreens:    true,
		LifecycleSubScreens: true,
		DeclarativeScreens:  true,
		TrackableContainers: true,
		MaxParamsPerMethod:  DefaultMaxParamsPerMethod,
		CacheSizeMB:         64,
		TrackerClass:        DefaultTrackerClass,
		ProviderInterface:   DefaultProviderInterface,
		MarkerPackage:       DefaultMarkerPackage,
	}
}

// LoadConfigFile reads a TOML config file over the defaults.
func LoadConfigFile(path string) (Config, error) {
	config := DefaultConfig()
	if meta, err := toml.DecodeFile(path, &config); err != nil {
		return config, fmt.Errorf("config file %s: %w", path, err)
	} else if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}
	return config, nil
}

// Prepare validates the configuration and compiles derived state. It must be
// called once before the Config is used by an Engine.
func (c *Config) Prepare() error {
	if c.prepared {
		return nil
	}
	if c.MaxParamsPerMethod <= 0 {
		c.MaxParamsPerMethod = DefaultMaxParamsPerMethod
	}
	if c.CacheSizeMB <= 0 {
		c.CacheSizeMB = 64
	}
	if c.TrackerClass == "" {
		c.TrackerClass = DefaultTrackerClass
	}
	if c.ProviderInterface == "" {
		c.ProviderInterface = DefaultProviderInterface
	}
	if c.MarkerPackage == "" {
		c.MarkerPackage = DefaultMarkerPackage
	}
	if strings.ContainsAny(c.TrackerClass+c.ProviderInterface+c.MarkerPackage, ".;") {
		return errors.New("tracker, provider and marker locations must be internal slash names")
	}
	if (c.SerializerClass == "") != (c.SerializerMethod == "") {
		return errors.New("serializer_class and serializer_method must be set together")
	}
	var err error
	if c.includeGlobs, err = compileGlobs(c.IncludePatterns); err != nil {
		return fmt.Errorf("include_patterns: %w", err)
	}
	if c.excludeGlobs, err = compileGlobs(c.ExcludePatterns); err != nil {
		return fmt.Errorf("exclude_patterns: %w", err)
	}
	c.excludeMethodSet = bulk.SliceToSet(c.ExcludeMethodNames)
	c.screenBaseSet = bulk.SliceToSet(append(append([]string{}, defaultScreenBases...), c.ExtraScreenBases...))
	c.subScreenBaseSet = bulk.SliceToSet(append(append([]string{}, defaultSubScreenBases...), c.ExtraSubScreenBases...))
	c.prepared = true
	return nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, len(patterns))
	for i, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		globs[i] = g
	}
	return globs, nil
}

// Fingerprint hashes every field that changes rewrite output, for use in
// cache keys. Two configs with equal fingerprints produce identical rewrites.
func (c *Config) Fingerprint() []byte {
	var sb strings.Builder
	sb.WriteString(strconv.FormatBool(c.Enabled))
	sb.WriteString(strconv.FormatBool(c.LifecycleScreens))
	sb.WriteString(strconv.FormatBool(c.LifecycleSubScreens))
	sb.WriteString(strconv.FormatBool(c.DeclarativeScreens))
	sb.WriteString(strconv.FormatBool(c.TrackableContainers))
	sb.WriteString(strconv.FormatBool(c.ValidateAnnotations))
	sb.WriteString(strconv.Itoa(c.MaxParamsPerMethod))
	for _, group := range [][]string{
		c.IncludePatterns, c.ExcludePatterns, c.ExcludeMethodNames,
		c.ExtraScreenBases, c.ExtraSubScreenBases,
	} {
		sb.WriteByte('|')
		sb.WriteString(strings.Join(group, ","))
	}
	sb.WriteByte('|')
	sb.WriteString(c.SerializerClass)
	sb.WriteByte('.')
	sb.WriteString(c.SerializerMethod)
	sb.WriteByte('|')
	sb.WriteString(c.TrackerClass)
	sb.WriteByte('|')
	sb.WriteString(c.ProviderInterface)
	sb.WriteByte('|')
	sb.WriteString(c.MarkerPackage)
	hash := sha1.Sum([]byte(sb.String()))
	return hash[:]
}

func (c *Config) markerDesc(simple string) string {
	return "L" + c.MarkerPackage + "/" + simple + ";"
}

func (c *Config) screenMarkerDesc() string      { return c.markerDesc("TrackScreen") }
func (c *Config) declarativeMarkerDesc() string { return c.markerDesc("TrackComposable") }
func (c *Config) trackableMarkerDesc() string   { return c.markerDesc("Trackable") }
func (c *Config) eventMarkerDesc() string       { return c.markerDesc("TrackEvent") }
func (c *Config) paramMarkerDesc() string       { return c.markerDesc("TrackParam") }
