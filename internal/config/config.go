// Package config loads and validates a pipeline definition: workers, the
// traffic-class tree, module instances, graph wiring, and control-surface
// settings, from viper-backed YAML with env-var overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// WorkerConfig describes one dataplane worker to launch.
type WorkerConfig struct {
	ID   int `mapstructure:"id"`
	Core int `mapstructure:"core"`
}

// TCConfig is one traffic-class definition; Module/Arg apply only to leaf
// classes and name the task they wrap.
type TCConfig struct {
	Name          string `mapstructure:"name"`
	Parent        string `mapstructure:"parent"`
	Policy        string `mapstructure:"policy"` // priority|weighted_fair|round_robin|rate_limit|leaf
	Priority      int32  `mapstructure:"priority"`
	Share         uint32 `mapstructure:"share"`
	ShareResource string `mapstructure:"share_resource"`
	Limit         uint64 `mapstructure:"limit"`
	MaxBurst      uint64 `mapstructure:"max_burst"`
	AutoFree      bool   `mapstructure:"auto_free"`
	Module        string `mapstructure:"module"` // leaf only
	Arg           any    `mapstructure:"arg"`    // leaf only, opaque task arg
	Worker        *int   `mapstructure:"worker"` // root TCs attach directly to a worker id
}

// ModuleConfig instantiates one module: Class names a registered
// factory, Config is handed to Instance.Init verbatim (opaque to the core);
// an absent or empty block reaches Init as nil.
type ModuleConfig struct {
	Name   string         `mapstructure:"name"`
	Class  string         `mapstructure:"class"`
	Config map[string]any `mapstructure:"config"`
}

// ConnectionConfig wires one module graph edge at startup.
type ConnectionConfig struct {
	Src   string `mapstructure:"src"`
	OGate int    `mapstructure:"ogate"`
	Dst   string `mapstructure:"dst"`
	IGate int    `mapstructure:"igate"`
	// Mergeable opts the destination igate into merge-deferred delivery:
	// concurrent emissions within one task are coalesced into one batch
	// instead of riding the chained fast path.
	Mergeable bool `mapstructure:"mergeable"`
}

// ControlConfig configures the optional HTTP control surface.
type ControlConfig struct {
	Listen          string `mapstructure:"listen"`
	AuthEnabled     bool   `mapstructure:"auth_enabled"`
	JWTSecret       string `mapstructure:"jwt_secret"`
	RateLimitRPS    int    `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int    `mapstructure:"rate_limit_burst"`
	MetricsPath     string `mapstructure:"metrics_path"`
	StatsStreamPath string `mapstructure:"stats_stream_path"`
}

// PipelineConfig is the top-level definition Load produces.
type PipelineConfig struct {
	TSCHz          uint64             `mapstructure:"tsc_hz"`
	Workers        []WorkerConfig     `mapstructure:"workers"`
	TrafficClasses []TCConfig         `mapstructure:"traffic_classes"`
	Modules        []ModuleConfig     `mapstructure:"modules"`
	Connections    []ConnectionConfig `mapstructure:"connections"`
	Control        ControlConfig      `mapstructure:"control"`
}

// DefaultConfig returns the configuration a process starts from before a
// file or env overrides are applied.
func DefaultConfig() *PipelineConfig {
	return &PipelineConfig{
		TSCHz: 1_000_000_000, // matches sched.NanoClockHz; see sched.NewNanoClock
		Control: ControlConfig{
			Listen:          "127.0.0.1:9710",
			RateLimitRPS:    50,
			RateLimitBurst:  100,
			MetricsPath:     "/metrics",
			StatsStreamPath: "/v1/stream/stats",
		},
	}
}

// Load reads a pipeline definition from path (or the default search
// locations when path is empty), overlays OMESH_-prefixed environment
// variables, and validates the result.
func Load(path string) (*PipelineConfig, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dataplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dataplaned")
	}
	v.SetEnvPrefix("OMESH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// resourceNames is the closed set allowed for share_resource.
var resourceNames = []string{"count", "cycles", "packets", "bits"}

// policyNames is the closed set of TC policies this config layer accepts.
var policyNames = []string{"priority", "weighted_fair", "round_robin", "rate_limit", "leaf"}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Validate checks structural invariants before the config is handed to the
// pipeline builder: share bounds, resource names,
// priority distinctness among siblings under a priority parent, and name
// uniqueness.
func (c *PipelineConfig) Validate() error {
	var errs ValidationErrors

	seenWorkers := map[int]bool{}
	seenCores := map[int]bool{}
	for i, w := range c.Workers {
		if seenWorkers[w.ID] {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("workers[%d].id", i), Message: "duplicate worker id"})
		}
		seenWorkers[w.ID] = true
		if seenCores[w.Core] {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("workers[%d].core", i), Message: "duplicate core assignment"})
		}
		seenCores[w.Core] = true
	}

	seenTCs := map[string]bool{}
	priorityBySibling := map[string]map[int32]bool{}
	policyOf := map[string]string{}
	for _, tc := range c.TrafficClasses {
		policyOf[tc.Name] = tc.Policy
	}
	for i, tc := range c.TrafficClasses {
		field := fmt.Sprintf("traffic_classes[%d]", i)
		if tc.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "name is required"})
		} else if seenTCs[tc.Name] {
			errs = append(errs, ValidationError{Field: field + ".name", Value: tc.Name, Message: "duplicate traffic class name"})
		}
		seenTCs[tc.Name] = true

		if !contains(policyNames, tc.Policy) {
			errs = append(errs, ValidationError{Field: field + ".policy", Value: tc.Policy, Message: "must be one of " + strings.Join(policyNames, ", ")})
		}
		if tc.Policy == "weighted_fair" && (tc.Share < 1 || tc.Share > 1024) {
			errs = append(errs, ValidationError{Field: field + ".share", Value: tc.Share, Message: "share must be in [1, 1024]"})
		}
		if (tc.Policy == "weighted_fair" || tc.Policy == "rate_limit") && tc.ShareResource != "" && !contains(resourceNames, tc.ShareResource) {
			errs = append(errs, ValidationError{Field: field + ".share_resource", Value: tc.ShareResource, Message: "must be one of " + strings.Join(resourceNames, ", ")})
		}
		if tc.Policy == "leaf" && tc.Module == "" {
			errs = append(errs, ValidationError{Field: field + ".module", Message: "leaf traffic class requires a module"})
		}
		if tc.Parent != "" && policyOf[tc.Parent] == "priority" {
			if _, ok := priorityBySibling[tc.Parent]; !ok {
				priorityBySibling[tc.Parent] = map[int32]bool{}
			}
			if tc.Priority >= 0 {
				if priorityBySibling[tc.Parent][tc.Priority] {
					errs = append(errs, ValidationError{Field: field + ".priority", Value: tc.Priority, Message: "priority already used by a sibling under this parent"})
				}
				priorityBySibling[tc.Parent][tc.Priority] = true
			}
		}
	}

	seenModules := map[string]bool{}
	for i, m := range c.Modules {
		field := fmt.Sprintf("modules[%d]", i)
		if m.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "name is required"})
		} else if seenModules[m.Name] {
			errs = append(errs, ValidationError{Field: field + ".name", Value: m.Name, Message: "duplicate module name"})
		}
		seenModules[m.Name] = true
		if m.Class == "" {
			errs = append(errs, ValidationError{Field: field + ".class", Message: "class is required"})
		}
	}

	for i, conn := range c.Connections {
		field := fmt.Sprintf("connections[%d]", i)
		if conn.Src == "" || conn.Dst == "" {
			errs = append(errs, ValidationError{Field: field, Message: "src and dst are required"})
		}
		if !seenModules[conn.Src] && conn.Src != "" {
			errs = append(errs, ValidationError{Field: field + ".src", Value: conn.Src, Message: "names an undeclared module"})
		}
		if !seenModules[conn.Dst] && conn.Dst != "" {
			errs = append(errs, ValidationError{Field: field + ".dst", Value: conn.Dst, Message: "names an undeclared module"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
