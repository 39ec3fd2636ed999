package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ---- Runtime view ----
//
// The on-disk file wraps every leaf in {"Value": ...}; the view strips the
// wrapper and flattens the Performance section to the top level so the
// detector never touches the wire shape.

// Mitigation holds the two counter limits of the flag/deflag state machine.
// A nil Mitigation on the view disables mitigation dispatch entirely.
type Mitigation struct {
	FlagsBeforeActivation     int
	DeflagsBeforeDeactivation int
}

// EventNames maps the logical topics to the strings emitted on the bus.
type EventNames struct {
	ConfigurationReloaded string
	SampleEvent           string
	StartMitigation       string
	StopMitigation        string
}

// View is the flat configuration handed to the detector and its collaborators.
type View struct {
	Mitigation             *Mitigation
	Thresholds             map[string]float64
	MaxSamples             int
	SamplesBeforeInclusion int
	SamplesBeforeExclusion int
	NormalizeSamples       bool
	EventNames             EventNames
}

// ---- Wire schema ----

type intValue struct {
	Value int `json:"Value"`
}

type floatValue struct {
	Value float64 `json:"Value"`
}

type boolValue struct {
	Value bool `json:"Value"`
}

type stringValue struct {
	Value string `json:"Value"`
}

type fileSchema struct {
	EnableMitigation        bool `json:"EnableMitigation"`
	MitigationConfiguration struct {
		FlagsBeforeActivation     intValue `json:"FlagsBeforeActivation"`
		DeflagsBeforeDeactivation intValue `json:"DeflagsBeforeDeactivation"`
	} `json:"MitigationConfiguration"`
	Thresholds  map[string]floatValue `json:"Thresholds"`
	Performance struct {
		MaxSamples             intValue  `json:"MaxSamples"`
		SamplesBeforeInclusion intValue  `json:"SamplesBeforeInclusion"`
		SamplesBeforeExclusion intValue  `json:"SamplesBeforeExclusion"`
		NormalizeSamples       boolValue `json:"NormalizeSamples"`
	} `json:"Performance"`
	EventNames map[string]stringValue `json:"EventNames"`
}

// sniffLen matches http.DetectContentType's probe window.
const sniffLen = 512

// probeContentType rejects files whose sniffed type is neither JSON nor
// plain text before we hand them to the parser.
func probeContentType(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return fmt.Errorf("read config: %w", err)
	}

	ct := http.DetectContentType(head[:n])
	if mime, _, found := strings.Cut(ct, ";"); found {
		ct = mime
	}
	switch ct {
	case "application/json", "text/plain":
		return nil
	}
	return fmt.Errorf("config %s has content type %q, want application/json or text/plain", path, ct)
}

// Load reads, probes, parses, and extracts the configuration view at path.
func Load(path string) (*View, error) {
	if err := probeContentType(path); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("parse config %s at byte offset %d: %w", path, syntaxErr.Offset, err)
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := checkRequired(k, path); err != nil {
		return nil, err
	}

	var fs fileSchema
	if err := k.UnmarshalWithConf("", &fs, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return extract(&fs)
}

// requiredKeys are the paths whose absence is a fatal configuration error.
var requiredKeys = []string{
	"EnableMitigation",
	"Thresholds",
	"Performance.MaxSamples",
	"Performance.SamplesBeforeInclusion",
	"Performance.SamplesBeforeExclusion",
	"Performance.NormalizeSamples",
	"EventNames.ConfigurationReloaded",
	"EventNames.SampleEvent",
	"EventNames.StartMitigation",
	"EventNames.StopMitigation",
}

func checkRequired(k *koanf.Koanf, path string) error {
	for _, key := range requiredKeys {
		if !k.Exists(key) {
			return fmt.Errorf("config %s: missing required key %s", path, key)
		}
	}
	if k.Bool("EnableMitigation") {
		for _, key := range []string{
			"MitigationConfiguration.FlagsBeforeActivation",
			"MitigationConfiguration.DeflagsBeforeDeactivation",
		} {
			if !k.Exists(key) {
				return fmt.Errorf("config %s: missing required key %s", path, key)
			}
		}
	}
	return nil
}

func extract(fs *fileSchema) (*View, error) {
	v := &View{
		Thresholds:             make(map[string]float64, len(fs.Thresholds)),
		MaxSamples:             fs.Performance.MaxSamples.Value,
		SamplesBeforeInclusion: fs.Performance.SamplesBeforeInclusion.Value,
		SamplesBeforeExclusion: fs.Performance.SamplesBeforeExclusion.Value,
		NormalizeSamples:       fs.Performance.NormalizeSamples.Value,
	}

	if fs.EnableMitigation {
		v.Mitigation = &Mitigation{
			FlagsBeforeActivation:     fs.MitigationConfiguration.FlagsBeforeActivation.Value,
			DeflagsBeforeDeactivation: fs.MitigationConfiguration.DeflagsBeforeDeactivation.Value,
		}
		if v.Mitigation.FlagsBeforeActivation <= 0 || v.Mitigation.DeflagsBeforeDeactivation <= 0 {
			return nil, fmt.Errorf("mitigation counters must be positive, got flags=%d deflags=%d",
				v.Mitigation.FlagsBeforeActivation, v.Mitigation.DeflagsBeforeDeactivation)
		}
	}

	for name, t := range fs.Thresholds {
		v.Thresholds[name] = t.Value
	}

	if v.MaxSamples <= 0 {
		return nil, fmt.Errorf("Performance.MaxSamples must be positive, got %d", v.MaxSamples)
	}

	names := fs.EventNames
	v.EventNames = EventNames{
		ConfigurationReloaded: names["ConfigurationReloaded"].Value,
		SampleEvent:           names["SampleEvent"].Value,
		StartMitigation:       names["StartMitigation"].Value,
		StopMitigation:        names["StopMitigation"].Value,
	}
	if v.EventNames.ConfigurationReloaded == "" || v.EventNames.SampleEvent == "" ||
		v.EventNames.StartMitigation == "" || v.EventNames.StopMitigation == "" {
		return nil, fmt.Errorf("EventNames must define non-empty ConfigurationReloaded, SampleEvent, StartMitigation, StopMitigation")
	}
	return v, nil
}
