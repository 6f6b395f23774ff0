package prompt

import (
	"os"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"gopkg.in/yaml.v3"
)

// Preset defines the system prompt and output budget for one content
// type. Requests pick a preset by content type; an empty content type
// falls back to "chat".
type Preset struct {
	Name      string `yaml:"name"`
	System    string `yaml:"system"`
	MaxTokens int    `yaml:"max_tokens"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

const DefaultContentType = "chat"

// Library holds the built-in presets plus any loaded from a YAML file.
// A loaded preset with a built-in name replaces the built-in.
type Library struct {
	presets map[string]Preset
}

var builtins = []Preset{
	{
		Name: "chat",
		System: "You are a helpful assistant. Answer conversationally and keep " +
			"responses focused on what the user asked.",
		MaxTokens: 1024,
	},
	{
		Name: "article",
		System: "You are a writing assistant that produces well-structured " +
			"long-form articles. Use headings and coherent paragraphs, and " +
			"stay on the requested topic.",
		MaxTokens: 2048,
	},
	{
		Name: "summary",
		System: "You are a summarization assistant. Condense the given " +
			"material into its key points without adding new information.",
		MaxTokens: 512,
	},
}

// New loads the preset library. An empty path means built-ins only.
func New(path string) (*Library, error) {
	lib := &Library{presets: make(map[string]Preset, len(builtins))}
	for _, preset := range builtins {
		lib.presets[preset.Name] = preset
	}

	if path == "" {
		return lib, nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, goerr.Wrap(err, "preset file is not accessible", goerr.Value("path", path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read preset file", goerr.Value("path", path))
	}

	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, goerr.Wrap(err, "failed to parse preset file", goerr.Value("path", path))
	}

	for _, preset := range file.Presets {
		if preset.Name == "" {
			return nil, goerr.New("preset name is required", goerr.Value("path", path))
		}
		if preset.MaxTokens < 0 {
			return nil, goerr.New("preset max_tokens must not be negative",
				goerr.Value("preset", preset.Name))
		}
		lib.presets[preset.Name] = preset
	}

	return lib, nil
}

// Get resolves a content type to its preset.
func (l *Library) Get(contentType string) (*Preset, error) {
	if contentType == "" {
		contentType = DefaultContentType
	}

	preset, ok := l.presets[contentType]
	if !ok {
		return nil, goerr.Wrap(model.ErrInvalidInput, "unknown content type",
			goerr.Value("content_type", contentType))
	}

	return &preset, nil
}

// Names lists the available content types in sorted order.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.presets))
	for name := range l.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
