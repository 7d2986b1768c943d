// Package fallback orders candidate models for a request and drives the
// retry policy across them.
package fallback

import "strings"

type ModelCandidate struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"name"`
	Provider           string `json:"provider"`
	SupportsImageInput bool   `json:"supportsVision"`
}

const DefaultChatModel = "google/gemini-2.0-flash-exp:free"

// DefaultModels is the model picker offered to clients.
func DefaultModels() []ModelCandidate {
	return []ModelCandidate{
		{ID: "google/gemini-2.0-flash-exp:free", DisplayName: "Gemini Flash (Free)", Provider: "Google", SupportsImageInput: true},
		{ID: "meta-llama/llama-3.2-3b-instruct:free", DisplayName: "Llama 3.2 3B (Free)", Provider: "Meta", SupportsImageInput: false},
		{ID: "openai/gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Provider: "OpenAI", SupportsImageInput: false},
		{ID: "openai/gpt-4-turbo", DisplayName: "GPT-4 Turbo", Provider: "OpenAI", SupportsImageInput: true},
		{ID: "anthropic/claude-3.5-sonnet", DisplayName: "Claude 3.5 Sonnet", Provider: "Anthropic", SupportsImageInput: true},
		{ID: "google/gemini-pro-1.5", DisplayName: "Gemini Pro 1.5", Provider: "Google", SupportsImageInput: true},
	}
}

func DefaultGeneralChain() []string {
	return []string{
		"google/gemini-2.0-flash-exp:free",
		"meta-llama/llama-3.2-3b-instruct:free",
		"nousresearch/hermes-3-llama-3.1-405b:free",
	}
}

func DefaultVisionChain() []string {
	return []string{
		"google/gemini-2.0-flash-exp:free",
		"meta-llama/llama-3.2-90b-vision-instruct:free",
		"openai/gpt-4-turbo",
		"anthropic/claude-3.5-sonnet",
	}
}

type CatalogConfig struct {
	Models          []ModelCandidate
	DefaultModel    string
	GenerationModel string
	GeneralChain    []string
	VisionChain     []string
}

// Catalog is immutable once built; accessors return copies.
type Catalog struct {
	models          []ModelCandidate
	index           map[string]int
	defaultModel    string
	generationModel string
	general         []string
	vision          []string
}

func NewCatalog(cfg CatalogConfig) *Catalog {
	c := &Catalog{
		index:           make(map[string]int),
		defaultModel:    strings.TrimSpace(cfg.DefaultModel),
		generationModel: strings.TrimSpace(cfg.GenerationModel),
		general:         cleanChain(cfg.GeneralChain),
		vision:          cleanChain(cfg.VisionChain),
	}
	if c.generationModel == "" {
		c.generationModel = c.defaultModel
	}

	for _, model := range cfg.Models {
		model.ID = strings.TrimSpace(model.ID)
		if model.ID == "" {
			continue
		}
		if _, exists := c.index[model.ID]; exists {
			continue
		}
		if strings.TrimSpace(model.DisplayName) == "" {
			model.DisplayName = model.ID
		}
		c.index[model.ID] = len(c.models)
		c.models = append(c.models, model)
	}

	visionIDs := make(map[string]struct{}, len(c.vision))
	for _, id := range c.vision {
		visionIDs[id] = struct{}{}
	}
	register := func(id string) {
		if id == "" {
			return
		}
		if _, exists := c.index[id]; exists {
			return
		}
		_, vision := visionIDs[id]
		c.index[id] = len(c.models)
		c.models = append(c.models, ModelCandidate{
			ID:                 id,
			DisplayName:        id,
			Provider:           providerFromID(id),
			SupportsImageInput: vision,
		})
	}
	register(c.defaultModel)
	register(c.generationModel)
	for _, id := range c.general {
		register(id)
	}
	for _, id := range c.vision {
		register(id)
	}

	return c
}

func (c *Catalog) Models() []ModelCandidate {
	out := make([]ModelCandidate, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) Lookup(id string) (ModelCandidate, bool) {
	i, ok := c.index[strings.TrimSpace(id)]
	if !ok {
		return ModelCandidate{}, false
	}
	return c.models[i], true
}

func (c *Catalog) DefaultModel() string {
	return c.defaultModel
}

func (c *Catalog) GenerationModel() string {
	return c.generationModel
}

// Candidates returns the ordered, deduplicated model ids to try for a chat
// turn. The requested model leads when the catalog knows it and it can take
// an image if one is attached; otherwise the default model leads under the
// same condition. The general or vision chain follows.
func (c *Catalog) Candidates(requested string, requiresImage bool) []string {
	chain := c.general
	if requiresImage {
		chain = c.vision
	}

	lead := ""
	if c.accepts(requested, requiresImage) {
		lead = strings.TrimSpace(requested)
	} else if c.accepts(c.defaultModel, requiresImage) {
		lead = c.defaultModel
	}
	return dedupe(lead, chain)
}

// GenerationCandidates orders models for one-shot generation calls (titles,
// flashcards, quizzes), which never carry images.
func (c *Catalog) GenerationCandidates(requested string) []string {
	lead := ""
	if c.accepts(requested, false) {
		lead = strings.TrimSpace(requested)
	} else if c.accepts(c.generationModel, false) {
		lead = c.generationModel
	}
	return dedupe(lead, c.general)
}

func (c *Catalog) accepts(id string, requiresImage bool) bool {
	model, ok := c.Lookup(id)
	if !ok {
		return false
	}
	return !requiresImage || model.SupportsImageInput
}

func dedupe(lead string, chain []string) []string {
	out := make([]string, 0, len(chain)+1)
	seen := make(map[string]struct{}, len(chain)+1)
	if lead != "" {
		out = append(out, lead)
		seen[lead] = struct{}{}
	}
	for _, id := range chain {
		if _, exists := seen[id]; exists {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func cleanChain(raw []string) []string {
	return dedupe("", trimAll(raw))
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func providerFromID(id string) string {
	if prefix, _, ok := strings.Cut(id, "/"); ok {
		return prefix
	}
	return "unknown"
}
