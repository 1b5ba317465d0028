package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"

	"hfsuite/internal/repoapi"
)

// ResolvedModel is a ModelReference paired with a candidate RepoID and a
// confidence score in [0, 1].
type ResolvedModel struct {
	ModelReference
	RepoID     string
	Confidence float64
	Source     string // "known_mapping" or "search"
}

// knownMapping maps a filename substring (or exact name) straight to a
// repo id, bypassing search entirely.
type knownMapping struct {
	match  string
	repoID string
}

// defaultKnownMappings seeds the table with well-known checkpoint/vae
// filenames the community has settled on one canonical repo for.
var defaultKnownMappings = []knownMapping{
	{"v1-5-pruned-emaonly.safetensors", "runwayml/stable-diffusion-v1-5"},
	{"sd_xl_base_1.0.safetensors", "stabilityai/stable-diffusion-xl-base-1.0"},
	{"sd_xl_refiner_1.0.safetensors", "stabilityai/stable-diffusion-xl-refiner-1.0"},
	{"vae-ft-mse-840000-ema-pruned.safetensors", "stabilityai/sd-vae-ft-mse-original"},
	{"sdxl_vae.safetensors", "stabilityai/sdxl-vae"},
	{"clip_l.safetensors", "comfyanonymous/flux_text_encoders"},
	{"t5xxl_fp16.safetensors", "comfyanonymous/flux_text_encoders"},
	{"t5xxl_fp8_e4m3fn.safetensors", "comfyanonymous/flux_text_encoders"},
	{"flux1-dev.safetensors", "black-forest-labs/FLUX.1-dev"},
	{"flux1-schnell.safetensors", "black-forest-labs/FLUX.1-schnell"},
}

// Resolver maps ModelReferences to candidate repositories. Known mappings
// are checked first (Source "known_mapping", Confidence 1.0); a search
// provider is consulted only as a fallback.
type Resolver struct {
	mu       sync.RWMutex
	mappings []knownMapping
	search   repoapi.Searcher
}

// NewResolver builds a Resolver backed by the default known-mapping table
// and, when non-nil, a search provider for the fallback path.
func NewResolver(search repoapi.Searcher) *Resolver {
	mappings := make([]knownMapping, len(defaultKnownMappings))
	copy(mappings, defaultKnownMappings)
	return &Resolver{mappings: mappings, search: search}
}

// AddKnownMapping registers an additional filename-to-repo mapping.
// Prepended so a caller's mapping wins over the seed table on overlap.
func (r *Resolver) AddKnownMapping(match, repoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = append([]knownMapping{{match: match, repoID: repoID}}, r.mappings...)
}

// Resolve finds the best candidate repository for one model reference.
// ok is false when no known mapping matched and no search provider was
// configured (or the search returned nothing usable).
func (r *Resolver) Resolve(ctx context.Context, ref ModelReference) (ResolvedModel, bool) {
	if rm, ok := r.resolveFromKnownMappings(ref); ok {
		return rm, true
	}
	return r.resolveFromSearch(ctx, ref)
}

func (r *Resolver) resolveFromKnownMappings(ref ModelReference) (ResolvedModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.ToLower(ref.Name)
	for _, m := range r.mappings {
		if strings.ToLower(m.match) == name || strings.Contains(name, strings.ToLower(m.match)) {
			return ResolvedModel{ModelReference: ref, RepoID: m.repoID, Confidence: 1.0, Source: "known_mapping"}, true
		}
	}
	return ResolvedModel{}, false
}

func (r *Resolver) resolveFromSearch(ctx context.Context, ref ModelReference) (ResolvedModel, bool) {
	if r.search == nil {
		return ResolvedModel{}, false
	}

	results, err := r.search.Search(ctx, searchQuery(ref), 5)
	if err != nil || len(results) == 0 {
		return ResolvedModel{}, false
	}

	type scored struct {
		repo       repoapi.RepoMetadata
		confidence float64
	}
	candidates := make([]scored, 0, len(results))
	for _, repo := range results {
		candidates = append(candidates, scored{repo: repo, confidence: calculateConfidence(ref.Name, repo.RepoID)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].confidence > candidates[j].confidence })

	best := candidates[0]
	if best.confidence <= 0.3 {
		return ResolvedModel{}, false
	}
	return ResolvedModel{ModelReference: ref, RepoID: best.repo.RepoID, Confidence: best.confidence, Source: "search"}, true
}

// searchQuery strips a known extension off the model name before handing
// it to a repository search.
func searchQuery(ref ModelReference) string {
	name := ref.Name
	for _, ext := range extensionFallbacks {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	return name
}

// calculateConfidence scores a candidate in three tiers: an exact
// substring match between the model's base name and the repo id scores
// 0.9; otherwise, confidence scales with the fraction of the model name's
// "_"/"-"/"." separated parts that also appear in the repo id, capped at
// 0.8; no overlap at all scores 0.2.
func calculateConfidence(modelName, repoID string) float64 {
	name := strings.ToLower(searchQuery(ModelReference{Name: modelName}))
	repo := strings.ToLower(repoID)

	if strings.Contains(repo, name) || strings.Contains(name, lastSegment(repo)) {
		return 0.9
	}

	parts := splitNameParts(name)
	if len(parts) == 0 {
		return 0.2
	}

	common := 0
	for _, p := range parts {
		if len(p) > 2 && strings.Contains(repo, p) {
			common++
		}
	}
	if common == 0 {
		return 0.2
	}

	confidence := 0.3 + (float64(common)/float64(len(parts)))*0.5
	if confidence > 0.8 {
		confidence = 0.8
	}
	return confidence
}

func splitNameParts(name string) []string {
	return strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
}

func lastSegment(repoID string) string {
	idx := strings.LastIndex(repoID, "/")
	if idx < 0 {
		return repoID
	}
	return repoID[idx+1:]
}

// ResolveAll resolves every model in models, in order. Models that cannot
// be resolved are simply omitted from the result; the caller inspects
// length mismatches itself if it cares which ones failed.
func (r *Resolver) ResolveAll(ctx context.Context, models []ModelReference) []ResolvedModel {
	out := make([]ResolvedModel, 0, len(models))
	for _, m := range models {
		if rm, ok := r.Resolve(ctx, m); ok {
			out = append(out, rm)
		}
	}
	return out
}
