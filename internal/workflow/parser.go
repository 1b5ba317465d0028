// Package workflow extracts model references from ComfyUI-style workflow
// documents and maps them to downloadable repository identifiers. Only
// .json documents are supported; workflows embedded in PNG metadata are
// out of scope.
package workflow

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ModelReference is one model mentioned by a workflow node.
type ModelReference struct {
	Name      string `json:"name"`
	ModelType string `json:"model_type"`
	NodeType  string `json:"node_type"`
	NodeID    string `json:"node_id"`
	RepoID    string `json:"repo_id,omitempty"`
	Required  bool   `json:"required"`
}

// WorkflowInfo is the result of parsing one document.
type WorkflowInfo struct {
	SourceFile    string            `json:"source_file,omitempty"`
	FormatVersion string            `json:"format_version"`
	NodeCount     int               `json:"node_count"`
	Models        []ModelReference  `json:"models"`
	MissingModels []ModelReference  `json:"missing_models,omitempty"`
	Errors        []string          `json:"errors,omitempty"`
}

// nodeConfig describes how to pull a model reference out of one node
// class_type.
type nodeConfig struct {
	inputs    []string
	modelType string
	pattern   *regexp.Regexp // non-nil for the CLIPTextEncode embedding case
}

var embeddingPattern = regexp.MustCompile(`embedding:([^\s,]+)`)

// modelNodeTypes maps the loader node classes ComfyUI ships to the input
// fields that carry a model filename.
var modelNodeTypes = map[string]nodeConfig{
	"CheckpointLoaderSimple": {inputs: []string{"ckpt_name"}, modelType: "checkpoint"},
	"CheckpointLoader":       {inputs: []string{"ckpt_name"}, modelType: "checkpoint"},
	"UNETLoader":             {inputs: []string{"unet_name"}, modelType: "checkpoint"},
	"DualCLIPLoader":         {inputs: []string{"clip_name1", "clip_name2"}, modelType: "clip"},

	"LoraLoader":          {inputs: []string{"lora_name"}, modelType: "lora"},
	"LoraLoaderModelOnly": {inputs: []string{"lora_name"}, modelType: "lora"},

	"VAELoader": {inputs: []string{"vae_name"}, modelType: "vae"},

	"ControlNetLoader":     {inputs: []string{"control_net_name"}, modelType: "controlnet"},
	"DiffControlNetLoader": {inputs: []string{"control_net_name"}, modelType: "controlnet"},

	"UpscaleModelLoader": {inputs: []string{"model_name"}, modelType: "upscaler"},

	"CLIPLoader":       {inputs: []string{"clip_name"}, modelType: "clip"},
	"CLIPVisionLoader":  {inputs: []string{"clip_name"}, modelType: "clip"},
	"CLIPTextEncode":    {inputs: []string{"text"}, modelType: "embedding", pattern: embeddingPattern},

	"StyleModelLoader": {inputs: []string{"style_model_name"}, modelType: "style"},
	"GLIGENLoader":     {inputs: []string{"gligen_name"}, modelType: "gligen"},

	"IPAdapterModelLoader": {inputs: []string{"ipadapter_file"}, modelType: "ipadapter"},
	"Efficient Loader":     {inputs: []string{"ckpt_name"}, modelType: "checkpoint"},
}

// modelTypeFolder maps a model_type to its ComfyUI models/ subfolder name.
var modelTypeFolder = map[string]string{
	"checkpoint": "checkpoints",
	"lora":       "loras",
	"vae":        "vae",
	"controlnet": "controlnet",
	"upscaler":   "upscale_models",
	"clip":       "clip",
	"embedding":  "embeddings",
	"style":      "style_models",
	"gligen":     "gligen",
}

var extensionFallbacks = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin"}

// rawNode is the shape a single node takes in either supported document
// format once normalized.
type rawNode struct {
	ClassType string                     `json:"class_type"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
}

// ParseFile reads a .json workflow document from path and parses it.
func ParseFile(path string) (WorkflowInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowInfo{Errors: []string{"file not found: " + path}}, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return WorkflowInfo{Errors: []string{"invalid JSON: " + err.Error()}}, err
	}

	return ParseWorkflow(doc, path), nil
}

// ParseWorkflow detects the document's shape (a "nodes" array, or an API
// document keyed by numeric node id) and extracts model references.
func ParseWorkflow(doc map[string]json.RawMessage, source string) WorkflowInfo {
	info := WorkflowInfo{SourceFile: source}

	nodes, format := normalizeNodes(doc)
	info.FormatVersion = format
	info.NodeCount = len(nodes)

	var refs []ModelReference
	for nodeID, node := range nodes {
		refs = append(refs, extractModelsFromNode(nodeID, node)...)
	}
	info.Models = dedupeRefs(refs)
	return info
}

// normalizeNodes converts either the "nodes" array format (editor export)
// or the API format (numbered keys) into a uniform id -> rawNode map.
func normalizeNodes(doc map[string]json.RawMessage) (map[string]rawNode, string) {
	if rawArr, ok := doc["nodes"]; ok {
		var arr []struct {
			ID            json.Number                `json:"id"`
			Type          string                     `json:"type"`
			WidgetsValues []json.RawMessage          `json:"widgets_values"`
			Inputs        []map[string]json.RawMessage `json:"inputs"`
		}
		nodes := map[string]rawNode{}
		if err := json.Unmarshal(rawArr, &arr); err == nil {
			for i, n := range arr {
				id := n.ID.String()
				if id == "" {
					id = strconv.Itoa(i)
				}
				nodes[id] = rawNode{ClassType: n.Type, Inputs: widgetValuesAsInputs(n.WidgetsValues)}
			}
		}
		return nodes, "nodes_array"
	}

	// API format: keys are digit strings (plus a handful of metadata keys
	// to ignore), each value an object with class_type/inputs.
	isAPI := true
	for k := range doc {
		if k == "last_node_id" || k == "last_link_id" || k == "version" {
			continue
		}
		if !isAllDigits(k) {
			isAPI = false
			break
		}
	}

	nodes := map[string]rawNode{}
	for k, v := range doc {
		if k == "last_node_id" || k == "last_link_id" || k == "version" {
			continue
		}
		var n rawNode
		if err := json.Unmarshal(v, &n); err == nil {
			nodes[k] = n
		}
	}
	if isAPI {
		return nodes, "api"
	}
	return nodes, "unknown"
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// widgetValuesAsInputs exposes an exported node's widgets_values
// positionally (widget_0, widget_1, ...); the ordering metadata that would
// name them is frequently absent from editor exports, so
// extractModelsFromNode consumes them by input position instead.
func widgetValuesAsInputs(values []json.RawMessage) map[string]json.RawMessage {
	inputs := make(map[string]json.RawMessage, len(values))
	for i, v := range values {
		inputs["widget_"+strconv.Itoa(i)] = v
	}
	return inputs
}

func extractModelsFromNode(nodeID string, node rawNode) []ModelReference {
	cfg, ok := modelNodeTypes[node.ClassType]
	if !ok {
		return nil
	}

	var out []ModelReference
	for i, key := range cfg.inputs {
		raw, ok := node.Inputs[key]
		if !ok {
			// nodes_array documents expose widgets_values positionally; the
			// i-th configured input name lines up with the i-th widget.
			raw, ok = node.Inputs["widget_"+strconv.Itoa(i)]
		}
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil || value == "" {
			continue
		}

		if cfg.pattern != nil {
			for _, m := range cfg.pattern.FindAllStringSubmatch(value, -1) {
				out = append(out, ModelReference{
					Name: m[1], ModelType: cfg.modelType, NodeType: node.ClassType, NodeID: nodeID, Required: true,
				})
			}
			continue
		}

		out = append(out, ModelReference{
			Name: value, ModelType: cfg.modelType, NodeType: node.ClassType, NodeID: nodeID, Required: true,
		})
	}
	return out
}

// dedupeRefs removes duplicates by (name, model_type), preserving
// first-seen order.
func dedupeRefs(refs []ModelReference) []ModelReference {
	seen := make(map[string]bool, len(refs))
	out := make([]ModelReference, 0, len(refs))
	for _, r := range refs {
		key := r.Name + "\x00" + r.ModelType
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// FindMissingModels checks comfyRoot/models/<folder> for a file matching
// each reference's name, trying the common model extensions as fallbacks,
// and returns the subset not found locally.
func FindMissingModels(models []ModelReference, comfyRoot string) []ModelReference {
	var missing []ModelReference
	if comfyRoot == "" {
		return missing
	}

	for _, m := range models {
		folder, ok := modelTypeFolder[m.ModelType]
		if !ok {
			continue
		}
		dir := comfyRoot + "/models/" + folder
		if fileExists(dir + "/" + m.Name) {
			continue
		}

		found := false
		for _, ext := range extensionFallbacks {
			if fileExists(dir + "/" + m.Name + ext) {
				found = true
				break
			}
			if strings.HasSuffix(strings.ToLower(m.Name), ext) && fileExists(dir+"/"+m.Name) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, m)
		}
	}
	return missing
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
