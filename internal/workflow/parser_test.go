package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeWorkflow(t *testing.T, doc map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.json")
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestParseFile_APIFormat(t *testing.T) {
	doc := map[string]any{
		"3": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": "v1-5-pruned-emaonly.safetensors"},
		},
		"4": map[string]any{
			"class_type": "LoraLoader",
			"inputs":     map[string]any{"lora_name": "add_detail.safetensors"},
		},
	}
	path := writeWorkflow(t, doc)

	info, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, "api", info.FormatVersion)
	require.Equal(t, 2, info.NodeCount)
	require.Len(t, info.Models, 2)
}

func TestParseFile_NodesArrayFormat(t *testing.T) {
	doc := map[string]any{
		"nodes": []any{
			map[string]any{
				"id":             4,
				"type":           "CheckpointLoaderSimple",
				"widgets_values": []any{"sd_xl_base_1.0.safetensors"},
			},
			map[string]any{
				"id":             7,
				"type":           "KSampler",
				"widgets_values": []any{42, "fixed"},
			},
		},
	}
	path := writeWorkflow(t, doc)

	info, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, "nodes_array", info.FormatVersion)
	require.Len(t, info.Models, 1)
	require.Equal(t, "sd_xl_base_1.0.safetensors", info.Models[0].Name)
	require.Equal(t, "checkpoint", info.Models[0].ModelType)
}

func TestParseFile_MissingFile(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestParseWorkflow_DedupesRepeatedReferences(t *testing.T) {
	doc := map[string]json.RawMessage{
		"1": raw(t, map[string]any{"class_type": "VAELoader", "inputs": map[string]any{"vae_name": "sdxl_vae.safetensors"}}),
		"2": raw(t, map[string]any{"class_type": "VAELoader", "inputs": map[string]any{"vae_name": "sdxl_vae.safetensors"}}),
	}
	info := ParseWorkflow(doc, "test.json")
	require.Len(t, info.Models, 1)
	require.Equal(t, "vae", info.Models[0].ModelType)
}

func TestParseWorkflow_ExtractsEmbeddingsFromPromptText(t *testing.T) {
	doc := map[string]json.RawMessage{
		"5": raw(t, map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "best quality, embedding:bad-hands-5, embedding:easynegative"},
		}),
	}
	info := ParseWorkflow(doc, "test.json")
	require.Len(t, info.Models, 2)
	names := []string{info.Models[0].Name, info.Models[1].Name}
	require.Contains(t, names, "bad-hands-5")
	require.Contains(t, names, "easynegative")
}

func TestParseWorkflow_IgnoresUnknownNodeTypes(t *testing.T) {
	doc := map[string]json.RawMessage{
		"1": raw(t, map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 42}}),
	}
	info := ParseWorkflow(doc, "test.json")
	require.Empty(t, info.Models)
}

func TestFindMissingModels_FindsByExactNameAndFlagsMissing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "models", "checkpoints"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "models", "checkpoints", "present.safetensors"), []byte("x"), 0o644))

	refs := []ModelReference{
		{Name: "present.safetensors", ModelType: "checkpoint"},
		{Name: "absent.safetensors", ModelType: "checkpoint"},
	}

	missing := FindMissingModels(refs, root)
	require.Len(t, missing, 1)
	require.Equal(t, "absent.safetensors", missing[0].Name)
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
