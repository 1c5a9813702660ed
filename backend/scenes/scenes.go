package scenes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/andi/reelflow/backend/models"
)

// SceneOutput is the per-scene entry of the image and video step results
type SceneOutput struct {
	SceneID string `json:"scene_id"`
	Image   string `json:"image_path,omitempty"`
	Video   string `json:"video_path,omitempty"`
	Error   string `json:"error,omitempty"`
}

// VariantStore persists manual-mode image candidates
type VariantStore interface {
	// ReplaceVariants drops the scene's previous variants and stores the new ones
	ReplaceVariants(ctx context.Context, projectID, sceneID string, variants []*models.SceneVariant) error
	ListVariants(ctx context.Context, projectID string) ([]*models.SceneVariant, error)
}

// LoadScenes returns the scene list produced by the upstream step, falling back to the
// scenes listed in the project config. The upstream result may be a JSON array of scenes
// or an object with a "scenes" array.
func LoadScenes(snap *models.ProjectSnapshot, upstreamID int) ([]models.Scene, error) {
	if raw := snap.Result(upstreamID); len(strings.TrimSpace(string(raw))) > 0 {
		scenes, err := parseScenes(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse scene list from step %d: %w", upstreamID, err)
		}
		if len(scenes) > 0 {
			return scenes, nil
		}
	}
	if len(snap.Config.Scenes) > 0 {
		return snap.Config.Scenes, nil
	}
	return nil, errors.New("project has no scenes")
}

func parseScenes(raw []byte) ([]models.Scene, error) {
	var list []models.Scene
	if err := json.Unmarshal(raw, &list); err == nil {
		return validScenes(list)
	}

	var wrapped struct {
		Scenes []models.Scene `json:"scenes"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return validScenes(wrapped.Scenes)
}

func validScenes(list []models.Scene) ([]models.Scene, error) {
	seen := make(map[string]bool, len(list))
	for i := range list {
		if list[i].ID == "" {
			list[i].ID = fmt.Sprintf("scene-%d", i+1)
		}
		if seen[list[i].ID] {
			return nil, fmt.Errorf("duplicate scene id %q", list[i].ID)
		}
		seen[list[i].ID] = true
	}
	return list, nil
}

// ChosenImages maps scene ids to the image picked for video rendering: the selected
// variant, else the scene's first variant.
func ChosenImages(variants []*models.SceneVariant) map[string]string {
	chosen := make(map[string]string)
	first := make(map[string]*models.SceneVariant)
	for _, v := range variants {
		if v.Selected {
			chosen[v.SceneID] = v.ImagePath
		}
		if cur, ok := first[v.SceneID]; !ok || v.Variant < cur.Variant {
			first[v.SceneID] = v
		}
	}
	for sceneID, v := range first {
		if _, ok := chosen[sceneID]; !ok {
			chosen[sceneID] = v.ImagePath
		}
	}
	return chosen
}

func imagesFromResult(raw []byte) (map[string]string, error) {
	var outputs []SceneOutput
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, err
	}
	images := make(map[string]string, len(outputs))
	for _, o := range outputs {
		if _, ok := images[o.SceneID]; !ok && o.Image != "" {
			images[o.SceneID] = o.Image
		}
	}
	return images, nil
}
