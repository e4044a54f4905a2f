package domain

import (
	"fmt"
	"maps"
	"slices"
)

// ActionCatalog はアプリケーションのイベント名から監査アクション種別への対応表。
type ActionCatalog struct {
	events  map[string]string
	actions map[string]struct{}
}

// NewActionCatalog は対応表から新しいActionCatalogを生成する。
func NewActionCatalog(mapping map[string]string) (*ActionCatalog, error) {
	c := &ActionCatalog{
		events:  make(map[string]string, len(mapping)),
		actions: make(map[string]struct{}, len(mapping)),
	}
	for event, action := range mapping {
		if event == "" || action == "" {
			return nil, fmt.Errorf("%w: empty event or action in mapping", ErrUnmappedAction)
		}
		c.events[event] = action
		c.actions[action] = struct{}{}
	}
	return c, nil
}

// Resolve はイベント名をアクション種別に解決する。
// 既知のアクション種別がそのまま渡された場合はそれを返す。
func (c *ActionCatalog) Resolve(event string) (string, error) {
	if action, ok := c.events[event]; ok {
		return action, nil
	}
	if _, ok := c.actions[event]; ok {
		return event, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnmappedAction, event)
}

// Actions は登録済みのアクション種別を昇順で返す。
func (c *ActionCatalog) Actions() []string {
	return slices.Sorted(maps.Keys(c.actions))
}

// DefaultActionMapping は品質管理業務の標準イベント対応表を返す。
// 電子署名と証明書の操作はそれぞれのテーブルに記録されるため含めない。
func DefaultActionMapping() map[string]string {
	return map[string]string{
		"formula.created":      "CREATE_FORMULA",
		"formula.updated":      "UPDATE_FORMULA",
		"formula.approved":     "APPROVE_FORMULA",
		"formula.retired":      "RETIRE_FORMULA",
		"batch.created":        "CREATE_BATCH",
		"batch.updated":        "UPDATE_BATCH",
		"batch.released":       "RELEASE_BATCH",
		"batch.rejected":       "REJECT_BATCH",
		"deviation.opened":     "OPEN_DEVIATION",
		"deviation.updated":    "UPDATE_DEVIATION",
		"deviation.closed":     "CLOSE_DEVIATION",
		"capa.created":         "CREATE_CAPA",
		"capa.updated":         "UPDATE_CAPA",
		"capa.closed":          "CLOSE_CAPA",
		"equipment.created":    "CREATE_EQUIPMENT",
		"equipment.calibrated": "CALIBRATE_EQUIPMENT",
		"equipment.retired":    "RETIRE_EQUIPMENT",
		"training.assigned":    "ASSIGN_TRAINING",
		"training.completed":   "COMPLETE_TRAINING",
	}
}
