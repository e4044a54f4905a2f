package infra

import (
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"audit-ledger-service/internal/domain"
)

// actionMapFile はアクション対応表ファイルの形式。
//
//	actions:
//	  formula.created: CREATE_FORMULA
//	  sample.tested: TEST_SAMPLE
type actionMapFile struct {
	ReplaceDefaults bool              `yaml:"replace_defaults"`
	Actions         map[string]string `yaml:"actions"`
}

// LoadActionCatalog はアクション対応表を読み込む。
// pathが空の場合は組み込みの対応表を使い、ファイルの対応は組み込みの対応表に追加・上書きする。
func LoadActionCatalog(path string) (*domain.ActionCatalog, error) {
	mapping := domain.DefaultActionMapping()
	if path == "" {
		return domain.NewActionCatalog(mapping)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading action map: %w", err)
	}
	var file actionMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing action map %s: %w", path, err)
	}

	if file.ReplaceDefaults {
		mapping = make(map[string]string, len(file.Actions))
	}
	maps.Copy(mapping, file.Actions)
	return domain.NewActionCatalog(mapping)
}
