package app

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"reportkit/api/internal/store"
	"reportkit/api/internal/util"
)

//go:embed seed/*.yaml
var seedFS embed.FS

type seedTemplate struct {
	Name      string            `yaml:"name"`
	Blocks    []string          `yaml:"blocks"`
	Variables map[string]string `yaml:"variables"`
}

func loadSeedTemplates(fsys fs.FS) ([]seedTemplate, error) {
	paths, err := fs.Glob(fsys, "seed/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list seed templates: %w", err)
	}
	sort.Strings(paths)

	seeds := make([]seedTemplate, 0, len(paths))
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var seed seedTemplate
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		seed.Name = strings.TrimSpace(seed.Name)
		if seed.Name == "" {
			return nil, fmt.Errorf("parse %s: template name is required", path)
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// Bootstrap inserts version 1 of every seed template whose name is not
// stored yet. Existing templates are left alone.
func (s *Service) Bootstrap(ctx context.Context) error {
	seeds, err := loadSeedTemplates(seedFS)
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		_, err := s.store.GetLatestTemplate(ctx, seed.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup template %s: %w", seed.Name, err)
		}

		variables := seed.Variables
		if variables == nil {
			variables = map[string]string{}
		}
		tmpl := store.ReportTemplate{
			ID:        util.NewID("tpl"),
			Name:      seed.Name,
			Version:   1,
			Blocks:    trimAll(seed.Blocks),
			Variables: variables,
			CreatedAt: s.now(),
		}
		if err := s.store.InsertTemplate(ctx, tmpl); err != nil && !errors.Is(err, store.ErrDuplicateTemplate) {
			return fmt.Errorf("seed template %s: %w", seed.Name, err)
		}
		s.logger.WithField("template", seed.Name).Info("seeded report template")
	}
	return nil
}
