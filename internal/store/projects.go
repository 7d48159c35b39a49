// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/strandhq/strand/internal/common"
)

// ProjectManager persists projects.
type ProjectManager struct {
	db *gorm.DB
}

// NewProjectManager creates a project manager.
func NewProjectManager(db *DB) *ProjectManager {
	return &ProjectManager{db: db.Gorm()}
}

// CreateProject registers a repository path. Name and path are unique.
func (m *ProjectManager) CreateProject(project *Project) error {
	if project.Name == "" {
		return common.E(common.KindBadRequest, "project name is required")
	}
	abs, err := filepath.Abs(project.Path)
	if err != nil {
		return common.E(common.KindBadRequest, "invalid project path")
	}
	project.Path = abs

	var count int64
	if err := m.db.Model(&Project{}).
		Where("name = ? OR path = ?", project.Name, project.Path).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return common.Ef(common.KindConflict, "project %s already exists", project.Name)
	}
	return m.db.Create(project).Error
}

// GetProject loads a project by id.
func (m *ProjectManager) GetProject(id string) (*Project, error) {
	var project Project
	if err := m.db.First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.Ef(common.KindNotFound, "project %s not found", id)
		}
		return nil, err
	}
	return &project, nil
}

// ListProjects returns all projects ordered by name.
func (m *ProjectManager) ListProjects() ([]Project, error) {
	var projects []Project
	err := m.db.Order("name ASC").Find(&projects).Error
	return projects, err
}

// UpdateProject saves project fields.
func (m *ProjectManager) UpdateProject(project *Project) error {
	return m.db.Save(project).Error
}

// DeleteProject removes a project and, via cascade, its threads and
// automations.
func (m *ProjectManager) DeleteProject(id string) error {
	res := m.db.Delete(&Project{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindNotFound, "project %s not found", id)
	}
	return nil
}
