// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/strandhq/strand/internal/common"
)

// AutomationManager persists scheduled prompts and their run history.
type AutomationManager struct {
	db *gorm.DB
}

// NewAutomationManager creates an automation manager.
func NewAutomationManager(db *DB) *AutomationManager {
	return &AutomationManager{db: db.Gorm()}
}

// CreateAutomation inserts a new automation.
func (m *AutomationManager) CreateAutomation(a *Automation) error {
	if a.CronExpr == "" || a.Prompt == "" {
		return common.E(common.KindBadRequest, "automation requires a cron expression and a prompt")
	}
	return m.db.Create(a).Error
}

// GetAutomation loads an automation by id.
func (m *AutomationManager) GetAutomation(id string) (*Automation, error) {
	var a Automation
	if err := m.db.First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.Ef(common.KindNotFound, "automation %s not found", id)
		}
		return nil, err
	}
	return &a, nil
}

// ListEnabled returns every enabled automation across all projects.
func (m *AutomationManager) ListEnabled() ([]Automation, error) {
	var automations []Automation
	err := m.db.Where("enabled = ?", true).Find(&automations).Error
	return automations, err
}

// ListForProject returns a project's automations.
func (m *AutomationManager) ListForProject(projectID string) ([]Automation, error) {
	var automations []Automation
	err := m.db.Where("project_id = ?", projectID).Order("created_at ASC").Find(&automations).Error
	return automations, err
}

// UpdateAutomation saves automation fields.
func (m *AutomationManager) UpdateAutomation(a *Automation) error {
	return m.db.Save(a).Error
}

// DeleteAutomation removes an automation and its runs.
func (m *AutomationManager) DeleteAutomation(id string) error {
	res := m.db.Delete(&Automation{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindNotFound, "automation %s not found", id)
	}
	return nil
}

// StartRun records a new run, stamps lastRunAt, and prunes history beyond
// the automation's retention.
func (m *AutomationManager) StartRun(automationID, threadID string) (*AutomationRun, error) {
	automation, err := m.GetAutomation(automationID)
	if err != nil {
		return nil, err
	}

	run := &AutomationRun{AutomationID: automationID, ThreadID: threadID, Status: "running"}
	err = m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		now := time.Now()
		if err := tx.Model(&Automation{}).Where("id = ?", automationID).
			Update("last_run_at", &now).Error; err != nil {
			return err
		}
		return pruneRuns(tx, automationID, automation.MaxRunHistory)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun finishes a run with a status.
func (m *AutomationManager) CompleteRun(runID, status string) error {
	now := time.Now()
	return m.db.Model(&AutomationRun{}).Where("id = ?", runID).
		Updates(map[string]any{"status": status, "completed_at": &now}).Error
}

// ListRuns returns an automation's runs, newest first.
func (m *AutomationManager) ListRuns(automationID string) ([]AutomationRun, error) {
	var runs []AutomationRun
	err := m.db.Where("automation_id = ?", automationID).
		Order("started_at DESC").Find(&runs).Error
	return runs, err
}

// pruneRuns deletes runs beyond the retention window, oldest first.
func pruneRuns(tx *gorm.DB, automationID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	var ids []string
	if err := tx.Model(&AutomationRun{}).
		Where("automation_id = ?", automationID).
		Order("started_at DESC").
		Offset(keep).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return tx.Delete(&AutomationRun{}, "id IN ?", ids).Error
}
