// Package cron runs scheduled skill invocations against the service.
package cron

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// JobSpec is one scheduled job as declared in the jobs file.
type JobSpec struct {
	Name           string `yaml:"name"`
	SkillName      string `yaml:"skill_name"`
	Message        string `yaml:"message"`
	CronExpression string `yaml:"cron_expression"`
	Enabled        bool   `yaml:"enabled"`
	LogOutput      bool   `yaml:"log_output"`
}

type jobsFile struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// LoadJobs reads job specs from a YAML file. A missing file yields an
// empty job list, not an error.
func LoadJobs(path string) ([]JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var file jobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file: %w", err)
	}
	return file.Jobs, nil
}

func (j *JobSpec) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(j.SkillName) == "" {
		return fmt.Errorf("skill_name is required")
	}
	if strings.TrimSpace(j.Message) == "" {
		return fmt.Errorf("message is required")
	}
	if strings.TrimSpace(j.CronExpression) == "" {
		return fmt.Errorf("cron_expression is required")
	}
	return nil
}
