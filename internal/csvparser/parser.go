// Package csvparser turns CSV uploads into email jobs.
package csvparser

import (
	"fmt"
	"io"
	"strings"

	"MailQueue/internal/models"
)

// Jobs builds one job per recipient row, all sharing subject, template and
// priority. The row's other columns become template variables.
func Jobs(rows []RecipientRow, subject, template string, priority models.Priority) []*models.EmailJob {
	jobs := make([]*models.EmailJob, 0, len(rows))
	for _, row := range rows {
		vars := make(map[string]any, len(row.Fields))
		for k, v := range row.Fields {
			vars[k] = v
		}
		jobs = append(jobs, &models.EmailJob{
			Recipient: row.Email,
			Subject:   subject,
			Template:  template,
			Priority:  priority,
			Vars:      vars,
		})
	}
	return jobs
}

// ParseJobs reads a CSV where each row is a complete job: Email, Subject
// and Template columns are required, Priority is optional and everything
// else is a template variable.
func ParseJobs(r io.Reader, maxRows int) ([]*models.EmailJob, error) {
	rows, err := ParseRecipientRows(r, maxRows)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.EmailJob, 0, len(rows))
	for _, row := range rows {
		job := &models.EmailJob{
			Recipient: row.Email,
			Vars:      make(map[string]any),
		}

		for k, v := range row.Fields {
			switch strings.ToLower(k) {
			case "subject":
				job.Subject = v
			case "template":
				job.Template = v
			case "priority":
				p, err := models.ParsePriority(v)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", row.Line, err)
				}
				job.Priority = p
			default:
				job.Vars[k] = v
			}
		}

		if job.Subject == "" || job.Template == "" {
			return nil, fmt.Errorf("line %d: subject and template are required", row.Line)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
