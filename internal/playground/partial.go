package playground

import "github.com/agentoven/agentoven/playground/pkg/models"

// Partial is a shallow-merge update. Nil fields are left unchanged.
type Partial struct {
	Selected []string
	Rows     []models.GenerationRow
	Messages []models.MessageRow
	Routing  *models.Routing
	Load     *models.LoadStatus
	Error    *string
}

func (p Partial) apply(d *Draft) error {
	if p.Selected != nil {
		d.Select(p.Selected...)
	}
	if p.Rows != nil {
		d.Rows = make([]models.GenerationRow, len(p.Rows))
		for i, r := range p.Rows {
			d.Rows[i] = r.Clone()
		}
	}
	if p.Messages != nil {
		d.Messages = make([]models.MessageRow, len(p.Messages))
		for i, r := range p.Messages {
			d.Messages[i] = r.Clone()
		}
	}
	if p.Routing != nil {
		d.Routing = *p.Routing
	}
	if p.Load != nil {
		d.Load = *p.Load
	}
	if p.Error != nil {
		d.Error = *p.Error
	}
	return nil
}
