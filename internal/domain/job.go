package domain

import "time"

// Job: единица работы верификатора. Пустые Page и URLTarget означают
// перепроверку всего, что известно под Domain.
type Job struct {
	ID        string        `json:"id"`
	Domain    string        `json:"domain"`
	Page      string        `json:"page,omitempty"`
	URLTarget string        `json:"urlTarget,omitempty"`
	QueueTime int64         `json:"queueTime"` // epoch ms
	Timeout   time.Duration `json:"timeout"`
	Retries   int           `json:"retries"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"lastError,omitempty"`
}

func (j Job) DomainWide() bool {
	return j.Page == "" && j.URLTarget == ""
}
