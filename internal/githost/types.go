package githost

import (
	"strconv"
	"time"

	"github.com/projectpulse/projectpulse/internal/ingest"
)

// repoRecord is the wire shape of one repository entity as returned by
// the hosting API. Unknown fields are ignored; missing fields stay zero
// and are judged by the validator/normalizer downstream.
type repoRecord struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	FullName        string    `json:"full_name"`
	Description     string    `json:"description"`
	Language        string    `json:"language"`
	Topics          []string  `json:"topics"`
	StargazersCount int       `json:"stargazers_count"`
	ForksCount      int       `json:"forks_count"`
	OpenIssuesCount int       `json:"open_issues_count"`
	Size            int       `json:"size"`
	Homepage        string    `json:"homepage"`
	Archived        bool      `json:"archived"`
	Private         bool      `json:"private"`
	PushedAt        time.Time `json:"pushed_at"`
}

// toRaw maps the wire shape into the typed intermediate record. The
// dedup key is the hosting API's stable numeric id.
func (r repoRecord) toRaw(source string) ingest.RawRecord {
	return ingest.RawRecord{
		DedupKey:    "ext-" + strconv.FormatInt(r.ID, 10),
		Source:      source,
		Name:        r.Name,
		Description: r.Description,
		Language:    r.Language,
		Topics:      r.Topics,
		Stars:       r.StargazersCount,
		Forks:       r.ForksCount,
		OpenIssues:  r.OpenIssuesCount,
		SizeKB:      r.Size,
		Homepage:    r.Homepage,
		Archived:    r.Archived,
		Private:     r.Private,
		PushedAt:    r.PushedAt,
	}
}
