package normalize

import (
	"strings"

	"github.com/Nexora-Open-Source/job-feed-importer/feed"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
)

// Jobicy reads the job_listing namespace
func Jobicy(item feed.RawItem, sourceURL string) *types.Job {
	link := item.String("link")
	return &types.Job{
		Source:      "jobicy",
		SourceURL:   sourceURL,
		ExternalID:  stableID(item, link),
		Title:       item.String("title"),
		Company:     item.First("job_listing:company", "company"),
		Location:    item.String("job_listing:location"),
		Type:        item.String("job_listing:job_type"),
		Description: pickHTML(item),
		URL:         link,
		PublishedAt: parseDate(item.String("pubDate")),
		Raw:         rawCopy(item),
	}
}

// HigherEdJobs feeds are plain RSS with the employer as author
func HigherEdJobs(item feed.RawItem, sourceURL string) *types.Job {
	link := item.String("link")
	return &types.Job{
		Source:      "higheredjobs",
		SourceURL:   sourceURL,
		ExternalID:  stableID(item, link),
		Title:       item.String("title"),
		Company:     item.First("author", "dc:creator"),
		Location:    joinCategories(item),
		Description: item.String("description"),
		URL:         link,
		PublishedAt: parseDate(item.String("pubDate")),
		Raw:         rawCopy(item),
	}
}

// WeWorkRemotely titles read "Company: Role"
func WeWorkRemotely(item feed.RawItem, sourceURL string) *types.Job {
	link := item.String("link")
	title := strings.TrimSpace(item.String("title"))
	company := ""
	if i := strings.Index(title, ": "); i > 0 {
		company = strings.TrimSpace(title[:i])
		title = strings.TrimSpace(title[i+2:])
	}
	return &types.Job{
		Source:      "weworkremotely",
		SourceURL:   sourceURL,
		ExternalID:  stableID(item, link),
		Title:       title,
		Company:     company,
		Location:    item.First("region", "country"),
		Type:        item.String("type"),
		Description: pickHTML(item),
		URL:         link,
		PublishedAt: parseDate(item.String("pubDate")),
		Raw:         rawCopy(item),
	}
}

// Generic is the best-effort fallback for unrecognized feeds
func Generic(item feed.RawItem, sourceURL string) *types.Job {
	link := item.String("link")
	id := item.First("guid", "link")
	if id == "" {
		id = canonicalHash(item)
	}
	return &types.Job{
		Source:      SourceUnknown,
		SourceURL:   sourceURL,
		ExternalID:  id,
		Title:       item.String("title"),
		Company:     item.First("author", "dc:creator"),
		Location:    item.String("category"),
		Description: item.String("description"),
		URL:         link,
		PublishedAt: parseDate(item.First("pubDate", "dc:date", "updated")),
		Raw:         rawCopy(item),
	}
}
