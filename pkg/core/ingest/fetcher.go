package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"filing_valuation/pkg/core/cache"
	"filing_valuation/pkg/models"
)

// filingIndex is the directory listing EDGAR serves at .../{accession}/index.json.
type filingIndex struct {
	Directory struct {
		Item []struct {
			Name string `json:"name"`
			Type string `json:"type"`
			Size string `json:"size"`
		} `json:"item"`
	} `json:"directory"`
}

// FetchDocument returns one document of a filing. A cached document is returned
// without any network call. On a miss the document is downloaded and written to
// the cache before it is returned; the write completes even if ctx is cancelled
// afterwards.
func (c *EDGARClient) FetchDocument(ctx context.Context, filing models.Filing, kind models.DocumentKind) (models.RawDocument, error) {
	op := "ingest.FetchDocument"
	ref := filing.Ref()
	key := cache.KeyFor(ref, kind)

	data, err := c.cache.Get(key)
	if err == nil {
		c.logger.Debug().Str("accession", filing.AccessionNumber).Str("kind", string(kind)).Msg("Filing cache hit")
		return models.NewRawDocument(ref, kind, c.cachedName(filing, kind), data), nil
	}
	if !errors.Is(err, models.ErrCacheMiss) {
		return models.RawDocument{}, err
	}

	if c.offline {
		return models.RawDocument{}, models.NewError(models.ErrFilingUnavailable, op, key.String(),
			fmt.Errorf("offline and not cached"))
	}
	if kind == models.DocMarkdown {
		// markdown renditions are produced locally, never served by EDGAR
		return models.RawDocument{}, models.NewError(models.ErrFilingUnavailable, op, key.String(),
			fmt.Errorf("no cached markdown rendition"))
	}

	name, err := c.documentName(ctx, filing, kind)
	if err != nil {
		return models.RawDocument{}, err
	}

	url := c.ArchiveURL(filing, name)
	accept := "text/html"
	if kind == models.DocStructured {
		accept = "application/xml"
	}
	body, err := c.http.Get(ctx, url, accept)
	if err != nil {
		// Throttling stays retryable; only hard upstream failures mean the
		// document is unavailable.
		if errors.Is(err, models.ErrNotFound) || models.IsRetryable(err) || ctx.Err() != nil {
			return models.RawDocument{}, err
		}
		return models.RawDocument{}, models.NewError(models.ErrFilingUnavailable, op, key.String(), err)
	}

	if err := c.cache.Put(key, body); err != nil {
		return models.RawDocument{}, err
	}

	c.logger.Info().
		Str("accession", filing.AccessionNumber).
		Str("kind", string(kind)).
		Str("document", name).
		Int("bytes", len(body)).
		Msg("Fetched filing document")

	return models.NewRawDocument(ref, kind, name, body), nil
}

// ArchiveURL builds the download URL of a document inside a filing.
// Format: https://www.sec.gov/Archives/edgar/data/{cik}/{accession-no-dashes}/{document}
func (c *EDGARClient) ArchiveURL(filing models.Filing, document string) string {
	cik := strings.TrimLeft(filing.CIK, "0")
	accessionNoDashes := strings.ReplaceAll(filing.AccessionNumber, "-", "")
	if document == "" {
		return fmt.Sprintf("%s/%s/%s", c.archivesURL, cik, accessionNoDashes)
	}
	return fmt.Sprintf("%s/%s/%s/%s", c.archivesURL, cik, accessionNoDashes, document)
}

// documentName resolves which file inside the filing holds the requested kind.
func (c *EDGARClient) documentName(ctx context.Context, filing models.Filing, kind models.DocumentKind) (string, error) {
	if kind == models.DocNarrative {
		if filing.PrimaryDocument == "" {
			return "", models.NewError(models.ErrNotFound, "ingest.documentName", filing.AccessionNumber,
				fmt.Errorf("filing has no primary document"))
		}
		return filing.PrimaryDocument, nil
	}

	body, err := c.index(ctx, "filing-index/"+filing.AccessionNumber, c.ArchiveURL(filing, "index.json"))
	if err != nil {
		return "", err
	}
	var idx filingIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return "", fmt.Errorf("failed to parse filing index: %w", err)
	}

	names := make([]string, 0, len(idx.Directory.Item))
	for _, item := range idx.Directory.Item {
		names = append(names, item.Name)
	}
	name := SelectInstanceDocument(names)
	if name == "" {
		return "", models.NewError(models.ErrNotFound, "ingest.documentName", filing.AccessionNumber,
			fmt.Errorf("no XBRL instance document in filing"))
	}
	return name, nil
}

// SelectInstanceDocument picks the XBRL instance out of a filing directory listing.
// Inline filings ship it as *_htm.xml; older ones as the only plain .xml that is
// not a linkbase or the filing summary.
func SelectInstanceDocument(names []string) string {
	for _, n := range names {
		if strings.HasSuffix(strings.ToLower(n), "_htm.xml") {
			return n
		}
	}
	for _, n := range names {
		lower := strings.ToLower(n)
		if !strings.HasSuffix(lower, ".xml") || lower == "filingsummary.xml" {
			continue
		}
		if strings.HasSuffix(lower, "_cal.xml") || strings.HasSuffix(lower, "_def.xml") ||
			strings.HasSuffix(lower, "_lab.xml") || strings.HasSuffix(lower, "_pre.xml") {
			continue
		}
		return n
	}
	return ""
}

func (c *EDGARClient) cachedName(filing models.Filing, kind models.DocumentKind) string {
	if kind == models.DocNarrative {
		return filing.PrimaryDocument
	}
	return ""
}
