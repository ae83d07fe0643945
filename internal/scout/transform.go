package scout

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransformResult is the outcome of transforming one poll payload. Dropped
// counts items without a usable identifier; Failures carries per-item
// transform errors. Neither aborts the batch.
type TransformResult struct {
	Records  []Creative
	Dropped  int
	Failures []ItemFailure
}

// ItemFailure records one item that could not be transformed.
type ItemFailure struct {
	Identifier string
	Err        error
}

// Transform validates and flattens raw scraper items into Creative records.
// It is a pure function over its inputs: no store, queue or network access.
func Transform(items []AdItem, runID, organisationID string, kind Kind, now time.Time) TransformResult {
	res := TransformResult{}
	for _, item := range items {
		id := item.Identifier()
		if id == "" {
			res.Dropped++
			continue
		}
		rec, err := buildCreative(item, id, runID, organisationID, kind, now)
		if err != nil {
			res.Failures = append(res.Failures, ItemFailure{Identifier: id, Err: err})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

func buildCreative(item AdItem, id, runID, organisationID string, kind Kind, now time.Time) (Creative, error) {
	rec := Creative{
		AdArchiveID:    id,
		RunID:          runID,
		OrganisationID: organisationID,
		Kind:           kind,
		PageID:         item.PageID,
		PageName:       item.PageName,
		IsActive:       item.IsActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if snap := item.Snapshot; snap != nil {
		rec.Title = snap.Title
		rec.Body = snap.Body.Text
		rec.LinkURL = snap.LinkURL
		rec.ImageURLs, rec.OriginalImages, rec.VideoHDURLs, rec.VideoSDURLs = flattenMedia(snap, item)
		rec.StartDate = epochToISO(snap.StartAt)
		rec.EndDate = epochToISO(snap.EndAt)
	} else {
		rec.ImageURLs = append([]string(nil), item.ImageURLs...)
		rec.VideoHDURLs = append([]string(nil), item.VideoHDURLs...)
		rec.VideoSDURLs = append([]string(nil), item.VideoSDURLs...)
	}

	raw, err := rawPayload(item)
	if err != nil {
		return Creative{}, err
	}
	rec.Raw = raw
	return rec, nil
}

// flattenMedia turns nested media cards into parallel URL arrays. When the
// snapshot has no cards it falls back to the snapshot-level arrays, then to
// the item-level arrays.
func flattenMedia(snap *Snapshot, item AdItem) (resized, original, hd, sd []string) {
	if len(snap.Cards) > 0 {
		for _, card := range snap.Cards {
			if card.ResizedImageURL != "" {
				resized = append(resized, card.ResizedImageURL)
			}
			if card.OriginalImageURL != "" {
				original = append(original, card.OriginalImageURL)
			}
			if card.VideoHDURL != "" {
				hd = append(hd, card.VideoHDURL)
			}
			if card.VideoSDURL != "" {
				sd = append(sd, card.VideoSDURL)
			}
		}
		return resized, original, hd, sd
	}
	for _, img := range snap.Images {
		if img.ResizedURL != "" {
			resized = append(resized, img.ResizedURL)
		}
		if img.OriginalURL != "" {
			original = append(original, img.OriginalURL)
		}
	}
	for _, vid := range snap.Videos {
		if vid.HDURL != "" {
			hd = append(hd, vid.HDURL)
		}
		if vid.SDURL != "" {
			sd = append(sd, vid.SDURL)
		}
	}
	if len(resized) == 0 && len(original) == 0 {
		resized = append(resized, item.ImageURLs...)
	}
	if len(hd) == 0 {
		hd = append(hd, item.VideoHDURLs...)
	}
	if len(sd) == 0 {
		sd = append(sd, item.VideoSDURLs...)
	}
	return resized, original, hd, sd
}

// rawPayload carries the scraper's payload forward unmodified for audit. If
// the client did not capture the raw bytes it re-marshals the item.
func rawPayload(item AdItem) (json.RawMessage, error) {
	if len(item.Raw) > 0 {
		if !json.Valid(item.Raw) {
			return nil, fmt.Errorf("raw payload for %q is not valid JSON", item.Identifier())
		}
		return append(json.RawMessage(nil), item.Raw...), nil
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item %q: %w", item.Identifier(), err)
	}
	return data, nil
}

// epochToISO converts epoch seconds to an ISO-8601 (RFC 3339) UTC string.
// Zero and negative values map to the empty string.
func epochToISO(sec int64) string {
	if sec <= 0 {
		return ""
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
