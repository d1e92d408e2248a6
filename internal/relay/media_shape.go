package relay

import (
	"fmt"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/service"
)

// SelectMedia picks the files a target can take in one post. Platforms that
// do not mix kinds get either their video allowance or their photos, with
// video preferred. Documents are kept only where the target accepts them.
func SelectMedia(files []*media.File, limits service.Limits) ([]*media.File, error) {
	var videos, photos, documents []*media.File
	for _, f := range files {
		switch f.Kind {
		case models.MediaKindVideo, models.MediaKindAnimation:
			videos = append(videos, f)
		case models.MediaKindPhoto:
			photos = append(photos, f)
		default:
			documents = append(documents, f)
		}
	}

	var selected []*media.File
	switch {
	case limits.RequiresVideo:
		if len(videos) == 0 {
			return nil, fmt.Errorf("%w: target only accepts a video", service.ErrUnsupportedMedia)
		}
		selected = videos[:1]

	case limits.AllowMixed:
		album := max(limits.MaxPhotos, limits.MaxVideos)
		for _, f := range files {
			if f.Kind == models.MediaKindPhoto || f.Kind == models.MediaKindVideo || f.Kind == models.MediaKindAnimation {
				selected = append(selected, f)
			}
		}
		selected = capFiles(selected, album)

	case len(videos) > 0 && limits.MaxVideos > 0:
		selected = capFiles(videos, limits.MaxVideos)

	case len(photos) > 0 && limits.MaxPhotos > 0:
		selected = capFiles(photos, limits.MaxPhotos)
	}

	if limits.AllowDocuments {
		selected = append(selected, documents...)
	}

	if len(selected) == 0 && limits.RequiresMedia {
		if len(files) == 0 {
			return nil, fmt.Errorf("%w: target requires media", service.ErrUnsupportedMedia)
		}
		return nil, fmt.Errorf("%w: no attachment fits the target", service.ErrUnsupportedMedia)
	}
	return selected, nil
}

func capFiles(files []*media.File, limit int) []*media.File {
	if limit > 0 && len(files) > limit {
		return files[:limit]
	}
	return files
}
