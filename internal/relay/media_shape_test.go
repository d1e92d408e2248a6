package relay

import (
	"errors"
	"testing"

	"github.com/maheshrc27/relayflow/internal/media"
	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/service"
)

func files(kinds ...string) []*media.File {
	out := make([]*media.File, len(kinds))
	for i, k := range kinds {
		out[i] = &media.File{Kind: k, CacheKey: k + string(rune('a'+i))}
	}
	return out
}

func kinds(fs []*media.File) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Kind
	}
	return out
}

func limitsOf(t *testing.T, platform string) service.Limits {
	t.Helper()
	l, ok := service.LimitsFor(platform)
	if !ok {
		t.Fatalf("no limits for %s", platform)
	}
	return l
}

func TestSelectMediaTwitter(t *testing.T) {
	twitter := limitsOf(t, models.PlatformTwitter)
	photo, video, doc := models.MediaKindPhoto, models.MediaKindVideo, models.MediaKindDocument

	got, err := SelectMedia(files(photo, video, photo), twitter)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Kind != video {
		t.Errorf("mixed input gave %v, want the video alone", kinds(got))
	}

	got, err = SelectMedia(files(photo, photo, photo, photo, photo, photo), twitter)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Errorf("got %d photos, want 4", len(got))
	}

	got, err = SelectMedia(files(doc), twitter)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("document kept for twitter: %v", kinds(got))
	}
}

func TestSelectMediaYoutubeRequiresVideo(t *testing.T) {
	youtube := limitsOf(t, models.PlatformYoutube)

	if _, err := SelectMedia(files(models.MediaKindPhoto), youtube); !errors.Is(err, service.ErrUnsupportedMedia) {
		t.Errorf("photo only: err = %v, want ErrUnsupportedMedia", err)
	}
	if _, err := SelectMedia(nil, youtube); !errors.Is(err, service.ErrUnsupportedMedia) {
		t.Errorf("no media: err = %v, want ErrUnsupportedMedia", err)
	}

	got, err := SelectMedia(files(models.MediaKindPhoto, models.MediaKindVideo, models.MediaKindVideo), youtube)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Kind != models.MediaKindVideo {
		t.Errorf("got %v, want one video", kinds(got))
	}
}

func TestSelectMediaTelegramMixed(t *testing.T) {
	telegram := limitsOf(t, models.PlatformTelegram)

	got, err := SelectMedia(files(models.MediaKindPhoto, models.MediaKindVideo, models.MediaKindDocument, models.MediaKindAnimation), telegram)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{models.MediaKindPhoto, models.MediaKindVideo, models.MediaKindAnimation, models.MediaKindDocument}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", kinds(got), want)
	}
	for i := range want {
		if got[i].Kind != want[i] {
			t.Errorf("item %d = %s, want %s", i, got[i].Kind, want[i])
		}
	}

	many := make([]string, 12)
	for i := range many {
		many[i] = models.MediaKindPhoto
	}
	got, err = SelectMedia(files(many...), telegram)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("album of %d, want 10", len(got))
	}
}

func TestSelectMediaTextOnlyTargets(t *testing.T) {
	got, err := SelectMedia(nil, limitsOf(t, models.PlatformFacebook))
	if err != nil || len(got) != 0 {
		t.Errorf("facebook text post: %v, %v", kinds(got), err)
	}
	if _, err := SelectMedia(nil, limitsOf(t, models.PlatformInstagram)); !errors.Is(err, service.ErrUnsupportedMedia) {
		t.Errorf("instagram without media: err = %v", err)
	}
}
