package vprogress

import (
	"testing"
	"time"
)

func TestPercentReflectsDownloadedBytes(t *testing.T) {
	tr := New(1000, 2)
	tr.AddFile("a.dat", 600)
	tr.AddFile("b.dat", 400)

	tr.ChunkDownloaded("a.dat", 300)
	if got := tr.Percent(); got != 30 {
		t.Errorf("Percent = %v, want 30", got)
	}
	tr.ChunkDownloaded("b.dat", 400)
	tr.FileComplete("b.dat")
	if tr.CompletedFiles() != 1 {
		t.Errorf("CompletedFiles = %d, want 1", tr.CompletedFiles())
	}
	tr.Wait()
}

func TestPercentWithZeroTotalReportsComplete(t *testing.T) {
	tr := New(0, 0)
	if got := tr.Percent(); got != 100 {
		t.Errorf("Percent = %v, want 100 for empty session", got)
	}
	tr.Wait()
}

func TestAddPreexistingCountsTowardDownloaded(t *testing.T) {
	tr := New(500, 1)
	tr.AddPreexisting(500)
	if tr.Downloaded() != 500 {
		t.Errorf("Downloaded = %d, want 500", tr.Downloaded())
	}
	tr.Wait()
}

func TestSpeedRequiresAtLeastTwoSamples(t *testing.T) {
	tr := New(1000, 1)
	if got := tr.Speed(); got != 0 {
		t.Errorf("Speed with one sample = %v, want 0", got)
	}
	time.Sleep(2 * time.Millisecond)
	tr.ChunkDownloaded("a.dat", 100)
	if got := tr.Speed(); got < 0 {
		t.Errorf("Speed should be non-negative, got %v", got)
	}
	tr.Wait()
}

func TestETAZeroWhenComplete(t *testing.T) {
	tr := New(100, 1)
	tr.ChunkDownloaded("a.dat", 100)
	if got := tr.ETA(); got != 0 {
		t.Errorf("ETA = %v, want 0 once downloaded == total", got)
	}
	tr.Wait()
}

func TestFormatBytesHumanReadable(t *testing.T) {
	got := FormatBytes(1536)
	if got == "" {
		t.Fatal("expected non-empty formatted string")
	}
}

func TestShortenNameTruncatesLongPaths(t *testing.T) {
	long := "a/very/deeply/nested/path/to/some/game/asset/file/that/is/quite/long.pak"
	got := shortenName(long)
	if len(got) > 43 {
		t.Errorf("shortenName produced %d chars, want <= 43: %q", len(got), got)
	}
	short := "game.dat"
	if shortenName(short) != short {
		t.Errorf("shortenName should leave short paths untouched, got %q", shortenName(short))
	}
}
