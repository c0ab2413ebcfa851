package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"feedagent/internal/config"
	"feedagent/internal/models"
)

func testDigest() models.DailyDigest {
	return models.DailyDigest{
		ID:       "abcd1234-5678-90ab-cdef-1234567890ab",
		Date:     time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC),
		Headline: "Big day",
		Categories: []models.CategoryDigest{
			{Name: "Tech", Slug: "tech", ArticleCount: 1, Synthesis: "Things happened."},
		},
		MustRead:      []string{"a1"},
		TotalArticles: 1,
		TotalFeeds:    1,
	}
}

func TestObjectName(t *testing.T) {
	if got, want := ObjectName(testDigest()), "2026/03/14/digest-2026-03-14-abcd1234.json"; got != want {
		t.Errorf("ObjectName = %q, want %q", got, want)
	}
}

func TestFileArchiver(t *testing.T) {
	dir := t.TempDir()
	a := NewFile(dir, zerolog.Nop())

	p, err := a.Deliver(context.Background(), testDigest(), models.DigestStats{ArticlesSummarized: 1})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if want := filepath.Join(dir, "2026", "03", "14", "digest-2026-03-14-abcd1234.json"); p != want {
		t.Errorf("path = %q, want %q", p, want)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("archived file is not JSON: %v", err)
	}
	if env.Digest.Headline != "Big day" || env.Stats.ArticlesSummarized != 1 || env.ArchivedAt.IsZero() {
		t.Errorf("unexpected envelope %+v", env)
	}

	entries, err := os.ReadDir(filepath.Dir(p))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver(t *testing.T) {
	client := &fakePutter{}
	a := newS3(client, "newsletters", "digests/", zerolog.Nop())

	uri, err := a.Deliver(context.Background(), testDigest(), models.DigestStats{})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	const key = "digests/2026/03/14/digest-2026-03-14-abcd1234.json"
	if uri != "s3://newsletters/"+key {
		t.Errorf("unexpected uri %q", uri)
	}
	if aws.ToString(client.input.Bucket) != "newsletters" || aws.ToString(client.input.Key) != key {
		t.Errorf("unexpected target %s/%s", aws.ToString(client.input.Bucket), aws.ToString(client.input.Key))
	}
	if aws.ToString(client.input.ContentType) != "application/json" {
		t.Errorf("unexpected content type %q", aws.ToString(client.input.ContentType))
	}
	var env Envelope
	if err := json.Unmarshal(client.body, &env); err != nil || env.Digest.ID != testDigest().ID {
		t.Errorf("unexpected body: %v", err)
	}

	failing := newS3(&fakePutter{err: errors.New("access denied")}, "newsletters", "", zerolog.Nop())
	if _, err := failing.Deliver(context.Background(), testDigest(), models.DigestStats{}); err == nil {
		t.Error("expected upload error")
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, config.ArchiveConfig{Kind: "none"}, zerolog.Nop())
	if err != nil || a != nil {
		t.Errorf("none: got %v, %v", a, err)
	}
	if a, err := New(ctx, config.ArchiveConfig{Kind: "file", Dir: t.TempDir()}, zerolog.Nop()); err != nil || a == nil {
		t.Errorf("file: got %v, %v", a, err)
	}
	if _, err := New(ctx, config.ArchiveConfig{Kind: "s3"}, zerolog.Nop()); err == nil {
		t.Error("s3 without a bucket should fail")
	}
	if _, err := New(ctx, config.ArchiveConfig{Kind: "ftp"}, zerolog.Nop()); err == nil {
		t.Error("unknown kind should fail")
	}

	s3cfg := config.S3Config{
		Endpoint:  "https://account.r2.cloudflarestorage.com",
		Region:    "auto",
		Bucket:    "newsletters",
		AccessKey: "key",
		SecretKey: "secret",
	}
	if a, err := New(ctx, config.ArchiveConfig{Kind: "s3", S3: s3cfg}, zerolog.Nop()); err != nil || a == nil {
		t.Errorf("s3: got %v, %v", a, err)
	}
}
