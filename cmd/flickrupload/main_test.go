package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polastre/flickrup"
	"github.com/polastre/flickrup/internal/flickrtest"
)

// useFakeFlickr points the command at a fake Flickr for the rest of the test.
func useFakeFlickr(t *testing.T) *flickrtest.Server {
	t.Helper()
	srv := flickrtest.NewServer(t)
	old := endpoints
	endpoints = flickrup.Endpoints{
		RequestTokenURL: srv.URL + flickrtest.RequestTokenPath,
		AuthorizeURL:    srv.URL + flickrtest.AuthorizePath,
		AccessTokenURL:  srv.URL + flickrtest.AccessTokenPath,
		RESTURL:         srv.URL + flickrtest.RESTPath,
		UploadURL:       srv.URL + flickrtest.UploadPath,
	}
	t.Cleanup(func() { endpoints = old })
	return srv
}

func setCredentials(t *testing.T, key, secret string) {
	t.Helper()
	t.Setenv("FLICKR_API_KEY", key)
	t.Setenv("FLICKR_API_SECRET", secret)
	t.Setenv("FLICKR_TOKEN_CACHE", filepath.Join(t.TempDir(), "tokens.sqlite"))
	t.Setenv("FLICKR_MANIFEST_BUCKET", "")
}

func runCmd(t *testing.T, stdin string, argv ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr strings.Builder
	code := run(context.Background(), argv, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func photoTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range []string{"a.jpg", "b.txt", "sub/c.PNG"} {
		path := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(f), 0o644))
	}
	return root
}

func TestRun_MissingCredentials(t *testing.T) {
	tests := []struct {
		name        string
		key, secret string
	}{
		{"key missing", "", "secret"},
		{"secret missing", "key", ""},
		{"both missing", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := useFakeFlickr(t)
			setCredentials(t, tt.key, tt.secret)

			code, stdout, _ := runCmd(t, "", photoTree(t))
			assert.Equal(t, 1, code)
			assert.Contains(t, stdout, "Please set the FLICKR_API_KEY and FLICKR_API_SECRET environment variables.")
			assert.Zero(t, srv.RequestTokens())
			assert.Empty(t, srv.Uploads())
		})
	}
}

func TestRun_WrongArgumentCount(t *testing.T) {
	srv := useFakeFlickr(t)
	setCredentials(t, "key", "secret")
	dir := t.TempDir()

	for _, argv := range [][]string{{}, {dir, dir}, {dir, dir, dir}} {
		code, _, stderr := runCmd(t, "", argv...)
		assert.NotZero(t, code, argv)
		assert.Contains(t, stderr, "Usage: flickrupload", argv)
	}
	assert.Zero(t, srv.RequestTokens())
}

func TestRun_MissingCredentialsWinOverUsage(t *testing.T) {
	srv := useFakeFlickr(t)
	setCredentials(t, "", "")
	dir := t.TempDir()

	for _, argv := range [][]string{{}, {dir, dir}} {
		code, stdout, stderr := runCmd(t, "", argv...)
		assert.Equal(t, 1, code, argv)
		assert.Contains(t, stdout, "Please set the FLICKR_API_KEY and FLICKR_API_SECRET environment variables.", argv)
		assert.Empty(t, stderr, argv)
	}
	assert.Zero(t, srv.RequestTokens())
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := runCmd(t, "", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "FLICKR_API_KEY")
}

func TestRun_MissingDirectory(t *testing.T) {
	srv := useFakeFlickr(t)
	setCredentials(t, "key", "secret")
	dir := filepath.Join(t.TempDir(), "photos")

	code, stdout, _ := runCmd(t, srv.Verifier+"\n", dir)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "Directory "+dir+" does not exist.")
	assert.NotContains(t, stdout, "Verifier code")
	assert.Zero(t, srv.RequestTokens())
}

func TestRun_NotADirectory(t *testing.T) {
	srv := useFakeFlickr(t)
	setCredentials(t, "key", "secret")
	file := filepath.Join(photoTree(t), "a.jpg")

	code, _, _ := runCmd(t, "", file)
	assert.Equal(t, 1, code)
	assert.Zero(t, srv.RequestTokens())
}

func TestRun_UploadsMatchingFiles(t *testing.T) {
	srv := useFakeFlickr(t)
	setCredentials(t, "key", "secret")
	root := photoTree(t)

	code, stdout, _ := runCmd(t, srv.Verifier+"\n", root)
	require.Equal(t, 0, code, stdout)

	assert.Equal(t, []string{"a.jpg", "c.PNG"}, srv.UploadedNames())
	for _, up := range srv.Uploads() {
		assert.Equal(t, "0", up.Query.Get("is_public"))
		assert.Equal(t, "0", up.Query.Get("is_friend"))
		assert.Equal(t, "0", up.Query.Get("is_family"))
	}
	assert.Contains(t, stdout, "Please visit this URL to authenticate: ")
	assert.Contains(t, stdout, "Uploaded "+filepath.Join(root, "a.jpg")+" successfully!")
	assert.Contains(t, stdout, "Uploaded "+filepath.Join(root, "sub", "c.PNG")+" successfully!")
	assert.NotContains(t, stdout, "b.txt")
	assert.Contains(t, stdout, "Done: 2 uploaded, 0 with warnings, 0 failed.")
}

func TestRun_CachedTokenIsReused(t *testing.T) {
	srv := useFakeFlickr(t)
	setCredentials(t, "key", "secret")
	root := photoTree(t)

	code, _, _ := runCmd(t, srv.Verifier+"\n", root)
	require.Equal(t, 0, code)
	require.Equal(t, 1, srv.RequestTokens())

	// no verifier on stdin the second time round
	code, stdout, _ := runCmd(t, "", root)
	require.Equal(t, 0, code, stdout)
	assert.Equal(t, 1, srv.RequestTokens())
	assert.NotContains(t, stdout, "Verifier code")
	assert.Len(t, srv.Uploads(), 4)
}

func TestRun_UploadFailuresKeepExitZero(t *testing.T) {
	srv := useFakeFlickr(t)
	srv.Replies["a.jpg"] = flickrtest.Reply{Body: `<rsp stat="fail"><err code="3" msg="General upload failure" /></rsp>`}
	srv.Replies["c.PNG"] = flickrtest.Reply{Body: ""}
	setCredentials(t, "key", "secret")
	root := photoTree(t)

	code, stdout, _ := runCmd(t, srv.Verifier+"\n", root)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Failed to upload "+filepath.Join(root, "a.jpg")+". Error: flickr: error 3: General upload failure")
	assert.Contains(t, stdout, "Uploaded "+filepath.Join(root, "sub", "c.PNG")+" but encountered a response parsing error.")
	assert.Contains(t, stdout, "Done: 0 uploaded, 1 with warnings, 1 failed.")
}

func TestRun_RejectedVerifier(t *testing.T) {
	srv := useFakeFlickr(t)
	setCredentials(t, "key", "secret")

	code, stdout, _ := runCmd(t, "not-the-code\n", photoTree(t))
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "Authentication failed")
	assert.Empty(t, srv.Uploads())
}

type fakeS3Uploader struct {
	s3manageriface.UploaderAPI
	keys []string
}

func (f *fakeS3Uploader) Upload(in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return nil, err
	}
	f.keys = append(f.keys, aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key))
	return &s3manager.UploadOutput{}, nil
}

func TestRun_WritesManifest(t *testing.T) {
	srv := useFakeFlickr(t)
	setCredentials(t, "key", "secret")
	t.Setenv("FLICKR_MANIFEST_BUCKET", "reports")
	s3 := &fakeS3Uploader{}
	manifestUploader = s3
	t.Cleanup(func() { manifestUploader = nil })

	code, stdout, _ := runCmd(t, srv.Verifier+"\n", "--manifest-key", "runs/latest.json", photoTree(t))
	require.Equal(t, 0, code, stdout)
	assert.Equal(t, []string{"reports/runs/latest.json"}, s3.keys)
	assert.Contains(t, stdout, "Wrote manifest to s3://reports/runs/latest.json")
}
